package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "unlockd/internal/errors"
	"unlockd/internal/infrastructure"
	"unlockd/internal/license"
)

var validate = validator.New()

// LicenseHandler exposes the unlock flow to the local product UI.
type LicenseHandler struct {
	status   *license.Status
	throttle *license.Throttle
	logger   *slog.Logger
}

// NewLicenseHandler creates a license handler. throttle may be nil to
// disable attempt limiting.
func NewLicenseHandler(status *license.Status, throttle *license.Throttle, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		status:   status,
		throttle: throttle,
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/machine-id", h.GetMachineID)
	r.Post("/activate", h.Activate)
	r.Post("/keyfile", h.ApplyKeyFile)

	return r
}

// ActivationRequest is the online unlock request payload
type ActivationRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Bind implements the render.Binder interface
func (a *ActivationRequest) Bind(r *http.Request) error {
	return validate.Struct(a)
}

// KeyFileRequest is the offline key-file unlock request payload
type KeyFileRequest struct {
	Content string `json:"content" validate:"required"`
}

// Bind implements the render.Binder interface
func (k *KeyFileRequest) Bind(r *http.Request) error {
	return validate.Struct(k)
}

// StatusResponse reports the current unlock state
type StatusResponse struct {
	Unlocked  bool      `json:"unlocked"`
	UserEmail string    `json:"user_email,omitempty"`
	ProductID string    `json:"product_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MachineIDResponse carries the machine-ID list. The first entry is the
// canonical ID the user registers with the store.
type MachineIDResponse struct {
	MachineID  string   `json:"machine_id"`
	MachineIDs []string `json:"machine_ids"`
}

// ActivationResponse wraps an UnlockResult for the UI
type ActivationResponse struct {
	license.UnlockResult
	Unlocked  bool      `json:"unlocked"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyFileResponse reports the outcome of an offline key-file unlock
type KeyFileResponse struct {
	Accepted  bool      `json:"accepted"`
	Unlocked  bool      `json:"unlocked"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	render.JSON(w, r, &StatusResponse{
		Unlocked:  h.status.IsUnlocked(),
		UserEmail: h.status.UserEmail(),
		ProductID: h.status.ProductID(),
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	})
}

// GetMachineID handles GET /api/license/machine-id
func (h *LicenseHandler) GetMachineID(w http.ResponseWriter, r *http.Request) {
	ids := h.status.LocalMachineIDs()
	if len(ids) == 0 {
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	render.JSON(w, r, &MachineIDResponse{
		MachineID:  ids[0],
		MachineIDs: ids,
	})
}

// Activate handles POST /api/license/activate: the online unlock flow.
// Unlock outcomes are values, so this renders 200 with the UnlockResult
// whether or not the server granted the unlock; HTTP errors are reserved for
// malformed requests and throttling.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &ActivationRequest{}
	if err := render.Bind(r, data); err != nil {
		h.logger.WarnContext(ctx, "activation request rejected",
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if !h.allow(data.Email, r) {
		h.logger.WarnContext(ctx, "activation attempt throttled",
			slog.String("remote_addr", r.RemoteAddr),
		)
		render.Render(w, r, apierrors.ErrRateLimited)
		return
	}

	h.status.SetUserEmail(data.Email)
	result := h.status.AttemptServerUnlock(ctx, data.Email, data.Password)
	if result.Succeeded {
		h.status.Save(ctx)
	}

	render.JSON(w, r, &ActivationResponse{
		UnlockResult: result,
		Unlocked:     h.status.IsUnlocked(),
		TraceID:      infrastructure.GetTraceID(ctx),
		Timestamp:    time.Now().UTC(),
	})
}

// ApplyKeyFile handles POST /api/license/keyfile: the offline unlock flow.
func (h *LicenseHandler) ApplyKeyFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &KeyFileRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if !h.allow(clientAddr(r), r) {
		render.Render(w, r, apierrors.ErrRateLimited)
		return
	}

	accepted := h.status.ApplyKeyFile(data.Content)
	message := "Key file accepted. The product is now unlocked on this machine."
	if !accepted {
		message = "The key file could not be validated for this machine."
	} else {
		h.status.Save(ctx)
	}

	render.JSON(w, r, &KeyFileResponse{
		Accepted:  accepted,
		Unlocked:  h.status.IsUnlocked(),
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// allow applies attempt throttling per identifier, falling back to the
// client address when the identifier is empty.
func (h *LicenseHandler) allow(identifier string, r *http.Request) bool {
	if h.throttle == nil {
		return true
	}
	if identifier == "" {
		identifier = clientAddr(r)
	}
	return h.throttle.Allow(identifier)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
