package license

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"unlockd/internal/security"
)

// Default licensing server identity. Overridable through Options for custom
// server set-ups.
const (
	DefaultServerURL   = "https://store.ampworks.io/api/unlock"
	DefaultWebsiteName = "ampworks.io"
)

// Product supplies the two per-product values the unlock flow cannot default:
// the product's store ID and the RSA public key that authenticates key files
// and server replies. A concrete product must implement both; New rejects
// incomplete implementations at construction time.
type Product interface {
	ProductID() string
	PublicKey() *rsa.PublicKey
}

// Store persists the serialized unlock state as a single opaque string.
// Where and how the string is kept (file, registry, keychain) is the
// implementation's concern.
type Store interface {
	GetPersisted(ctx context.Context) (string, error)
	SetPersisted(ctx context.Context, state string) error
}

// MachineIDSource produces the ordered machine-ID list for the local host.
type MachineIDSource interface {
	LocalMachineIDs() []string
}

// Options configures a Status. The zero value is usable: every field has a
// default. Overriding individual fields replaces the corresponding default
// behavior (strategy injection instead of subclassing).
type Options struct {
	// ServerURL is the licensing server endpoint for online unlocks.
	ServerURL string

	// WebsiteName is shown to the user in connection-failure messages.
	WebsiteName string

	// ProductIDMatches decides whether a product ID declared by the server
	// is acceptable for this installation. Default: exact, case-sensitive
	// equality with Product.ProductID. Looser policies (e.g. accepting
	// upgrade SKUs) may replace it.
	ProductIDMatches func(serverID string) bool

	// Fetcher performs the network round-trip. Default: HTTPFetcher.
	Fetcher Fetcher

	// Store persists the unlock state. Default: in-memory only.
	Store Store

	// MachineIDs supplies the local machine-ID list.
	// Default: security.NewMachineIDProvider.
	MachineIDs MachineIDSource

	// Verifier checks signatures. Default: security.RSAVerifier.
	Verifier security.Verifier

	// Logger receives structured diagnostics. Default: slog.Default.
	Logger *slog.Logger

	// Metrics, when set, records unlock attempt outcomes.
	Metrics *Metrics

	// Version and OS are sent to the server as product metadata.
	Version string
	OS      string
}

// persistedState is the serialized form of the unlock state. Extra carries
// product-specific fields the core does not interpret; they round-trip
// through Save/Load untouched.
type persistedState struct {
	Unlocked  bool            `json:"unlocked"`
	UserEmail string          `json:"user_email,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// Status holds the unlock state for one product installation.
//
// All methods are safe for concurrent use, but callers performing a
// Load/Save pair around a mutation must serialize those externally; the
// internal lock protects individual operations only.
type Status struct {
	product Product
	opts    Options

	mu    sync.RWMutex
	state persistedState
}

// New creates a Status for the given product. A nil product, empty product ID
// or nil public key is a construction-time contract breach, not a runtime
// condition, and fails immediately.
func New(product Product, opts Options) (*Status, error) {
	if product == nil {
		return nil, errors.New("license: product is required")
	}
	if product.ProductID() == "" {
		return nil, errors.New("license: product must supply a product ID")
	}
	if product.PublicKey() == nil {
		return nil, errors.New("license: product must supply a public key")
	}

	if opts.ServerURL == "" {
		opts.ServerURL = DefaultServerURL
	}
	if opts.WebsiteName == "" {
		opts.WebsiteName = DefaultWebsiteName
	}
	if opts.ProductIDMatches == nil {
		id := product.ProductID()
		opts.ProductIDMatches = func(serverID string) bool { return serverID == id }
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(0)
	}
	if opts.Store == nil {
		opts.Store = &memoryStore{}
	}
	if opts.MachineIDs == nil {
		opts.MachineIDs = security.NewMachineIDProvider()
	}
	if opts.Verifier == nil {
		opts.Verifier = security.RSAVerifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "license"))

	return &Status{product: product, opts: opts}, nil
}

// IsUnlocked reports whether the product is authorized on this machine.
// Pure read of in-memory state, no side effects.
func (s *Status) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Unlocked
}

// UserEmail returns the last known user email, if any.
func (s *Status) UserEmail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UserEmail
}

// SetUserEmail records the user-supplied email. No validation is performed;
// the value is a convenience for pre-filling forms and server requests.
func (s *Status) SetUserEmail(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.UserEmail = email
}

// LocalMachineIDs returns the ordered machine-ID list for this host. The
// first element is the canonical ID to display and register.
func (s *Status) LocalMachineIDs() []string {
	return s.opts.MachineIDs.LocalMachineIDs()
}

// ProductID returns the product ID this status authorizes.
func (s *Status) ProductID() string {
	return s.product.ProductID()
}

// Load restores state from the persistence store. Absent or undecodable
// stored state is treated as a fresh Locked state, not an error; this is the
// deliberate first-run behavior.
func (s *Status) Load(ctx context.Context) {
	stored, err := s.opts.Store.GetPersisted(ctx)
	if err != nil || stored == "" {
		if err != nil {
			s.opts.Logger.DebugContext(ctx, "no persisted license state",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	var restored persistedState
	if err := json.Unmarshal([]byte(stored), &restored); err != nil {
		s.opts.Logger.WarnContext(ctx, "persisted license state is not decodable, starting fresh",
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.state = restored
	s.mu.Unlock()

	s.opts.Logger.InfoContext(ctx, "license state restored",
		slog.Bool("unlocked", restored.Unlocked),
		slog.Bool("has_email", restored.UserEmail != ""),
	)
}

// Save serializes the current state and hands it to the persistence store.
// Persistence failures are the store's concern and are only logged here.
func (s *Status) Save(ctx context.Context) {
	s.mu.RLock()
	data, err := json.Marshal(s.state)
	s.mu.RUnlock()
	if err != nil {
		s.opts.Logger.ErrorContext(ctx, "failed to serialize license state",
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.opts.Store.SetPersisted(ctx, string(data)); err != nil {
		s.opts.Logger.ErrorContext(ctx, "failed to persist license state",
			slog.String("error", err.Error()),
		)
	}
}

// SetExtra stores opaque product-specific data that rides along with the
// unlock state through Save/Load.
func (s *Status) SetExtra(extra json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Extra = extra
}

// Extra returns the opaque product-specific data, if any.
func (s *Status) Extra() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Extra
}

// setUnlocked records a verified unlock. The only callers are the key-file
// and server-unlock paths, both of which have verified a signature first.
func (s *Status) setUnlocked(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Unlocked = true
	if email != "" && s.state.UserEmail == "" {
		s.state.UserEmail = email
	}
}

// memoryStore is the default Store: state survives for the process lifetime
// only. Real deployments supply a durable store.
type memoryStore struct {
	mu    sync.Mutex
	value string
}

func (m *memoryStore) GetPersisted(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *memoryStore) SetPersisted(_ context.Context, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = state
	return nil
}
