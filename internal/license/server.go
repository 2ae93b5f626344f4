package license

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// replyStatusSucceeded is the status attribute value the server uses to
	// claim a granted unlock. The claim alone never unlocks; see handleReply.
	replyStatusSucceeded = "succeeded"

	maxReplyBytes = 1 << 20
)

// Fetcher performs the network round-trip to the licensing server. A failed
// round-trip (unreachable host, timeout, non-2xx status) is reported as an
// error; the unlock flow translates it into a connection-failure result.
type Fetcher interface {
	Fetch(ctx context.Context, serverURL string, params url.Values) (string, error)
}

// HTTPFetcher is the default Fetcher: a form POST over net/http.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with the given timeout (0 means 30s).
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, serverURL string, params url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(params.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build unlock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("unlock request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("licensing server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read server reply: %w", err)
	}
	return string(body), nil
}

// unlockReply is the XML document the licensing server answers with:
//
//	<UNLOCK product="com.example.prod" status="succeeded">
//	  <KEY>base64 key envelope</KEY>
//	  <MESSAGE>optional informative text</MESSAGE>
//	  <ERROR>failure text when status is not succeeded</ERROR>
//	  <URL>optional page to offer the user</URL>
//	</UNLOCK>
type unlockReply struct {
	XMLName xml.Name `xml:"UNLOCK"`
	Product string   `xml:"product,attr"`
	Status  string   `xml:"status,attr"`
	Key     string   `xml:"KEY"`
	Message string   `xml:"MESSAGE"`
	Error   string   `xml:"ERROR"`
	URL     string   `xml:"URL"`
}

// AttemptServerUnlock contacts the licensing server and attempts to register
// this machine with the given user credentials. The round-trip blocks;
// callers wanting asynchrony run it off their primary goroutine and use ctx
// for cancellation.
//
// Every outcome is represented in the returned UnlockResult; this method
// never panics or surfaces errors. The state transitions to Unlocked only
// when the server's reply carries a key blob that passes the full signature
// and machine-ID verification.
func (s *Status) AttemptServerUnlock(ctx context.Context, email, password string) UnlockResult {
	start := time.Now()
	ids := s.LocalMachineIDs()

	params := url.Values{
		"product":  {s.product.ProductID()},
		"email":    {email},
		"password": {password},
		"mach":     {strings.Join(ids, ",")},
		"version":  {s.opts.Version},
		"os":       {s.opts.OS},
	}

	s.opts.Logger.InfoContext(ctx, "attempting server unlock",
		slog.String("server", s.opts.ServerURL),
		slog.Int("machine_ids", len(ids)),
		slog.Bool("has_email", email != ""),
	)

	body, err := s.opts.Fetcher.Fetch(ctx, s.opts.ServerURL, params)
	if err != nil {
		s.opts.Logger.WarnContext(ctx, "licensing server unreachable",
			slog.String("error", err.Error()),
		)
		s.opts.Metrics.RecordAttempt(ctx, MethodServer, false, "connection_failure", time.Since(start))
		return s.handleFailedConnection()
	}

	result, replyErr := s.handleReply(ctx, body, email)
	label := ""
	if replyErr != nil {
		label = failureReason(replyErr)
	}
	s.opts.Metrics.RecordAttempt(ctx, MethodServer, result.Succeeded, label, time.Since(start))
	return result
}

// handleReply parses and validates the server's XML reply. The error is nil
// exactly when the reply granted the unlock; otherwise it classifies the
// failure for logs and metrics. Callers of the public API only ever see the
// UnlockResult.
func (s *Status) handleReply(ctx context.Context, body, email string) (UnlockResult, error) {
	var reply unlockReply
	if err := xml.Unmarshal([]byte(body), &reply); err != nil {
		s.opts.Logger.WarnContext(ctx, "server reply is not parseable",
			slog.String("error", err.Error()),
			slog.Int("body_bytes", len(body)),
		)
		return UnlockResult{
			ErrorMessage: "The server returned an unexpected or corrupted reply. Please try again later.",
		}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	if !s.opts.ProductIDMatches(reply.Product) {
		s.opts.Logger.WarnContext(ctx, "server reply is for a different product",
			slog.String("reply_product", reply.Product),
			slog.String("product", s.product.ProductID()),
		)
		return UnlockResult{
			ErrorMessage:       "The server reply was intended for a different product.",
			InformativeMessage: reply.Message,
			URLToLaunch:        reply.URL,
		}, fmt.Errorf("%w: reply is for %q", ErrWrongProduct, reply.Product)
	}

	result := UnlockResult{
		InformativeMessage: reply.Message,
		URLToLaunch:        reply.URL,
	}

	if reply.Status != replyStatusSucceeded {
		result.ErrorMessage = reply.Error
		if result.ErrorMessage == "" {
			result.ErrorMessage = "The server rejected the unlock request."
		}
		return result, ErrServerRejected
	}

	// A success claim must be proven: the reply's key blob goes through the
	// same signature and machine-ID verification as an offline key file. A
	// spoofed reply without a verifiable key must not unlock.
	data, err := s.verifyKeyBlob(reply.Key)
	if err != nil {
		s.opts.Logger.WarnContext(ctx, "server success reply failed verification",
			slog.String("error", err.Error()),
		)
		result.ErrorMessage = "The server reply could not be verified. Please contact support."
		return result, err
	}

	if data.Email == "" {
		data.Email = email
	}
	s.setUnlocked(data.Email)
	result.Succeeded = true

	s.opts.Logger.InfoContext(ctx, "server unlock succeeded",
		slog.Int("machine_ids", len(data.MachineIDs)),
	)
	return result, nil
}

// handleFailedConnection builds the generic transport-failure result.
func (s *Status) handleFailedConnection() UnlockResult {
	return UnlockResult{
		ErrorMessage: fmt.Sprintf(
			"Couldn't connect to %s. Please check your internet connection and try again.",
			s.opts.WebsiteName,
		),
	}
}
