package license

import "errors"

// Sentinel errors classifying why an unlock attempt was refused. These never
// reach callers of the public unlock API (all outcomes there are values);
// they exist so internal paths, logs and metrics can distinguish failure
// classes.
var (
	ErrMalformedKeyFile = errors.New("malformed key file")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrWrongProduct     = errors.New("wrong product")
	ErrMachineMismatch  = errors.New("no matching machine ID")
	ErrMalformedReply   = errors.New("malformed server reply")
	ErrServerRejected   = errors.New("server rejected the unlock request")
)

// failureReason maps an internal error to a low-cardinality label for
// metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrWrongProduct):
		return "wrong_product"
	case errors.Is(err, ErrMachineMismatch):
		return "machine_mismatch"
	case errors.Is(err, ErrMalformedReply):
		return "malformed_reply"
	case errors.Is(err, ErrServerRejected):
		return "server_rejected"
	case errors.Is(err, ErrMalformedKeyFile):
		return "malformed_key_file"
	default:
		return "other"
	}
}
