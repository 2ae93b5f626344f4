package license

// UnlockResult reports the outcome of a server unlock attempt. It is always
// fully populated: a failed attempt carries a non-empty ErrorMessage, and the
// informative message and URL are surfaced regardless of outcome so the
// caller can always show them.
type UnlockResult struct {
	// Succeeded is true iff the server confirmed authorization for this
	// machine and the confirmation verified against the product key.
	Succeeded bool `json:"succeeded"`

	// ErrorMessage is the server-supplied failure text, or a generic
	// connection-failure message when the server could not be reached.
	// Empty on success.
	ErrorMessage string `json:"error_message,omitempty"`

	// InformativeMessage is an optional server message to show the user
	// whatever the outcome, e.g. an upgrade notice.
	InformativeMessage string `json:"informative_message,omitempty"`

	// URLToLaunch is an optional URL the caller should offer to open.
	URLToLaunch string `json:"url_to_launch,omitempty"`
}
