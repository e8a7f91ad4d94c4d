package max

import "fmt"

// AuthError indicates a bad or expired credential. Callers must not retry;
// at startup this is fatal, at runtime it marks the session disconnected and
// requires re-provisioning (spec §7).
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return e.Message
}

// NotFoundError indicates an unknown chat or message. Spec §7: drop silently
// with a debug log, never surface to the Matrix side.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// RateLimitError carries the server's requested backoff in seconds.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

// ProtocolError wraps a cmd=3 error frame from the user-API WebSocket: the
// pending request fails with the server's code and message, the session
// otherwise continues (spec §7).
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("max protocol error %d: %s", e.Code, e.Message)
}

// APIError is the generic ≥400 bot-API failure that doesn't map to one of
// the above.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("max api error (status %d): %s", e.Status, e.Body)
}
