package domain

import "fmt"

// TransportError is a non-2xx response, a network failure before any frame
// arrives, or a read failure on an already-open stream. The upstream message
// is surfaced verbatim.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthenticationError is a 401/403 or a backend-reported verification
// failure. The owning identity record has already been invalidated locally
// when this is returned.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s: sign in again to continue", e.Reason)
}

// QuotaExceededError is a session store write rejected for capacity after the
// one bounded recovery attempt (trim and retry) also failed.
type QuotaExceededError struct {
	Err error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("session storage quota exceeded: %v", e.Err)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// DecodeError is a single malformed frame. It is logged and skipped; the
// stream continues.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UpstreamPayloadError is a frame whose JSON explicitly encodes an error even
// though the outer HTTP response was successful. It aborts the stream.
type UpstreamPayloadError struct {
	Message string
}

func (e *UpstreamPayloadError) Error() string {
	return fmt.Sprintf("upstream error in stream: %s", e.Message)
}

// UnsupportedProviderError means the composer cannot shape a request for the
// target. It fails before any network call.
type UnsupportedProviderError struct {
	Target ProviderTarget
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider target %q", e.Target)
}
