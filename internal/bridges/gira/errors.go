package gira

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain-specific errors for the home-automation REST client.
var (
	// ErrAuth classifies 401 and 422 responses: the token is missing,
	// expired or rejected. Callers re-register and retry.
	ErrAuth = errors.New("gira: authentication failed")

	// ErrDevice classifies 423 (locked) and 5xx responses.
	ErrDevice = errors.New("gira: device error")

	// ErrHTTP classifies every other non-2xx response.
	ErrHTTP = errors.New("gira: unexpected http status")

	// ErrRegistrationFailed is returned when POST /clients yields no token.
	ErrRegistrationFailed = errors.New("gira: client registration failed")

	// ErrMalformedResponse is returned when a value reply cannot be decoded.
	ErrMalformedResponse = errors.New("gira: malformed response")

	// ErrInvalidConfig is returned by Connect when the base URL is unusable.
	ErrInvalidConfig = errors.New("gira: invalid configuration")
)

// StatusError is a non-2xx reply. errors.Is matches it against ErrAuth,
// ErrDevice or ErrHTTP depending on Status.
type StatusError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("gira: %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Kind returns the sentinel this status maps to.
func (e *StatusError) Kind() error {
	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusUnprocessableEntity:
		return ErrAuth
	case e.Status == http.StatusLocked, e.Status >= http.StatusInternalServerError:
		return ErrDevice
	default:
		return ErrHTTP
	}
}

func (e *StatusError) Is(target error) bool {
	return target == e.Kind() //nolint:errorlint // sentinel identity comparison
}
