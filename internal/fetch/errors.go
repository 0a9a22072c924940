package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindHTTP
	KindCircuitOpen
	KindInvalidURL
	KindTransport
	KindCacheMiss
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindCircuitOpen:
		return "circuit_open"
	case KindInvalidURL:
		return "invalid_url"
	case KindTransport:
		return "transport"
	case KindCacheMiss:
		return "cache_miss"
	}
	return "unknown"
}

// Error is the single failure shape returned by Fetch. Status is the upstream
// status code for KindHTTP and zero otherwise.
type Error struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCircuitOpen:
		return "circuit open"
	case KindHTTP:
		return fmt.Sprintf("%s: upstream returned %d %s", e.URL, e.Status, http.StatusText(e.Status))
	case KindCacheMiss:
		return fmt.Sprintf("%s: not in cache", e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
