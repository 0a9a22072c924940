// Package model defines shared types for the composition gateway.
package model

import (
	"net/http"
)

// HeaderFragments carries the number of fragments resolved for a page. The
// request logger reads it back from the response.
const HeaderFragments = "X-Compose-Fragments"

// UpstreamResponse is a fully read response from a backend or fragment service.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PageResponse is the composed page handed back to the HTTP layer.
type PageResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
