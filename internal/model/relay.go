// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest represents a client request to be relayed upstream. Body is a
// live stream; it is never materialized in memory by the gateway.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	// RawQuery is the query string exactly as the client sent it. It is
	// forwarded verbatim so the upstream sees the original encoding.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength mirrors the inbound request's declared length;
	// -1 when unknown (chunked transfer).
	ContentLength int64
}

// RelayResponse represents the upstream response to be streamed back.
// Header is the upstream's header set, unmodified.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
