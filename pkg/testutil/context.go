package testutil

import (
	"net/http"

	"halalledger/pkg/domain"
	"halalledger/pkg/requestcontext"
)

// WithPrincipal simulates the auth middleware for an authenticated request.
// Invalid principals are silently ignored, leaving the request anonymous.
func WithPrincipal(req *http.Request, principal string) *http.Request {
	p, err := domain.ParsePrincipal(principal)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), p))
}

// WithRequestID tags the request as the request middleware would.
func WithRequestID(req *http.Request, id string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), id))
}
