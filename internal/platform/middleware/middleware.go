// Package middleware assembles the middleware chain shared by every ledger route.
package middleware

import (
	"log/slog"
	"net/http"

	"halalledger/internal/platform/metrics"
	"halalledger/pkg/platform/middleware/metadata"
	"halalledger/pkg/platform/middleware/request"
	"halalledger/pkg/platform/middleware/requesttime"
)

// Common returns the outer chain in application order. m may be nil.
func Common(logger *slog.Logger, m *metrics.Metrics) []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		request.RequestID,
		request.Recovery(logger),
		requesttime.Middleware,
		metadata.ClientMetadata,
		request.Logger(logger),
	}
	if m != nil {
		chain = append(chain, m.Middleware)
	}
	return chain
}
