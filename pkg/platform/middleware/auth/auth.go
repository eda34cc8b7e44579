// Package auth authenticates bearer tokens and places the principal on the context.
// Authorization stays in the ledger service; this layer only establishes identity.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"halalledger/pkg/domain"
	"halalledger/pkg/platform/audit"
	"halalledger/pkg/platform/httputil"
	"halalledger/pkg/requestcontext"
)

// JWTValidator validates a raw bearer token.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims is what the middleware needs from a validated token.
type JWTClaims struct {
	Principal domain.Principal
	JTI       string
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

func writeUnauthorized(w http.ResponseWriter, desc string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
		Error:            "unauthorized",
		ErrorDescription: desc,
	})
}

// RequireAuth rejects requests without a valid bearer token with 401. Failures are
// logged and, when auditor is non-nil, recorded as auth_failed security events.
func RequireAuth(validator JWTValidator, auditor AuditPublisher, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				fail(ctx, auditor, logger, "missing token", nil)
				writeUnauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				fail(ctx, auditor, logger, "invalid token", err)
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithPrincipal(ctx, claims.Principal)))
		})
	}
}

func fail(ctx context.Context, auditor AuditPublisher, logger *slog.Logger, reason string, err error) {
	requestID := requestcontext.RequestID(ctx)
	logger.WarnContext(ctx, "unauthorized access - "+reason,
		"error", err,
		"request_id", requestID,
	)
	if auditor == nil {
		return
	}
	_ = auditor.Emit(ctx, audit.Event{
		Action:    string(audit.EventAuthFailed),
		Decision:  "denied",
		Reason:    reason,
		Severity:  audit.SeverityWarning,
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		RequestID: requestID,
	})
}
