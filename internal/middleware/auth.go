package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/inaiurai/settlement/internal/auth"
	"github.com/inaiurai/settlement/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// TokenValidator is implemented by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Principal, error)
}

// Authenticate validates the Bearer token and puts the principal into the request context.
func Authenticate(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, models.ErrUnauthorized, "missing or malformed Authorization header")
				return
			}
			p, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				writeError(w, models.ErrUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole lets through only principals holding one of roles. Organization roles must
// also carry an organization.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				writeError(w, models.ErrUnauthorized, "unauthenticated")
				return
			}
			for _, role := range roles {
				if p.Role == role && (role == auth.RoleShopper || p.Member()) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, models.ErrForbidden, "role "+string(p.Role)+" may not perform this operation")
		})
	}
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*auth.Principal)
	return p
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// writeError answers with the same code taxonomy as the handlers.
func writeError(w http.ResponseWriter, kind error, msg string) {
	status := http.StatusUnauthorized
	if errors.Is(kind, models.ErrForbidden) {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg, "code": models.ErrorCode(kind)})
}
