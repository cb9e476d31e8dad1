package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/farepilot/farepilot/internal/errors"
)

type claimsKey struct{}

// FromContext returns the verified claims of the request, if any. With
// auth disabled there are none.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(Claims)
	return claims, ok
}

// Middleware enforces a bearer token carrying one of the given roles.
// Tokens come from the Authorization header or, for WebSocket clients
// that cannot set headers, the token query parameter. With auth
// disabled every request passes through unchanged.
func (a *Authenticator) Middleware(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, errors.New(errors.CodeAuthTokenMissing, "missing bearer token"))
				return
			}
			claims, err := a.Verify(token)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			if !roleAllowed(claims.Role, roles) {
				writeAuthError(w, errors.Newf(errors.CodeAuthRoleDenied,
					"role %q may not access this endpoint", claims.Role))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func roleAllowed(role Role, allowed []Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	code := errors.CodeOf(err)
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status = appErr.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": string(code), "message": err.Error()},
	})
}
