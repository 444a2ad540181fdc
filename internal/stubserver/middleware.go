package stubserver

import (
	"context"
	"net/http"

	"github.com/embedchat/widgetcore/internal/security"
)

type contextKey string

const claimsKey contextKey = "domainClaims"

// requireToken validates the X-Token header and stores the claims on the
// request context. The widget sends the domain token on every config and
// chat call.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authFailing() {
			writeError(w, http.StatusUnauthorized, "token revoked")
			return
		}

		token := r.Header.Get("X-Token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Token header")
			return
		}

		claims, err := s.tokens.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenClaims retrieves the validated claims placed by requireToken
func tokenClaims(ctx context.Context) (*security.DomainClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*security.DomainClaims)
	return claims, ok
}
