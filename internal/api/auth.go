package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// requireToken guards mutating routes with the operator bearer token. The
// plaintext never rests anywhere; the server holds only its bcrypt hash.
// Read routes stay open so dashboards and the CLI can poll without a
// credential.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.tokenHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "auth_required", "authentication required")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
			s.logger.Warn("rejected request with bad token", zap.String("path", r.URL.Path))
			writeJSONError(w, http.StatusUnauthorized, "auth_invalid", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
