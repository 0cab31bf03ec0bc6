package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth validates the shared admin secret.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not_configured", "message": "Admin secret not configured"})
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == "" || token == auth {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "Missing admin token"})
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "message": "Invalid admin token"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
