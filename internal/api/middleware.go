package api

import (
	"net/http"
	"strings"
)

// AuthMiddleware guards a route group with a shared token, accepted either
// as a bearer Authorization header or a token query parameter. An empty
// configured token disables the check. Rejections use the API's JSON error
// shape.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || authorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

func authorized(r *http.Request, token string) bool {
	if r.URL.Query().Get("token") == token {
		return true
	}
	header := r.Header.Get("Authorization")
	return strings.HasPrefix(header, "Bearer ") && header[len("Bearer "):] == token
}
