package middleware

import (
	"crypto/subtle"
	"net/http"
)

// ServiceTokenHeader carries the shared secret checked by ServiceToken.
const ServiceTokenHeader = "X-Service-Token"

// ServiceToken returns middleware that validates the X-Service-Token header.
// If token is empty (dev mode), all requests are allowed through.
func ServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(ServiceTokenHeader)), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, `{"message":"unauthorized"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body)) //nolint:errcheck
}
