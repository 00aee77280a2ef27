package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/wolfeidau/mintcache/handle"
)

var errUnauthorized = errors.New("unauthorized")

// publicPath reports whether path is served without a bearer token: probes,
// metrics, and handle URLs, which are unguessable and embedded in pages.
func publicPath(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, handle.DefaultBasePath)
}

// authMiddleware requires "Authorization: Bearer {AuthToken}" on every
// non-public path. An empty AuthToken disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mintcache"`)
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
