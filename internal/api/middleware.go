package api

// This file contains the middleware for token authentication.

import (
	"net/http"
	"strings"

	"github.com/vrsandeep/updatekit/internal/auth"
	"github.com/vrsandeep/updatekit/internal/host"
)

// AuthMiddleware grants the package modification capability to requests
// that carry a valid bearer token. Requests without a token pass through
// unprivileged so that read-only routes stay open; a token that does not
// match is rejected outright.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		hash := s.app.Config().Auth.TokenHash
		if hash == "" || !auth.CheckTokenHash(token, hash) {
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized: Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(host.WithCapability(r.Context())))
	})
}

// AdminOnlyMiddleware rejects requests that were not granted the capability
// by AuthMiddleware. It must be chained *after* the AuthMiddleware.
func (s *Server) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !host.HasCapability(r.Context()) {
			RespondWithError(w, http.StatusForbidden, "Forbidden: Administrator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
