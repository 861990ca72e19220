package server

import (
	"net/http"
	"strings"
)

// authorize checks a presented token against the configured one. An empty
// configured token disables authentication (local development).
func (s *Server) authorize(token string) error {
	if s.config.AuthToken == "" {
		return nil
	}
	if token != s.config.AuthToken {
		return ErrUnauthorized
	}
	return nil
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
