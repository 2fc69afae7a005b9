package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaypilot/relaypilot/pkg/log"
)

// bearerToken extracts the credential from the Authorization header, falling
// back to the access_key query parameter for clients that cannot set headers
// (the WebSocket upgrade from a browser).
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", false
		}
		return strings.TrimPrefix(authHeader, "Bearer "), true
	}
	if key := r.URL.Query().Get("access_key"); key != "" {
		return key, true
	}
	return "", true
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		if token == "" {
			writeJSONError(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		if s.accessKey != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.accessKey)) == 1 {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if s.oidcVerifier != nil {
			if _, err := s.oidcVerifier(ctx, token); err == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else {
				log.Ctx(ctx).WarnContext(ctx, "bearer token validation failed", slog.Any("error", err))
			}
		}

		writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
	})
}
