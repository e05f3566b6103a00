package api

import (
	"log"
	"net/http"
	"strings"
	"time"
)

// authMiddleware checks a static bearer token against CONTROLLER_TOKEN. If
// the server was started with no token configured, auth is skipped (dev
// mode), per spec §6.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ControllerToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.cfg.ControllerToken {
			respondError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("api: %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
