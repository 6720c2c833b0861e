package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetrelay/internal/types"
)

// defaultRequestTimeout bounds every request context. Batch replays are the
// slowest handlers: one adapter timeout per record.
const defaultRequestTimeout = 60 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	adminKeyHeader,
}

// probePaths are served without authentication and not logged on success.
var probePaths = []string{"/healthz", "/readyz", "/metrics"}

// MountRoutes registers the middleware chain, the probe and metrics routes
// and, when a DeadLetterService is set, the admin API under /v1.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders, probePaths))

	s.router.Get("/healthz", s.HandleHealth)
	s.router.Get("/readyz", s.HandleReady)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	if s.DeadLetters != nil {
		s.router.Route("/v1", func(r chi.Router) {
			r.Use(s.AdminAuthMiddleware)
			r.Route("/dead-letters", s.mountDeadLetters)
		})
	}
}

func (s *Server) mountDeadLetters(r chi.Router) {
	r.Get("/", s.HandleListDeadLetters)
	r.Post("/replay", s.HandleReplayDeadLetters)
	r.Post("/purge", s.HandlePurgeDeadLetters)
	r.Get("/{id}", s.HandleGetDeadLetter)
	r.Post("/{id}/replay", s.HandleReplayDeadLetter)
	r.Post("/{id}/discard", s.HandleDiscardDeadLetter)
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs. An incoming X-Request-Id is reused; otherwise a
// new random ID is generated. The ID is stored in the context and echoed in
// the X-Request-Id response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}

// generateRequestID produces 16 random bytes encoded as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
