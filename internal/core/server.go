// Package core is the HTTP chassis of the delivery worker. It serves the
// liveness and readiness probes, the metrics endpoint and the operator
// dead-letter API, with the cross-cutting middleware (panic recovery,
// request IDs, logging, admin authentication) applied before handlers run.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetrelay/internal/config"
	"fleetrelay/internal/deadletter"
	"fleetrelay/internal/types"
)

// DeadLetterService is the operator surface over the dead-letter store.
// *deadletter.Service implements it.
type DeadLetterService interface {
	List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterRecord, types.PageInfo, error)
	Get(ctx context.Context, id string) (*types.DeadLetterRecord, error)
	Replay(ctx context.Context, id string) (*types.DeadLetterRecord, error)
	ReplayMany(ctx context.Context, ids []string) []deadletter.ReplayResult
	Discard(ctx context.Context, id string) (*types.DeadLetterRecord, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Server encapsulates the dependencies of the HTTP surface so tests can
// inject fakes.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	HealthProbes   []HealthProbe
	DeadLetters    DeadLetterService
	MetricsHandler http.Handler

	ready  atomic.Bool
	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. The caller mounts routes with MountRoutes after filling in the
// optional fields. The server starts not ready.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// SetReady flips the readiness gate. The worker marks itself ready once the
// pool is running and not ready as the first step of shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports the readiness gate.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
