package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout is the maximum time allowed for all readiness probes to
// complete. A probe still running at the deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one dependency that must be reachable for the worker to
// make progress: the database, the queue, a required broker connection.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the probe endpoints.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth is the liveness probe. It answers 200 while the process can
// serve HTTP at all and never touches dependencies.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

// HandleReady is the readiness probe. It answers 503 while the readiness
// gate is closed (startup, shutdown) and otherwise runs every probe
// concurrently under healthCheckTimeout; any failure or timeout is a 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		JSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := s.runProbes(ctx)

	resp := healthResponse{Status: "ready", Components: components}
	status := http.StatusOK
	for _, c := range components {
		if c.Status != "healthy" {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}
	JSON(w, r, status, resp)
}

// runProbes checks every probe in its own goroutine. Probes that have not
// reported by the time ctx expires are marked as timed out.
func (s *Server) runProbes(ctx context.Context) map[string]componentStatus {
	probes := s.HealthProbes
	if len(probes) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
		g       errgroup.Group
	)
	for _, probe := range probes {
		g.Go(func() error {
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = probe.Check(ctx)
			}()

			mu.Lock()
			results[probe.Name()] = err
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(probes))
	for _, probe := range probes {
		name := probe.Name()
		err, ok := results[name]
		switch {
		case !ok:
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}
	return components
}
