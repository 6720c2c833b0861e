// Package delivery is the heart of the relay: it pulls jobs from a Queue,
// routes each one to the Adapter registered for its destination type, and
// applies the retry policy to the outcome.
//
// Adapters attempt exactly one delivery and classify the result. They never
// retry internally; the Dispatcher owns every state transition after claim.
package delivery

import (
	"context"
	"fmt"
	"sort"

	"fleetrelay/internal/types"
)

// Adapter delivers a job to one destination type.
type Adapter interface {
	Type() types.DestinationType
	Send(ctx context.Context, job *types.DeliveryJob) Result
}

// NetworkBound is implemented by adapters that open connections to a host
// taken from the destination config. The dispatcher runs egress validation
// against Target before Send is called.
type NetworkBound interface {
	Target(job *types.DeliveryJob) (host string, err error)
}

// Registry maps destination types to adapters. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	adapters map[types.DestinationType]Adapter
}

// NewRegistry builds a registry from adapters. Registering two adapters for
// the same type is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[types.DestinationType]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := r.adapters[a.Type()]; dup {
			return nil, fmt.Errorf("delivery: duplicate adapter for destination type %q", a.Type())
		}
		r.adapters[a.Type()] = a
	}
	return r, nil
}

// Lookup returns the adapter for t.
func (r *Registry) Lookup(t types.DestinationType) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// Types lists the registered destination types in sorted order.
func (r *Registry) Types() []types.DestinationType {
	out := make([]types.DestinationType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
