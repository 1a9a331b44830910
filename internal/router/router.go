// Package router picks a target instance for an inbound request. Every
// function here is pure over a Registry snapshot it is handed or reads
// on demand; none of them mutate anything.
package router

import (
	"context"
	"fmt"

	"github.com/fleetcell/cell/internal/registry"
)

// Router reads Registry state to make routing decisions. It never
// mutates the registry itself.
type Router struct {
	store registry.Registry
}

func New(store registry.Registry) *Router {
	return &Router{store: store}
}

// SelectInstance prefers a healthy, non-draining instance below
// maxRequestsPerInstance (if configured); falls back to any healthy
// non-draining instance; returns nil if none qualify. Ties among
// candidates are broken by fewest active requests, then most recent
// heartbeat — both already the GetInstances ordering.
func (r *Router) SelectInstance(ctx context.Context, maxRequestsPerInstance *int) (*registry.InstanceRecord, error) {
	healthy := true

	if maxRequestsPerInstance != nil {
		candidates, err := r.store.GetInstances(ctx, registry.InstanceFilter{
			Healthy:       &healthy,
			NotDraining:   true,
			BelowCapacity: maxRequestsPerInstance,
		})
		if err != nil {
			return nil, fmt.Errorf("router: selectInstance: %w", err)
		}
		if len(candidates) > 0 {
			return candidates[0], nil
		}
	}

	candidates, err := r.store.GetInstances(ctx, registry.InstanceFilter{
		Healthy:     &healthy,
		NotDraining: true,
	})
	if err != nil {
		return nil, fmt.Errorf("router: selectInstance fallback: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// CheckOptimisticScaleUp is the per-request edge trigger: it returns
// true iff maxRequestsPerInstance is configured and the transition
// previous -> previous+1 crosses floor(max * capacityThreshold) from
// below. A crossing fires exactly once per monotonic pass over the
// line, never again while active_requests stays above it.
func CheckOptimisticScaleUp(maxRequestsPerInstance *int, capacityThreshold float64, previousActiveRequests int) bool {
	if maxRequestsPerInstance == nil {
		return false
	}
	limit := int(float64(*maxRequestsPerInstance) * capacityThreshold)
	next := previousActiveRequests + 1
	return previousActiveRequests < limit && next >= limit
}

// GetAtCapacityCount returns the number of healthy non-draining
// instances at or above maxRequestsPerInstance.
func (r *Router) GetAtCapacityCount(ctx context.Context, maxRequestsPerInstance int) (int, error) {
	healthy := true
	candidates, err := r.store.GetInstances(ctx, registry.InstanceFilter{
		Healthy:     &healthy,
		NotDraining: true,
	})
	if err != nil {
		return 0, fmt.Errorf("router: getAtCapacityCount: %w", err)
	}
	count := 0
	for _, rec := range candidates {
		if rec.ActiveRequests >= maxRequestsPerInstance {
			count++
		}
	}
	return count, nil
}
