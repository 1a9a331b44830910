// Package scaler is the pure policy layer: given a Registry snapshot
// and config, decide whether to scale up, scale down, and which
// instances to drain. Nothing here mutates the registry except the
// per-instance threshold_crossed_at edge-trigger marker, which is
// itself part of the decision it makes.
package scaler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fleetcell/cell/internal/config"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
)

// Scaler holds the thresholds resolved once at construction (the
// tagged variant from thresholds.go) plus the config knobs that don't
// need resolving: cooldowns and instance bounds.
type Scaler struct {
	store     registry.Registry
	log       logger.Logger
	cfg       *config.Config
	scaleUp   thresholds
	scaleDown thresholds
}

func New(store registry.Registry, cfg *config.Config, log logger.Logger) *Scaler {
	up := deriveScaleUpThresholds(cfg)
	if up.partialWarning != "" {
		log.Warn(up.partialWarning)
	}
	down := deriveScaleDownThresholds(up, cfg)

	return &Scaler{
		store:     store,
		log:       log,
		cfg:       cfg,
		scaleUp:   up,
		scaleDown: down,
	}
}

// ShouldScaleUpForMetrics scans healthy non-draining instances for a
// per-instance threshold crossing not already marked within the
// current scale-up cooldown window. The first instance found crossing
// marks threshold_crossed_at and the function returns true: this is
// the per-instance edge trigger that caps a single sustained-overload
// instance to one scale-up per cooldown window.
func (s *Scaler) ShouldScaleUpForMetrics(ctx context.Context, now time.Time) (bool, error) {
	if !s.scaleUp.configured() {
		return false, nil
	}

	count, err := s.store.GetInstanceCount(ctx, false)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForMetrics count: %w", err)
	}
	if count >= s.cfg.MaxInstances {
		return false, nil
	}

	lastScaleUp, err := s.store.GetLastScaleUp(ctx)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForMetrics lastScaleUp: %w", err)
	}
	if lastScaleUp != nil && now.Sub(*lastScaleUp) < s.cfg.ScaleUpCooldown {
		return false, nil
	}

	healthy := true
	instances, err := s.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForMetrics instances: %w", err)
	}

	for _, inst := range instances {
		if inst.ThresholdCrossedAt != nil && now.Sub(*inst.ThresholdCrossedAt) < s.cfg.ScaleUpCooldown {
			continue
		}
		if inst.CurrentCPU > s.scaleUp.cpu || inst.CurrentMemory > s.scaleUp.memory || inst.CurrentDisk > s.scaleUp.disk {
			if err := s.store.MarkThresholdCrossed(ctx, inst.Name, now); err != nil {
				return false, fmt.Errorf("scaler: markThresholdCrossed: %w", err)
			}
			return true, nil
		}
	}

	return false, nil
}

// ShouldScaleUpForRequests fires when the average active_requests
// across healthy non-draining instances exceeds maxRequestsPerInstance.
func (s *Scaler) ShouldScaleUpForRequests(ctx context.Context, now time.Time) (bool, error) {
	if s.cfg.MaxRequestsPerInstance == nil {
		return false, nil
	}

	count, err := s.store.GetInstanceCount(ctx, false)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForRequests count: %w", err)
	}
	if count >= s.cfg.MaxInstances {
		return false, nil
	}

	lastScaleUp, err := s.store.GetLastScaleUp(ctx)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForRequests lastScaleUp: %w", err)
	}
	if lastScaleUp != nil && now.Sub(*lastScaleUp) < s.cfg.ScaleUpCooldown {
		return false, nil
	}

	healthy := true
	instances, err := s.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleUpForRequests instances: %w", err)
	}
	if len(instances) == 0 {
		return false, nil
	}

	total := 0
	for _, inst := range instances {
		total += inst.ActiveRequests
	}
	average := float64(total) / float64(len(instances))

	return average > float64(*s.cfg.MaxRequestsPerInstance), nil
}

// ShouldScaleDown fires when every healthy non-draining instance is at
// or below the (hysteresis-offset) scale-down thresholds.
func (s *Scaler) ShouldScaleDown(ctx context.Context, now time.Time) (bool, error) {
	count, err := s.store.GetInstanceCount(ctx, false)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleDown count: %w", err)
	}
	if count <= s.cfg.MinInstances {
		return false, nil
	}

	lastScaleDown, err := s.store.GetLastScaleDown(ctx)
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleDown lastScaleDown: %w", err)
	}
	if lastScaleDown != nil && now.Sub(*lastScaleDown) < s.cfg.ScaleDownCooldown {
		return false, nil
	}

	healthy := true
	instances, err := s.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return false, fmt.Errorf("scaler: shouldScaleDown instances: %w", err)
	}
	if len(instances) == 0 {
		return false, nil
	}

	for _, inst := range instances {
		if inst.CurrentCPU > s.scaleDown.cpu || inst.CurrentMemory > s.scaleDown.memory || inst.CurrentDisk > s.scaleDown.disk {
			return false, nil
		}
	}

	return true, nil
}

// SelectInstancesForRemoval appends every non-draining unhealthy
// instance first, then, within the remaining budget (count -
// minInstances), healthy non-draining instances at or below the
// scale-down thresholds ordered by fewest active requests, then
// oldest heartbeat first.
func (s *Scaler) SelectInstancesForRemoval(ctx context.Context) ([]*registry.InstanceRecord, error) {
	count, err := s.store.GetInstanceCount(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("scaler: selectInstancesForRemoval count: %w", err)
	}
	budget := count - s.cfg.MinInstances
	if budget <= 0 {
		return nil, nil
	}

	unhealthy := false
	unhealthyInstances, err := s.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &unhealthy, NotDraining: true})
	if err != nil {
		return nil, fmt.Errorf("scaler: selectInstancesForRemoval unhealthy: %w", err)
	}

	result := make([]*registry.InstanceRecord, 0, budget)
	for _, inst := range unhealthyInstances {
		if len(result) >= budget {
			return result, nil
		}
		result = append(result, inst)
	}

	remaining := budget - len(result)
	if remaining <= 0 {
		return result, nil
	}

	healthy := true
	candidates, err := s.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return nil, fmt.Errorf("scaler: selectInstancesForRemoval candidates: %w", err)
	}

	below := make([]*registry.InstanceRecord, 0, len(candidates))
	for _, inst := range candidates {
		if inst.CurrentCPU <= s.scaleDown.cpu && inst.CurrentMemory <= s.scaleDown.memory && inst.CurrentDisk <= s.scaleDown.disk {
			below = append(below, inst)
		}
	}

	sort.Slice(below, func(i, j int) bool {
		if below[i].ActiveRequests != below[j].ActiveRequests {
			return below[i].ActiveRequests < below[j].ActiveRequests
		}
		return below[i].LastHeartbeat.Before(below[j].LastHeartbeat)
	})

	for _, inst := range below {
		if len(result) >= budget {
			break
		}
		result = append(result, inst)
	}

	return result, nil
}
