// Package registry is the sole source of truth for the fleet: one
// persisted InstanceRecord per known container, a CapacityCounter used
// as an atomic reservation slot, and a ScalingState pair of cooldown
// timestamps. Every other component (Router, Scaler, InstanceManager,
// Controller) takes the Registry interface and never touches Redis
// directly.
package registry

import "time"

// InstanceRecord is one row per known container.
type InstanceRecord struct {
	Name                string
	CreatedAt           time.Time
	ActiveRequests      int
	CurrentCPU          float64
	CurrentMemory       float64
	CurrentDisk         float64
	Healthy             bool
	HealthCheckFailures int
	LastHeartbeat       time.Time
	LastRequestAt       time.Time
	LastHealthCheck     time.Time
	Draining            bool
	DrainingSince       *time.Time
	ThresholdCrossedAt  *time.Time
}

// CapacityCounter is the atomic reservation row capping instance
// creation. current_count must never exceed max_count; it is mutated
// only through conditional writes (tryReserveSlot/releaseSlot), never
// a bare read-then-write from callers.
type CapacityCounter struct {
	CurrentCount int
	MaxCount     int
}

// ScalingState holds the two global scale-action cooldown timestamps.
type ScalingState struct {
	LastScaleUp   *time.Time
	LastScaleDown *time.Time
}

// InstanceFilter narrows getInstances. A nil pointer field means "no
// constraint on that dimension".
type InstanceFilter struct {
	Healthy       *bool
	NotDraining   bool
	BelowCapacity *int // max active_requests allowed (exclusive upper bound)
}
