package registry

import (
	"context"
	"time"
)

// Registry is the persistence contract every other component depends
// on. Store (Redis-backed, durable) is the production implementation;
// Memory backs tests and single-process dev runs. Consumers take this
// interface so the policy layers stay decoupled from the storage
// engine.
type Registry interface {
	Migrate(ctx context.Context, maxInstances int) error

	RecordInstance(ctx context.Context, name string, initialReq int, healthy bool, now time.Time) (int, error)
	IncrementRequests(ctx context.Context, name string, now time.Time, healthy bool, amount int) (int, error)
	DecrementRequests(ctx context.Context, name string, now time.Time) (int, error)

	GetInstanceByName(ctx context.Context, name string) (*InstanceRecord, error)
	GetInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)
	GetInstanceCount(ctx context.Context, healthyOnly bool) (int, error)

	TryReserveSlot(ctx context.Context) (bool, error)
	ReleaseSlot(ctx context.Context) error
	SyncCapacity(ctx context.Context) (int, error)
	GetCapacity(ctx context.Context) (*CapacityCounter, error)

	MarkThresholdCrossed(ctx context.Context, name string, now time.Time) error
	UpdateMetrics(ctx context.Context, name string, cpu, memory, disk float64, now time.Time) error
	UpdateHealth(ctx context.Context, name string, healthy bool, failures int, now time.Time) error
	UpdateHeartbeat(ctx context.Context, name string, now time.Time) error
	MarkDraining(ctx context.Context, name string, now time.Time) (bool, error)
	RemoveInstance(ctx context.Context, name string) error

	RecordScaleUp(ctx context.Context, now time.Time) error
	RecordScaleDown(ctx context.Context, now time.Time) error
	GetScalingState(ctx context.Context) (*ScalingState, error)
	GetLastScaleUp(ctx context.Context) (*time.Time, error)
	GetLastScaleDown(ctx context.Context) (*time.Time, error)
}

var (
	_ Registry = (*Store)(nil)
	_ Registry = (*Memory)(nil)
)
