package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a *redis.Client and implements every Registry operation
// from the spec. All multi-step mutations that would otherwise be a
// read-then-write from the caller (reservation, clamped counters,
// upsert-with-delta) are instead single Lua scripts via go-redis's
// Script.Run, giving each one "one serialisable step" over Redis
// without a SQL transaction.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func flagToBool(s string) bool {
	return s == "1"
}

// Migrate idempotently seeds the CapacityCounter: max_count is set
// unconditionally to the configured bound, current_count is recomputed
// from the set of known instances so a restart never trusts a stale
// counter.
func (s *Store) Migrate(ctx context.Context, maxInstances int) error {
	count, err := s.client.SCard(ctx, keyAllInstances).Result()
	if err != nil {
		return fmt.Errorf("registry: migrate scard: %w", err)
	}
	err = s.client.HSet(ctx, keyCapacity,
		"current_count", count,
		"max_count", maxInstances,
	).Err()
	if err != nil {
		return fmt.Errorf("registry: migrate hset: %w", err)
	}
	return nil
}

var recordInstanceScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
local previous = 0
if exists == 1 then
  previous = tonumber(redis.call('HGET', KEYS[1], 'active_requests')) or 0
  redis.call('HSET', KEYS[1],
    'active_requests', previous + tonumber(ARGV[2]),
    'healthy', ARGV[3],
    'last_heartbeat', ARGV[4],
    'last_request_at', ARGV[4])
else
  redis.call('HSET', KEYS[1],
    'name', ARGV[1],
    'created_at', ARGV[4],
    'active_requests', ARGV[2],
    'healthy', ARGV[3],
    'health_check_failures', '0',
    'last_heartbeat', ARGV[4],
    'last_request_at', ARGV[4],
    'last_health_check', ARGV[4],
    'draining', '0',
    'draining_since', '',
    'threshold_crossed_at', '',
    'current_cpu', '0',
    'current_memory', '0',
    'current_disk', '0')
  redis.call('SADD', KEYS[2], ARGV[1])
end
return previous
`)

// RecordInstance upserts the named instance. On conflict it adds
// initialReq to the existing active_requests and returns the count
// observed before the add, so callers can detect capacity crossings.
func (s *Store) RecordInstance(ctx context.Context, name string, initialReq int, healthy bool, now time.Time) (int, error) {
	res, err := recordInstanceScript.Run(ctx, s.client,
		[]string{instanceKey(name), keyAllInstances},
		name, initialReq, boolToFlag(healthy), formatTime(now),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: recordInstance: %w", err)
	}
	return int(res.(int64)), nil
}

var incrementRequestsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local previous = tonumber(redis.call('HGET', KEYS[1], 'active_requests')) or 0
redis.call('HSET', KEYS[1],
  'active_requests', previous + tonumber(ARGV[1]),
  'healthy', ARGV[2],
  'last_heartbeat', ARGV[3],
  'last_request_at', ARGV[3])
return previous
`)

// IncrementRequests bumps active_requests by amount and returns the
// count observed before the bump (previousRequests).
func (s *Store) IncrementRequests(ctx context.Context, name string, now time.Time, healthy bool, amount int) (int, error) {
	res, err := incrementRequestsScript.Run(ctx, s.client,
		[]string{instanceKey(name)},
		amount, boolToFlag(healthy), formatTime(now),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: incrementRequests: %w", err)
	}
	previous := res.(int64)
	if previous < 0 {
		return 0, ErrInstanceNotFound
	}
	return int(previous), nil
}

var decrementRequestsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local current = tonumber(redis.call('HGET', KEYS[1], 'active_requests')) or 0
local updated = current - 1
if updated < 0 then updated = 0 end
redis.call('HSET', KEYS[1], 'active_requests', updated)
return updated
`)

// DecrementRequests decrements active_requests, clamped at zero.
func (s *Store) DecrementRequests(ctx context.Context, name string, now time.Time) (int, error) {
	res, err := decrementRequestsScript.Run(ctx, s.client, []string{instanceKey(name)}).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: decrementRequests: %w", err)
	}
	updated := res.(int64)
	if updated < 0 {
		return 0, ErrInstanceNotFound
	}
	return int(updated), nil
}

// GetInstanceByName fetches a single record, or ErrInstanceNotFound.
func (s *Store) GetInstanceByName(ctx context.Context, name string) (*InstanceRecord, error) {
	fields, err := s.client.HGetAll(ctx, instanceKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: getInstanceByName: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrInstanceNotFound
	}
	return recordFromFields(fields), nil
}

func recordFromFields(f map[string]string) *InstanceRecord {
	activeRequests, _ := strconv.Atoi(f["active_requests"])
	failures, _ := strconv.Atoi(f["health_check_failures"])
	cpu, _ := strconv.ParseFloat(f["current_cpu"], 64)
	mem, _ := strconv.ParseFloat(f["current_memory"], 64)
	disk, _ := strconv.ParseFloat(f["current_disk"], 64)
	return &InstanceRecord{
		Name:                f["name"],
		CreatedAt:           parseTime(f["created_at"]),
		ActiveRequests:      activeRequests,
		CurrentCPU:          cpu,
		CurrentMemory:       mem,
		CurrentDisk:         disk,
		Healthy:             flagToBool(f["healthy"]),
		HealthCheckFailures: failures,
		LastHeartbeat:       parseTime(f["last_heartbeat"]),
		LastRequestAt:       parseTime(f["last_request_at"]),
		LastHealthCheck:     parseTime(f["last_health_check"]),
		Draining:            flagToBool(f["draining"]),
		DrainingSince:       parseTimePtr(f["draining_since"]),
		ThresholdCrossedAt:  parseTimePtr(f["threshold_crossed_at"]),
	}
}

// GetInstances returns every record matching filter, ordered by
// active_requests ASC, last_heartbeat DESC (§3 composite index,
// realized as an in-process sort over the bounded working set).
func (s *Store) GetInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	names, err := s.client.SMembers(ctx, keyAllInstances).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: getInstances smembers: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.HGetAll(ctx, instanceKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("registry: getInstances pipeline: %w", err)
	}

	records := make([]*InstanceRecord, 0, len(names))
	for _, name := range names {
		fields, err := cmds[name].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec := recordFromFields(fields)
		if !matchesFilter(rec, filter) {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].ActiveRequests != records[j].ActiveRequests {
			return records[i].ActiveRequests < records[j].ActiveRequests
		}
		return records[i].LastHeartbeat.After(records[j].LastHeartbeat)
	})

	return records, nil
}

func matchesFilter(rec *InstanceRecord, filter InstanceFilter) bool {
	if filter.Healthy != nil && rec.Healthy != *filter.Healthy {
		return false
	}
	if filter.NotDraining && rec.Draining {
		return false
	}
	if filter.BelowCapacity != nil && rec.ActiveRequests >= *filter.BelowCapacity {
		return false
	}
	return true
}

// GetInstanceCount counts instances, optionally restricted to healthy
// non-draining ones.
func (s *Store) GetInstanceCount(ctx context.Context, healthyOnly bool) (int, error) {
	if !healthyOnly {
		count, err := s.client.SCard(ctx, keyAllInstances).Result()
		if err != nil {
			return 0, fmt.Errorf("registry: getInstanceCount: %w", err)
		}
		return int(count), nil
	}
	healthy := true
	records, err := s.GetInstances(ctx, InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

var tryReserveSlotScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'current_count')) or 0
local max = tonumber(redis.call('HGET', KEYS[1], 'max_count')) or 0
if current < max then
  redis.call('HSET', KEYS[1], 'current_count', current + 1)
  return 1
end
return 0
`)

// TryReserveSlot atomically admits one more instance if under max_count.
func (s *Store) TryReserveSlot(ctx context.Context) (bool, error) {
	res, err := tryReserveSlotScript.Run(ctx, s.client, []string{keyCapacity}).Result()
	if err != nil {
		return false, fmt.Errorf("registry: tryReserveSlot: %w", err)
	}
	return res.(int64) == 1, nil
}

var releaseSlotScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'current_count')) or 0
local updated = current - 1
if updated < 0 then updated = 0 end
redis.call('HSET', KEYS[1], 'current_count', updated)
return updated
`)

// ReleaseSlot reverses a reservation, clamped at zero.
func (s *Store) ReleaseSlot(ctx context.Context) error {
	if err := releaseSlotScript.Run(ctx, s.client, []string{keyCapacity}).Err(); err != nil {
		return fmt.Errorf("registry: releaseSlot: %w", err)
	}
	return nil
}

// SyncCapacity recomputes current_count from the registry's own row
// count, correcting drift after stale-instance cleanup.
func (s *Store) SyncCapacity(ctx context.Context) (int, error) {
	count, err := s.client.SCard(ctx, keyAllInstances).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: syncCapacity scard: %w", err)
	}
	if err := s.client.HSet(ctx, keyCapacity, "current_count", count).Err(); err != nil {
		return 0, fmt.Errorf("registry: syncCapacity hset: %w", err)
	}
	return int(count), nil
}

// GetCapacity returns the current CapacityCounter row.
func (s *Store) GetCapacity(ctx context.Context) (*CapacityCounter, error) {
	fields, err := s.client.HGetAll(ctx, keyCapacity).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: getCapacity: %w", err)
	}
	current, _ := strconv.Atoi(fields["current_count"])
	max, _ := strconv.Atoi(fields["max_count"])
	return &CapacityCounter{CurrentCount: current, MaxCount: max}, nil
}

func (s *Store) MarkThresholdCrossed(ctx context.Context, name string, now time.Time) error {
	err := s.client.HSet(ctx, instanceKey(name), "threshold_crossed_at", formatTime(now)).Err()
	if err != nil {
		return fmt.Errorf("registry: markThresholdCrossed: %w", err)
	}
	return nil
}

func (s *Store) UpdateMetrics(ctx context.Context, name string, cpu, memory, disk float64, now time.Time) error {
	err := s.client.HSet(ctx, instanceKey(name),
		"current_cpu", cpu,
		"current_memory", memory,
		"current_disk", disk,
		"last_heartbeat", formatTime(now),
	).Err()
	if err != nil {
		return fmt.Errorf("registry: updateMetrics: %w", err)
	}
	return nil
}

func (s *Store) UpdateHealth(ctx context.Context, name string, healthy bool, failures int, now time.Time) error {
	err := s.client.HSet(ctx, instanceKey(name),
		"healthy", boolToFlag(healthy),
		"health_check_failures", failures,
		"last_health_check", formatTime(now),
	).Err()
	if err != nil {
		return fmt.Errorf("registry: updateHealth: %w", err)
	}
	return nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, name string, now time.Time) error {
	err := s.client.HSet(ctx, instanceKey(name), "last_heartbeat", formatTime(now)).Err()
	if err != nil {
		return fmt.Errorf("registry: updateHeartbeat: %w", err)
	}
	return nil
}

var markDrainingScript = redis.NewScript(`
local draining = redis.call('HGET', KEYS[1], 'draining')
if draining == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'draining', '1', 'draining_since', ARGV[1])
return 1
`)

// MarkDraining flips an instance to draining exactly once; a second
// call against an already-draining instance is a no-op (returns
// false), which is what lets drainInstance tell first-mark from
// re-observation apart.
func (s *Store) MarkDraining(ctx context.Context, name string, now time.Time) (bool, error) {
	res, err := markDrainingScript.Run(ctx, s.client, []string{instanceKey(name)}, formatTime(now)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: markDraining: %w", err)
	}
	return res.(int64) == 1, nil
}

func (s *Store) RemoveInstance(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, instanceKey(name))
	pipe.SRem(ctx, keyAllInstances, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: removeInstance: %w", err)
	}
	return nil
}

func (s *Store) RecordScaleUp(ctx context.Context, now time.Time) error {
	if err := s.client.HSet(ctx, keyScalingState, "last_scale_up", formatTime(now)).Err(); err != nil {
		return fmt.Errorf("registry: recordScaleUp: %w", err)
	}
	return nil
}

func (s *Store) RecordScaleDown(ctx context.Context, now time.Time) error {
	if err := s.client.HSet(ctx, keyScalingState, "last_scale_down", formatTime(now)).Err(); err != nil {
		return fmt.Errorf("registry: recordScaleDown: %w", err)
	}
	return nil
}

func (s *Store) GetScalingState(ctx context.Context) (*ScalingState, error) {
	fields, err := s.client.HGetAll(ctx, keyScalingState).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: getScalingState: %w", err)
	}
	return &ScalingState{
		LastScaleUp:   parseTimePtr(fields["last_scale_up"]),
		LastScaleDown: parseTimePtr(fields["last_scale_down"]),
	}, nil
}

func (s *Store) GetLastScaleUp(ctx context.Context) (*time.Time, error) {
	state, err := s.GetScalingState(ctx)
	if err != nil {
		return nil, err
	}
	return state.LastScaleUp, nil
}

func (s *Store) GetLastScaleDown(ctx context.Context) (*time.Time, error) {
	state, err := s.GetScalingState(ctx)
	if err != nil {
		return nil, err
	}
	return state.LastScaleDown, nil
}
