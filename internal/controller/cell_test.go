package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetcell/cell/internal/config"
	"github.com/fleetcell/cell/internal/instancemanager"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
	"github.com/fleetcell/cell/internal/router"
	"github.com/fleetcell/cell/internal/scaler"
)

// stubHandle is a hand-written runtime handle double: health, metrics
// and forwarded responses are all canned per instance.
type stubHandle struct {
	name         string
	status       string
	healthStatus int
	monitorzJSON string
	fetchStatus  int
	fetchBody    string
	destroyed    bool
}

func (h *stubHandle) Name() string { return h.name }

func (h *stubHandle) State(_ context.Context) (instancemanager.RuntimeState, error) {
	return instancemanager.RuntimeState{Status: h.status}, nil
}

func (h *stubHandle) Fetch(_ context.Context, _ *http.Request) (*http.Response, error) {
	status := h.fetchStatus
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(h.fetchBody)),
	}, nil
}

func (h *stubHandle) ContainerFetch(_ context.Context, url string) (*http.Response, error) {
	if strings.Contains(url, "monitorz") {
		body := h.monitorzJSON
		if body == "" {
			body = "{}"
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
	status := h.healthStatus
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Body: http.NoBody}, nil
}

func (h *stubHandle) StartAndWaitForPorts(_ context.Context) error { return nil }

func (h *stubHandle) Destroy(_ context.Context) error {
	h.destroyed = true
	return nil
}

// stubRuntime tracks every handle it has minted; containers deleted
// out from under the cell are simulated by removing map entries.
type stubRuntime struct {
	handles map[string]*stubHandle
	created int
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{handles: make(map[string]*stubHandle)}
}

func (r *stubRuntime) add(h *stubHandle) *stubHandle {
	if h.status == "" {
		h.status = "running"
	}
	r.handles[h.name] = h
	return h
}

func (r *stubRuntime) GetByName(_ context.Context, name string) (instancemanager.Handle, error) {
	h, ok := r.handles[name]
	if !ok {
		return nil, instancemanager.ErrRuntimeNotFound
	}
	return h, nil
}

func (r *stubRuntime) Create(_ context.Context, _ string) (instancemanager.Handle, error) {
	r.created++
	h := &stubHandle{name: fmt.Sprintf("cell-%d", r.created), status: "running"}
	r.handles[h.name] = h
	return h, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Instance:                 "standard-1",
		MaxInstances:             10,
		MinInstances:             0,
		ScaleUpCapacityThreshold: 0.7,
		HeartbeatInterval:        30 * time.Second,
		ScaleThreshold:           75,
		ScaleUpCooldown:          60 * time.Second,
		ScaleDownCooldown:        120 * time.Second,
		HealthCheckRetries:       3,
		DrainTimeout:             60 * time.Second,
		MonitoringEndpoint:       "/healthz",
		MonitorzURL:              "http://localhost:81/monitorz",
	}
}

func newTestCell(cfg *config.Config, rt *stubRuntime) (*Cell, *registry.Memory) {
	log := logger.New("error", false)
	mem := registry.NewMemory()
	mgr := instancemanager.New(rt, mem, log, cfg.Instance, cfg.MonitoringEndpoint, cfg.MonitorzURL, cfg.HealthCheckRetries, 10000, 100)
	cell := New(cfg, log, mem, router.New(mem), scaler.New(mem, cfg, log), mgr)
	return cell, mem
}

func TestInitColdStartToWarmFloor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MinInstances = 2
	cfg.MaxInstances = 5

	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)

	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 2 {
		t.Errorf("instance count after init = %d, want 2", count)
	}
	capacity, _ := mem.GetCapacity(ctx)
	if capacity.CurrentCount != 2 || capacity.MaxCount != 5 {
		t.Errorf("capacity = %+v, want current=2 max=5", capacity)
	}
}

func TestInitStaleCleanupOnStartup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MinInstances = 2
	cfg.MaxInstances = 5

	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)

	// Pre-existing registry knows three instances; the runtime only
	// still has one of them.
	now := time.Now()
	for _, name := range []string{"survivor", "ghost-1", "ghost-2"} {
		if _, err := mem.RecordInstance(ctx, name, 0, true, now); err != nil {
			t.Fatalf("seed RecordInstance(%s) error = %v", name, err)
		}
	}
	rt.add(&stubHandle{name: "survivor"})

	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if _, err := mem.GetInstanceByName(ctx, "ghost-1"); err == nil {
		t.Error("ghost-1 should have been purged on init")
	}
	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 2 {
		t.Errorf("instance count after init = %d, want 2 (1 survivor + 1 warm-up)", count)
	}
	capacity, _ := mem.GetCapacity(ctx)
	if capacity.CurrentCount != 2 {
		t.Errorf("current_count = %d, want 2", capacity.CurrentCount)
	}
}

func TestHandleRequestForwardsToLeastLoaded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	now := time.Now()
	rt.add(&stubHandle{name: "busy", fetchBody: "busy says hi"})
	rt.add(&stubHandle{name: "idle", fetchBody: "idle says hi"})
	if _, err := mem.RecordInstance(ctx, "busy", 4, true, now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.RecordInstance(ctx, "idle", 0, true, now); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/work", http.NoBody))
	cell.Drain()

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "idle says hi" {
		t.Errorf("body = %q, want the least-loaded instance's response", got)
	}

	// The detached decrement has run: counters are back where they
	// started.
	rec, _ := mem.GetInstanceByName(ctx, "idle")
	if rec.ActiveRequests != 0 {
		t.Errorf("idle active_requests = %d, want 0 after decrement", rec.ActiveRequests)
	}
}

func TestHandleRequestNoInstancesWarmsUpAnd503s(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/work", http.NoBody))
	cell.Drain()

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want %q", got, "5")
	}

	// The pool is warming: one instance was created for the retry.
	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 1 {
		t.Errorf("instance count = %d, want 1 freshly created", count)
	}
}

func TestHandleRequestCapacityExhausted503NoRetryAfter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxInstances = 1
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// One unhealthy instance holds the only slot; no healthy target
	// and no slot to create one.
	now := time.Now()
	rt.add(&stubHandle{name: "sick"})
	if _, err := mem.RecordInstance(ctx, "sick", 0, false, now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/work", http.NoBody))
	cell.Drain()

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want unset when capacity is exhausted", got)
	}
}

func TestHandleRequestOptimisticCrossing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	maxReq := 10
	cfg.MaxRequestsPerInstance = &maxReq // limit = floor(10 * 0.7) = 7

	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	now := time.Now()
	rt.add(&stubHandle{name: "loaded", fetchBody: "ok"})
	if _, err := mem.RecordInstance(ctx, "loaded", 6, true, now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/work", http.NoBody))
	cell.Drain()

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// previousRequests=6 -> 7 crossed the line: a background
	// scale-up created a second instance and stamped last_scale_up.
	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 2 {
		t.Errorf("instance count = %d, want 2 after optimistic scale-up", count)
	}
	state, _ := mem.GetScalingState(ctx)
	if state.LastScaleUp == nil {
		t.Error("last_scale_up not recorded after optimistic scale-up")
	}
}

func TestHandleRequestStaleRecordCleansUpAndRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// "ghost" sorts first (fewest requests) but the runtime no longer
	// has it; "real" should serve after the one cleanup-and-retry.
	now := time.Now()
	rt.add(&stubHandle{name: "real", fetchBody: "real response"})
	if _, err := mem.RecordInstance(ctx, "ghost", 0, true, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.RecordInstance(ctx, "real", 1, true, now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/work", http.NoBody))
	cell.Drain()

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "real response" {
		t.Errorf("body = %q, want the surviving instance's response", got)
	}
	if _, err := mem.GetInstanceByName(ctx, "ghost"); err == nil {
		t.Error("ghost record should have been purged")
	}
}

func TestAlarmMetricEdgeTriggerDedup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig() // general threshold 75, cooldown 60s
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	base := time.Now()
	current := base
	cell.now = func() time.Time { return current }

	rt.add(&stubHandle{name: "hot", monitorzJSON: `{"cpu_usage":90,"memory_usage":10,"disk_usage":10}`})
	if _, err := mem.RecordInstance(ctx, "hot", 0, true, base); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	// First heartbeat: cpu=90 > 75 fires a scale-up.
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #1 error = %v", err)
	}
	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 2 {
		t.Fatalf("instance count after first alarm = %d, want 2", count)
	}
	rec, _ := mem.GetInstanceByName(ctx, "hot")
	if rec.ThresholdCrossedAt == nil {
		t.Fatal("threshold_crossed_at not stamped on the crossing instance")
	}

	// Same overload 30s later, inside the cooldown: no new scale-up.
	current = base.Add(30 * time.Second)
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #2 error = %v", err)
	}
	count, _ = mem.GetInstanceCount(ctx, false)
	if count != 2 {
		t.Errorf("instance count inside cooldown = %d, want still 2", count)
	}

	// 70s after the crossing both the global cooldown and the
	// per-instance marker have aged out: eligible again.
	current = base.Add(70 * time.Second)
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #3 error = %v", err)
	}
	count, _ = mem.GetInstanceCount(ctx, false)
	if count != 3 {
		t.Errorf("instance count after cooldown elapsed = %d, want 3", count)
	}
}

func TestAlarmScaleDownWithHysteresis(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig() // threshold 75 => scale-down at 30
	cfg.MinInstances = 1
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)

	base := time.Now()
	current := base

	// Both calm instances exist before Init, so the warm-up to
	// minInstances=1 creates nothing and the fleet is exactly two.
	rt.add(&stubHandle{name: "calm-a", monitorzJSON: `{"cpu_usage":28,"memory_usage":10,"disk_usage":5}`})
	rt.add(&stubHandle{name: "calm-b", monitorzJSON: `{"cpu_usage":29,"memory_usage":12,"disk_usage":5}`})
	if _, err := mem.RecordInstance(ctx, "calm-a", 0, true, base); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.RecordInstance(ctx, "calm-b", 0, true, base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	cell.now = func() time.Time { return current }

	// First heartbeat: everything below 30%, budget = count - min = 1,
	// so exactly one instance is marked draining.
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #1 error = %v", err)
	}

	all, _ := mem.GetInstances(ctx, registry.InstanceFilter{})
	draining := 0
	for _, rec := range all {
		if rec.Draining {
			draining++
		}
	}
	if draining != 1 {
		t.Fatalf("draining count = %d, want 1", draining)
	}
	state, _ := mem.GetScalingState(ctx)
	if state.LastScaleDown == nil {
		t.Fatal("last_scale_down not recorded")
	}

	// Next heartbeat: the draining instance has no requests in
	// flight, so it is destroyed and the fleet settles at the floor.
	current = base.Add(30 * time.Second)
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #2 error = %v", err)
	}
	count, _ := mem.GetInstanceCount(ctx, false)
	if count != 1 {
		t.Errorf("instance count after drain completion = %d, want 1", count)
	}
	capacity, _ := mem.GetCapacity(ctx)
	if capacity.CurrentCount != 1 {
		t.Errorf("current_count = %d, want 1 after drain sync", capacity.CurrentCount)
	}
}

func TestAlarmDrainTimeoutAbandonsInFlight(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	base := time.Now()
	current := base
	cell.now = func() time.Time { return current }

	// Draining since base with three requests that never complete.
	h := rt.add(&stubHandle{name: "stuck", monitorzJSON: `{"cpu_usage":90,"memory_usage":90,"disk_usage":90}`})
	if _, err := mem.RecordInstance(ctx, "stuck", 3, true, base); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.MarkDraining(ctx, "stuck", base); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SyncCapacity(ctx); err != nil {
		t.Fatal(err)
	}

	// Before the timeout the instance survives.
	current = base.Add(30 * time.Second)
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #1 error = %v", err)
	}
	if _, err := mem.GetInstanceByName(ctx, "stuck"); err != nil {
		t.Fatal("instance destroyed before drain timeout")
	}

	// At the timeout it is destroyed even with counters non-zero.
	current = base.Add(cfg.DrainTimeout)
	if err := cell.Alarm(ctx); err != nil {
		t.Fatalf("Alarm() #2 error = %v", err)
	}
	if _, err := mem.GetInstanceByName(ctx, "stuck"); err == nil {
		t.Error("instance should be destroyed at drain timeout")
	}
	if !h.destroyed {
		t.Error("runtime container was not destroyed")
	}
}

func TestSnapshotReportsFleet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	now := time.Now()
	for _, name := range []string{"a", "b"} {
		rt.add(&stubHandle{name: name})
		if _, err := mem.RecordInstance(ctx, name, 0, true, now); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := cell.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.InstanceCount != 2 || len(snap.Instances) != 2 {
		t.Errorf("snapshot = count %d / %d records, want 2 / 2", snap.InstanceCount, len(snap.Instances))
	}
}

func TestHandleRequestPropagatesUpstreamBody(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rt := newStubRuntime()
	cell, mem := newTestCell(cfg, rt)
	if err := cell.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	now := time.Now()
	rt.add(&stubHandle{name: "teapot", fetchStatus: http.StatusTeapot, fetchBody: "short and stout"})
	if _, err := mem.RecordInstance(ctx, "teapot", 0, true, now); err != nil {
		t.Fatal(err)
	}

	body := bytes.NewBufferString("payload")
	w := httptest.NewRecorder()
	cell.HandleRequest(w, httptest.NewRequest(http.MethodPost, "/anything", body))
	cell.Drain()

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want the upstream 418", w.Code)
	}
	if got := w.Body.String(); got != "short and stout" {
		t.Errorf("body = %q, want upstream body", got)
	}
}
