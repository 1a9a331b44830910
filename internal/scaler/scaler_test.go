package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/fleetcell/cell/internal/config"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxInstances:      10,
		MinInstances:      0,
		ScaleThreshold:    75,
		ScaleUpCooldown:   60 * time.Second,
		ScaleDownCooldown: 120 * time.Second,
	}
}

func seed(t *testing.T, mem *registry.Memory, name string, cpu float64, healthy bool, beat time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := mem.RecordInstance(ctx, name, 0, healthy, beat); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	if err := mem.UpdateMetrics(ctx, name, cpu, 10, 10, beat); err != nil {
		t.Fatalf("seed metrics %s: %v", name, err)
	}
	if !healthy {
		if err := mem.UpdateHealth(ctx, name, false, 3, beat); err != nil {
			t.Fatalf("seed health %s: %v", name, err)
		}
	}
}

func TestShouldScaleUpForMetricsFiresOnCrossing(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	now := time.Now()

	seed(t, mem, "hot", 90, true, now)

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleUpForMetrics(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForMetrics() error = %v", err)
	}
	if !should {
		t.Fatal("expected scale-up at cpu=90 over threshold=75")
	}

	rec, _ := mem.GetInstanceByName(ctx, "hot")
	if rec.ThresholdCrossedAt == nil {
		t.Error("crossing should stamp threshold_crossed_at")
	}
}

func TestShouldScaleUpForMetricsRespectsPerInstanceEdge(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	now := time.Now()

	seed(t, mem, "hot", 90, true, now)
	if err := mem.MarkThresholdCrossed(ctx, "hot", now.Add(-30*time.Second)); err != nil {
		t.Fatal(err)
	}

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleUpForMetrics(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForMetrics() error = %v", err)
	}
	if should {
		t.Error("a crossing marked 30s ago (cooldown 60s) must not refire")
	}

	// Once the marker ages past the cooldown the instance is
	// eligible again.
	should, err = s.ShouldScaleUpForMetrics(ctx, now.Add(40*time.Second))
	if err != nil {
		t.Fatalf("ShouldScaleUpForMetrics() error = %v", err)
	}
	if !should {
		t.Error("an aged-out crossing should fire again")
	}
}

func TestShouldScaleUpForMetricsRespectsGlobalCooldown(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	now := time.Now()

	seed(t, mem, "hot", 90, true, now)
	if err := mem.RecordScaleUp(ctx, now.Add(-10*time.Second)); err != nil {
		t.Fatal(err)
	}

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleUpForMetrics(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForMetrics() error = %v", err)
	}
	if should {
		t.Error("scale-up 10s after the last one must wait out the 60s cooldown")
	}
}

func TestShouldScaleUpForMetricsStopsAtMaxInstances(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	cfg.MaxInstances = 1
	now := time.Now()

	seed(t, mem, "hot", 90, true, now)

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleUpForMetrics(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForMetrics() error = %v", err)
	}
	if should {
		t.Error("no scale-up at count == maxInstances")
	}
}

func TestShouldScaleUpForRequestsAverage(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	maxReq := 5
	cfg.MaxRequestsPerInstance = &maxReq
	now := time.Now()

	if _, err := mem.RecordInstance(ctx, "a", 8, true, now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.RecordInstance(ctx, "b", 4, true, now); err != nil {
		t.Fatal(err)
	}

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleUpForRequests(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForRequests() error = %v", err)
	}
	if !should {
		t.Error("average 6 > maxRequestsPerInstance 5 should fire")
	}

	// Drain the pressure below the line and the trigger goes quiet.
	for i := 0; i < 4; i++ {
		if _, err := mem.DecrementRequests(ctx, "a", now); err != nil {
			t.Fatal(err)
		}
	}
	should, err = s.ShouldScaleUpForRequests(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleUpForRequests() error = %v", err)
	}
	if should {
		t.Error("average 4 <= 5 should not fire")
	}
}

func TestShouldScaleDownNeedsAllBelowThreshold(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig() // 75 - 45 = 30 scale-down line
	now := time.Now()

	seed(t, mem, "calm", 20, true, now)
	seed(t, mem, "working", 50, true, now)

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleDown(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleDown() error = %v", err)
	}
	if should {
		t.Error("one instance above the scale-down line must block scale-down")
	}

	if err := mem.UpdateMetrics(ctx, "working", 25, 10, 10, now); err != nil {
		t.Fatal(err)
	}
	should, err = s.ShouldScaleDown(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleDown() error = %v", err)
	}
	if !should {
		t.Error("all instances below the line should allow scale-down")
	}
}

func TestShouldScaleDownStopsAtMinInstances(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	cfg.MinInstances = 1
	now := time.Now()

	seed(t, mem, "only", 5, true, now)

	s := New(mem, cfg, logger.New("error", false))
	should, err := s.ShouldScaleDown(ctx, now)
	if err != nil {
		t.Fatalf("ShouldScaleDown() error = %v", err)
	}
	if should {
		t.Error("no scale-down at count == minInstances")
	}
}

func TestSelectInstancesForRemovalPrioritizesUnhealthy(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	cfg.MinInstances = 1
	now := time.Now()

	seed(t, mem, "sick", 90, false, now)
	seed(t, mem, "calm-old", 10, true, now.Add(-time.Minute))
	seed(t, mem, "calm-new", 10, true, now)

	s := New(mem, cfg, logger.New("error", false))
	victims, err := s.SelectInstancesForRemoval(ctx)
	if err != nil {
		t.Fatalf("SelectInstancesForRemoval() error = %v", err)
	}

	// Budget = 3 - 1 = 2: the unhealthy instance first, then the
	// oldest-heartbeat calm one.
	if len(victims) != 2 {
		t.Fatalf("len(victims) = %d, want 2", len(victims))
	}
	if victims[0].Name != "sick" {
		t.Errorf("victims[0] = %s, want the unhealthy instance first", victims[0].Name)
	}
	if victims[1].Name != "calm-old" {
		t.Errorf("victims[1] = %s, want the oldest calm instance", victims[1].Name)
	}
}

func TestSelectInstancesForRemovalEmptyAtFloor(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemory()
	cfg := testConfig()
	cfg.MinInstances = 2
	now := time.Now()

	seed(t, mem, "a", 10, true, now)
	seed(t, mem, "b", 10, true, now)

	s := New(mem, cfg, logger.New("error", false))
	victims, err := s.SelectInstancesForRemoval(ctx)
	if err != nil {
		t.Fatalf("SelectInstancesForRemoval() error = %v", err)
	}
	if len(victims) != 0 {
		t.Errorf("len(victims) = %d, want 0 at the floor", len(victims))
	}
}
