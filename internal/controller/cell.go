// Package controller hosts the Cell, the singleton actor of the fleet:
// it serves request traffic, runs the periodic heartbeat, and
// orchestrates the Registry, Router, Scaler and InstanceManager. The
// platform guarantees at most one active Cell per deployment; its
// state lives in the Registry so a restart resumes with a correct view
// of the fleet.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fleetcell/cell/internal/config"
	"github.com/fleetcell/cell/internal/instancemanager"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
	"github.com/fleetcell/cell/internal/router"
	"github.com/fleetcell/cell/internal/scaler"
	"github.com/fleetcell/cell/internal/utils"
)

// Cell serialises all fleet mutations on itself: opMu is held across
// each logical step (selection, reservation, counter updates, the
// whole heartbeat pass) and released before forwarding a request to a
// container, so request handlers and the heartbeat never interleave
// mid-decision but long container round-trips do not block the actor.
type Cell struct {
	cfg     *config.Config
	log     logger.Logger
	store   registry.Registry
	router  *router.Router
	scaler  *scaler.Scaler
	manager *instancemanager.Manager

	opMu sync.Mutex
	bg   sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg *config.Config, log logger.Logger, store registry.Registry, rt *router.Router, sc *scaler.Scaler, mgr *instancemanager.Manager) *Cell {
	return &Cell{
		cfg:     cfg,
		log:     log,
		store:   store,
		router:  rt,
		scaler:  sc,
		manager: mgr,
		now:     time.Now,
	}
}

// Init runs with concurrency blocked, before any request or heartbeat:
// migrate the registry, purge records for containers the runtime no
// longer knows, then warm the fleet up to minInstances. Scheduling of
// the first heartbeat is owned by the scheduler package.
func (c *Cell) Init(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.store.Migrate(ctx, c.cfg.MaxInstances); err != nil {
		return fmt.Errorf("controller: init migrate: %w", err)
	}

	cleaned, err := c.manager.CleanupStaleInstances(ctx)
	if err != nil {
		c.log.Warn("init: stale cleanup failed", logger.Error(err))
	}
	if len(cleaned) > 0 {
		if _, err := c.store.SyncCapacity(ctx); err != nil {
			return fmt.Errorf("controller: init syncCapacity: %w", err)
		}
		c.log.Info("init: purged stale instances", logger.Int("count", len(cleaned)))
	}

	count, err := c.store.GetInstanceCount(ctx, false)
	if err != nil {
		return fmt.Errorf("controller: init count: %w", err)
	}

	for count < c.cfg.MinInstances {
		ok, err := c.store.TryReserveSlot(ctx)
		if err != nil {
			return fmt.Errorf("controller: init reserveSlot: %w", err)
		}
		if !ok {
			c.log.Info("init: warm-up stopped, capacity exhausted",
				logger.Int("count", count), logger.Int("min_instances", c.cfg.MinInstances))
			break
		}
		if _, err := c.manager.CreateInstance(ctx, c.now()); err != nil {
			if relErr := c.store.ReleaseSlot(ctx); relErr != nil {
				c.log.Warn("init: releaseSlot after failed warm-up create", logger.Error(relErr))
			}
			c.log.Warn("init: warm-up create failed, stopping warm-up", logger.Error(err))
			break
		}
		count++
	}

	c.log.Info("cell initialized",
		logger.Int("instances", count),
		logger.Int("min_instances", c.cfg.MinInstances),
		logger.Int("max_instances", c.cfg.MaxInstances))
	return nil
}

// Snapshot is the monitoring view returned on the monitoring endpoint.
type Snapshot struct {
	InstanceCount int                        `json:"instanceCount"`
	Instances     []*registry.InstanceRecord `json:"instances"`
}

// Snapshot reads the current fleet state for the monitoring endpoint.
func (c *Cell) Snapshot(ctx context.Context) (*Snapshot, error) {
	records, err := c.store.GetInstances(ctx, registry.InstanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("controller: snapshot: %w", err)
	}
	return &Snapshot{InstanceCount: len(records), Instances: records}, nil
}

// Sentinels for the request path. Only the Controller translates
// errors into HTTP statuses; everything below it returns these.
var (
	errCapacityExhausted = errors.New("controller: no instance available and capacity exhausted")
	errWarming           = errors.New("controller: no instance available, fleet warming up")
)

// target is a resolved forwarding decision: a registered name plus the
// runtime handle requests go to.
type target struct {
	name   string
	handle instancemanager.Handle
}

// HandleRequest is the fetch entry point for everything that is not
// the monitoring endpoint: select the least-loaded healthy instance,
// repair or replace it if the runtime disagrees with the registry,
// count the request in, and proxy it through. The counter decrement is
// dispatched detached so it runs whether the forward succeeds or not.
func (c *Cell) HandleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := c.now()

	tgt, err := c.acquireTarget(ctx, now, true)
	if err != nil {
		switch {
		case errors.Is(err, errWarming):
			w.Header().Set("Retry-After", "5")
			http.Error(w, "fleet warming up, retry shortly", http.StatusServiceUnavailable)
		case errors.Is(err, errCapacityExhausted):
			http.Error(w, "no instance available", http.StatusServiceUnavailable)
		default:
			c.log.Error("request: target acquisition failed", logger.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	resp, err := tgt.handle.Fetch(ctx, r)

	// The decrement always runs, success or failure, as a detached
	// step on the actor.
	name := tgt.name
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if _, err := c.store.DecrementRequests(context.Background(), name, c.now()); err != nil && !errors.Is(err, registry.ErrInstanceNotFound) {
			c.log.Warn("request: decrement failed", logger.String("name", name), logger.Error(err))
		}
	}()

	if err != nil {
		c.log.Error("request: forward failed", logger.String("name", tgt.name), logger.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer utils.Close(resp.Body)

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.log.Warn("request: response copy interrupted", logger.String("name", tgt.name), logger.Error(err))
	}
}

// acquireTarget runs steps 2-6 of the request flow under opMu:
// selection, the one cleanup-and-retry on a stale record, unhealthy
// replacement, the request counter increment, and the optimistic
// scale-up dispatch.
func (c *Cell) acquireTarget(ctx context.Context, now time.Time, retryStale bool) (*target, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.acquireTargetLocked(ctx, now, retryStale)
}

func (c *Cell) acquireTargetLocked(ctx context.Context, now time.Time, retryStale bool) (*target, error) {
	rec, err := c.router.SelectInstance(ctx, c.cfg.MaxRequestsPerInstance)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		ok, err := c.store.TryReserveSlot(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.log.Info("request: no instance and no slot to create one")
			return nil, errCapacityExhausted
		}
		if _, err := c.manager.CreateInstance(ctx, now); err != nil {
			if relErr := c.store.ReleaseSlot(ctx); relErr != nil {
				c.log.Warn("request: releaseSlot after failed create", logger.Error(relErr))
			}
			c.log.Warn("request: on-demand create failed", logger.Error(err))
			return nil, errCapacityExhausted
		}
		// The new instance is still warming; tell the client to come
		// back rather than waiting on the first cold start.
		return nil, errWarming
	}

	handle, err := c.manager.Lookup(ctx, rec.Name)
	if err != nil {
		if !errors.Is(err, instancemanager.ErrRuntimeNotFound) {
			return nil, err
		}
		cleaned, cleanupErr := c.manager.CleanupStaleInstances(ctx)
		if cleanupErr != nil {
			c.log.Warn("request: stale cleanup failed", logger.Error(cleanupErr))
		}
		if len(cleaned) > 0 {
			if _, err := c.store.SyncCapacity(ctx); err != nil {
				return nil, err
			}
		}
		if !retryStale {
			return nil, errCapacityExhausted
		}
		return c.acquireTargetLocked(ctx, now, false)
	}

	name := rec.Name
	state, err := handle.State(ctx)
	if err != nil {
		c.log.Warn("request: state probe failed", logger.String("name", name), logger.Error(err))
	}
	if state.Status != "running" && state.Status != "healthy" {
		ok, err := c.store.TryReserveSlot(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			fresh, err := c.manager.CreateInstance(ctx, now)
			if err != nil {
				if relErr := c.store.ReleaseSlot(ctx); relErr != nil {
					c.log.Warn("request: releaseSlot after failed replacement create", logger.Error(relErr))
				}
				return nil, err
			}
			handle, name = fresh, fresh.Name()
		} else {
			fresh, err := c.manager.ReplaceInstance(ctx, name, now)
			if err != nil {
				return nil, err
			}
			handle, name = fresh, fresh.Name()
		}
	}

	previous, err := c.store.IncrementRequests(ctx, name, now, true, 1)
	if err != nil {
		return nil, err
	}

	if router.CheckOptimisticScaleUp(c.cfg.MaxRequestsPerInstance, c.cfg.ScaleUpCapacityThreshold, previous) {
		c.log.Info("request: optimistic scale-up triggered",
			logger.String("name", name), logger.Int("previous_requests", previous))
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.opMu.Lock()
			defer c.opMu.Unlock()
			if _, err := c.scaleUpLocked(context.Background(), c.now()); err != nil {
				c.log.Warn("optimistic scale-up failed", logger.Error(err))
			}
		}()
	}

	return &target{name: name, handle: handle}, nil
}

// scaleUpLocked is the shared reserve -> create -> record sequence.
// The slot is released on a failed create so the counter never counts
// a container that does not exist; the scaling timestamp only advances
// on success.
func (c *Cell) scaleUpLocked(ctx context.Context, now time.Time) (bool, error) {
	ok, err := c.store.TryReserveSlot(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Info("scale-up skipped, capacity exhausted")
		return false, nil
	}

	handle, err := c.manager.CreateInstance(ctx, now)
	if err != nil {
		if relErr := c.store.ReleaseSlot(ctx); relErr != nil {
			c.log.Warn("scale-up: releaseSlot after failed create", logger.Error(relErr))
		}
		return false, err
	}

	if err := c.store.RecordScaleUp(ctx, now); err != nil {
		return true, err
	}
	c.log.Info("scaled up", logger.String("name", handle.Name()))
	return true, nil
}

// Alarm is the heartbeat: cleanup, keep-alive, health and metrics
// collection, then the scaling decisions and drain processing. The
// whole pass holds opMu; the scheduler invokes it one tick at a time
// so passes never overlap.
func (c *Cell) Alarm(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	now := c.now()

	cleaned, err := c.manager.CleanupStaleInstances(ctx)
	if err != nil {
		c.log.Warn("heartbeat: stale cleanup failed", logger.Error(err))
	}
	if len(cleaned) > 0 {
		if _, err := c.store.SyncCapacity(ctx); err != nil {
			return fmt.Errorf("controller: heartbeat syncCapacity: %w", err)
		}
		c.log.Info("heartbeat: purged stale instances", logger.Int("count", len(cleaned)))
	}

	healthy := true
	alive, err := c.store.GetInstances(ctx, registry.InstanceFilter{Healthy: &healthy, NotDraining: true})
	if err != nil {
		return fmt.Errorf("controller: heartbeat instances: %w", err)
	}
	c.manager.KeepAlive(ctx, alive, now)

	all, err := c.store.GetInstances(ctx, registry.InstanceFilter{})
	if err != nil {
		return fmt.Errorf("controller: heartbeat all instances: %w", err)
	}
	for _, inst := range all {
		handle, err := c.manager.Lookup(ctx, inst.Name)
		if err != nil {
			// A vanished container is the next cleanup's problem.
			continue
		}
		if err := c.manager.PerformHealthCheck(ctx, handle, inst.Name, now); err != nil {
			c.log.Warn("heartbeat: health check", logger.String("name", inst.Name), logger.Error(err))
		}

		rec, err := c.store.GetInstanceByName(ctx, inst.Name)
		if err != nil || !rec.Healthy {
			continue
		}
		cpu, memory, disk, err := c.manager.FetchMonitorz(ctx, handle)
		if err != nil {
			c.log.Warn("heartbeat: monitorz fetch failed", logger.String("name", inst.Name), logger.Error(err))
			continue
		}
		if err := c.store.UpdateMetrics(ctx, inst.Name, cpu, memory, disk, now); err != nil {
			c.log.Warn("heartbeat: metrics update failed", logger.String("name", inst.Name), logger.Error(err))
		}
	}

	if err := c.maybeScaleUp(ctx, now); err != nil {
		c.log.Warn("heartbeat: scale-up failed", logger.Error(err))
	}

	if err := c.maybeScaleDown(ctx, now); err != nil {
		c.log.Warn("heartbeat: scale-down failed", logger.Error(err))
	}

	if err := c.processDraining(ctx, now); err != nil {
		c.log.Warn("heartbeat: drain processing failed", logger.Error(err))
	}

	return nil
}

// maybeScaleUp consults both triggers: the per-instance metric edge
// and the fleet-wide request average. At most one instance is created
// per heartbeat; the cooldown inside the Scaler rate-limits across
// heartbeats.
func (c *Cell) maybeScaleUp(ctx context.Context, now time.Time) error {
	forMetrics, err := c.scaler.ShouldScaleUpForMetrics(ctx, now)
	if err != nil {
		return err
	}
	if !forMetrics {
		forRequests, err := c.scaler.ShouldScaleUpForRequests(ctx, now)
		if err != nil {
			return err
		}
		if !forRequests {
			return nil
		}
		c.log.Info("heartbeat: request pressure scale-up triggered")
	} else {
		c.log.Info("heartbeat: metric threshold scale-up triggered")
	}

	_, err = c.scaleUpLocked(ctx, now)
	return err
}

func (c *Cell) maybeScaleDown(ctx context.Context, now time.Time) error {
	should, err := c.scaler.ShouldScaleDown(ctx, now)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}

	victims, err := c.scaler.SelectInstancesForRemoval(ctx)
	if err != nil {
		return err
	}

	drained := 0
	for _, inst := range victims {
		if err := c.drainInstance(ctx, inst.Name, now); err != nil {
			c.log.Warn("heartbeat: drain failed", logger.String("name", inst.Name), logger.Error(err))
			continue
		}
		drained++
	}

	if drained > 0 {
		if err := c.store.RecordScaleDown(ctx, now); err != nil {
			return err
		}
		c.log.Info("scaled down", logger.Int("draining", drained))
	}
	return nil
}

// drainInstance moves an instance through the draining lifecycle: the
// first call marks it, later calls destroy it once its in-flight count
// reaches zero or the drain timeout expires.
func (c *Cell) drainInstance(ctx context.Context, name string, now time.Time) error {
	rec, err := c.store.GetInstanceByName(ctx, name)
	if err != nil {
		return err
	}

	if !rec.Draining {
		marked, err := c.store.MarkDraining(ctx, name, now)
		if err != nil {
			return err
		}
		if marked {
			c.log.Info("draining instance",
				logger.String("name", name), logger.Int("active_requests", rec.ActiveRequests))
		}
		return nil
	}

	if rec.ActiveRequests == 0 {
		c.log.Info("drain complete, destroying instance", logger.String("name", name))
		return c.manager.DestroyInstance(ctx, name)
	}

	if rec.DrainingSince != nil && now.Sub(*rec.DrainingSince) >= c.cfg.DrainTimeout {
		c.log.Warn("drain timeout exceeded, destroying instance with requests in flight",
			logger.String("name", name),
			logger.Int("abandoned_requests", rec.ActiveRequests),
			logger.Duration("drain_timeout", c.cfg.DrainTimeout))
		return c.manager.DestroyInstance(ctx, name)
	}

	return nil
}

// processDraining advances every already-draining instance one step.
func (c *Cell) processDraining(ctx context.Context, now time.Time) error {
	all, err := c.store.GetInstances(ctx, registry.InstanceFilter{})
	if err != nil {
		return err
	}

	stepped := false
	for _, inst := range all {
		if !inst.Draining {
			continue
		}
		// Instances marked by this pass's scale-down (draining_since ==
		// now) are stepped on the next heartbeat.
		if inst.DrainingSince != nil && !inst.DrainingSince.Before(now) {
			continue
		}
		if err := c.drainInstance(ctx, inst.Name, now); err != nil {
			c.log.Warn("drain step failed", logger.String("name", inst.Name), logger.Error(err))
			continue
		}
		stepped = true
	}

	// A drain step may have destroyed an instance; resync so the
	// reservation counter tracks the real fleet size.
	if stepped {
		if _, err := c.store.SyncCapacity(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Drain waits for detached follow-ups (counter decrements, optimistic
// scale-ups) to settle; called on shutdown.
func (c *Cell) Drain() {
	c.bg.Wait()
}
