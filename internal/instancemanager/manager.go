package instancemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
)

// Manager is the InstanceManager component: it wraps a ContainerRuntime
// and keeps the registry's view of the fleet in sync with what the
// runtime actually reports.
type Manager struct {
	runtime            ContainerRuntime
	store              registry.Registry
	log                logger.Logger
	instanceClass      string
	monitoringEndpoint string
	monitorzURL        string
	healthCheckRetries int
	callLimiter        *rate.Limiter
}

func New(runtime ContainerRuntime, store registry.Registry, log logger.Logger, instanceClass, monitoringEndpoint, monitorzURL string, healthCheckRetries int, callsPerSecond float64, callBurst int) *Manager {
	return &Manager{
		runtime:            runtime,
		store:              store,
		log:                log,
		instanceClass:      instanceClass,
		monitoringEndpoint: monitoringEndpoint,
		monitorzURL:        monitorzURL,
		healthCheckRetries: healthCheckRetries,
		callLimiter:        rate.NewLimiter(rate.Limit(callsPerSecond), callBurst),
	}
}

// Lookup resolves the runtime handle for a registered instance name.
// ErrRuntimeNotFound means the container is gone and the record is
// stale.
func (m *Manager) Lookup(ctx context.Context, name string) (Handle, error) {
	return m.runtime.GetByName(ctx, name)
}

// CreateInstance mints a fresh container, waits for its ports, and
// registers it in the registry with zero active requests.
func (m *Manager) CreateInstance(ctx context.Context, now time.Time) (Handle, error) {
	handle, err := m.runtime.Create(ctx, m.instanceClass)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %w", ErrRuntimeTransient, err)
	}

	if err := handle.StartAndWaitForPorts(ctx); err != nil {
		return nil, fmt.Errorf("%w: startAndWaitForPorts: %w", ErrRuntimeTransient, err)
	}

	if _, err := m.store.RecordInstance(ctx, handle.Name(), 0, true, now); err != nil {
		return nil, fmt.Errorf("instancemanager: record new instance: %w", err)
	}

	return handle, nil
}

// DestroyInstance best-effort destroys the container and always
// removes the registry record, even if the runtime destroy call fails.
func (m *Manager) DestroyInstance(ctx context.Context, name string) error {
	handle, err := m.runtime.GetByName(ctx, name)
	if err != nil && !errors.Is(err, ErrRuntimeNotFound) {
		m.log.Warn("destroyInstance: lookup failed, removing registry record anyway",
			logger.String("name", name), logger.Error(err))
	}
	if handle != nil {
		if err := handle.Destroy(ctx); err != nil {
			m.log.Warn("destroyInstance: runtime destroy failed, removing registry record anyway",
				logger.String("name", name), logger.Error(err))
		}
	}

	if err := m.store.RemoveInstance(ctx, name); err != nil {
		return fmt.Errorf("instancemanager: removeInstance: %w", err)
	}
	return nil
}

// ReplaceInstance destroys oldName and creates a fresh instance in its
// place, used when the selected target is unhealthy and no slot could
// be reserved for a separate replacement.
func (m *Manager) ReplaceInstance(ctx context.Context, oldName string, now time.Time) (Handle, error) {
	if err := m.DestroyInstance(ctx, oldName); err != nil {
		m.log.Warn("replaceInstance: destroy of old instance failed", logger.String("name", oldName), logger.Error(err))
	}
	return m.CreateInstance(ctx, now)
}

type monitorzResponse struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
}

// PerformHealthCheck GETs the monitoring endpoint. On success it clears
// the failure count and marks the instance healthy; on failure it
// increments the failure count and marks unhealthy once the configured
// retry budget is exhausted.
func (m *Manager) PerformHealthCheck(ctx context.Context, handle Handle, name string, now time.Time) error {
	rec, err := m.store.GetInstanceByName(ctx, name)
	if err != nil {
		return fmt.Errorf("instancemanager: performHealthCheck lookup: %w", err)
	}

	resp, err := handle.ContainerFetch(ctx, m.monitoringEndpoint)
	if err == nil {
		defer func() { _ = resp.Body.Close() }()
	}

	healthy := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if healthy {
		return m.store.UpdateHealth(ctx, name, true, 0, now)
	}

	failures := rec.HealthCheckFailures + 1
	stillHealthy := failures < m.healthCheckRetries
	if err := m.store.UpdateHealth(ctx, name, stillHealthy, failures, now); err != nil {
		return fmt.Errorf("instancemanager: updateHealth: %w", err)
	}
	if !stillHealthy {
		return fmt.Errorf("%w: %s reached %d consecutive failures", ErrHealthCheckFailed, name, failures)
	}
	return nil
}

// FetchMonitorz GETs the metrics endpoint and returns its 0-100 scale
// resource usage triple.
func (m *Manager) FetchMonitorz(ctx context.Context, handle Handle) (cpu, memory, disk float64, err error) {
	resp, err := handle.ContainerFetch(ctx, m.monitorzURL)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: fetchMonitorz: %w", ErrRuntimeTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("%w: fetchMonitorz returned %d", ErrRuntimeTransient, resp.StatusCode)
	}

	var body monitorzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, 0, fmt.Errorf("instancemanager: decode monitorz: %w", err)
	}
	return body.CPUUsage, body.MemoryUsage, body.DiskUsage, nil
}

// KeepAlive hits the monitoring endpoint of every given instance,
// rate-limited so a large fleet cannot stampede the runtime, updating
// last_heartbeat on each success. Failures are logged and otherwise
// ignored: a missed keep-alive is caught by the next heartbeat's
// health check.
func (m *Manager) KeepAlive(ctx context.Context, instances []*registry.InstanceRecord, now time.Time) {
	for _, inst := range instances {
		if inst.Draining {
			continue
		}
		if err := m.callLimiter.Wait(ctx); err != nil {
			return
		}

		handle, err := m.runtime.GetByName(ctx, inst.Name)
		if err != nil {
			m.log.Warn("keepAlive: lookup failed", logger.String("name", inst.Name), logger.Error(err))
			continue
		}

		resp, err := handle.ContainerFetch(ctx, m.monitoringEndpoint)
		if err != nil {
			m.log.Warn("keepAlive: fetch failed", logger.String("name", inst.Name), logger.Error(err))
			continue
		}
		_ = resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}
		if err := m.store.UpdateHeartbeat(ctx, inst.Name, now); err != nil {
			m.log.Warn("keepAlive: updateHeartbeat failed", logger.String("name", inst.Name), logger.Error(err))
		}
	}
}

// CleanupStaleInstances probes the runtime for every registered
// instance; any the runtime no longer knows about are purged from the
// registry. Returns the names removed.
func (m *Manager) CleanupStaleInstances(ctx context.Context) ([]string, error) {
	records, err := m.store.GetInstances(ctx, registry.InstanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("instancemanager: cleanupStaleInstances list: %w", err)
	}

	var cleaned []string
	for _, rec := range records {
		_, err := m.runtime.GetByName(ctx, rec.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRuntimeNotFound) {
			m.log.Warn("cleanupStaleInstances: probe failed", logger.String("name", rec.Name), logger.Error(err))
			continue
		}
		if err := m.store.RemoveInstance(ctx, rec.Name); err != nil {
			m.log.Warn("cleanupStaleInstances: removeInstance failed", logger.String("name", rec.Name), logger.Error(err))
			continue
		}
		cleaned = append(cleaned, rec.Name)
	}

	return cleaned, nil
}
