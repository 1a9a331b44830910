package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetcell/cell/internal/httpserver/deps"
)

type componentStatus struct {
	OK        bool   `json:"ok"`
	Instances *int   `json:"instances,omitempty"`
	Capacity  *int   `json:"capacity,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Impact    string `json:"impact,omitempty"`
	Error     string `json:"error,omitempty"`
}

type infraResponse struct {
	RoutingMode string                     `json:"routing_mode"`
	Components  map[string]componentStatus `json:"components"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		redisStatus := checkRedis(d)
		fleetStatus := checkFleet(d, r)

		components := map[string]componentStatus{
			"fleet": fleetStatus,
			"redis": redisStatus,
		}

		response := infraResponse{
			RoutingMode: determineRoutingMode(components),
			Components:  components,
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

func determineRoutingMode(components map[string]componentStatus) string {
	// A registry outage means no consistent fleet view at all.
	if redis, exists := components["redis"]; exists && !redis.OK {
		return "critical"
	}

	// An empty fleet still serves: the first request warms a
	// container up.
	if fleet, exists := components["fleet"]; exists && !fleet.OK {
		return "degraded"
	}

	return "serving"
}

func checkFleet(d deps.Deps, r *http.Request) componentStatus {
	snap, err := d.Cell.Snapshot(r.Context())
	if err != nil {
		return componentStatus{
			OK:     false,
			Impact: "fleet-view-unavailable",
			Error:  err.Error(),
		}
	}

	healthy := 0
	for _, rec := range snap.Instances {
		if rec.Healthy && !rec.Draining {
			healthy++
		}
	}

	return componentStatus{
		OK:        healthy > 0,
		Instances: &snap.InstanceCount,
		Capacity:  &healthy,
	}
}

func checkRedis(d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "registry-unavailable",
			Error:  "client not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.RedisClient.Ping(ctx).Err()
	if err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "registry-unavailable",
			Error:  "timeout",
		}
	}

	return componentStatus{
		OK:     true,
		Mode:   "optimal",
		Impact: "registry-available",
		Error:  "none",
	}
}
