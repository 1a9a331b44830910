package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetcell/cell/internal/httpserver/deps"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/registry"
)

type snapshotResponse struct {
	Status        string                     `json:"status"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Version       string                     `json:"version,omitempty"`
	Commit        string                     `json:"commit,omitempty"`
	BuildDate     string                     `json:"build_date,omitempty"`
	GoVersion     string                     `json:"go_version,omitempty"`
	InstanceCount int                        `json:"instanceCount"`
	Instances     []*registry.InstanceRecord `json:"instances"`
}

// Snapshot serves the monitoring endpoint: the cell's own liveness
// plus the registry view of the fleet.
func Snapshot(d deps.Deps) http.HandlerFunc {
	start := d.StartTime
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Cell.Snapshot(r.Context())
		if err != nil {
			d.Logger.Error("snapshot failed", logger.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(snapshotResponse{
			Status:        "ok",
			Version:       d.Version,
			Commit:        d.Commit,
			BuildDate:     d.BuildDate,
			GoVersion:     d.GoVersion,
			UptimeSeconds: time.Since(start).Seconds(),
			InstanceCount: snap.InstanceCount,
			Instances:     snap.Instances,
		})
	}
}
