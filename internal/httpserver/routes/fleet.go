package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/fleetcell/cell/internal/httpserver/deps"
	"github.com/fleetcell/cell/internal/httpserver/handlers"
	"github.com/fleetcell/cell/internal/httpserver/mw"
)

func init() { Register(registerFleet) }

// registerFleet wires the two traffic surfaces: the monitoring
// endpoint returning the registry snapshot (admin-restricted), and the
// catch-all that forwards everything else to a container.
func registerFleet(r chi.Router, d deps.Deps) {
	endpoint := d.MonitoringEndpoint
	if endpoint == "" {
		endpoint = "/healthz"
	}
	r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger)).Get(endpoint, handlers.Snapshot(d))
	r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger)).Get("/infraz", handlers.Infra(d))

	r.With(
		mw.EnforceHost(d.AllowedHosts, d.Logger),
		mw.RateLimit(mw.RateLimitConfig{
			Burst:             100,
			RefillPerIPPerMin: 600,
			TrustProxy:        d.TrustProxy,
		}),
	).Handle("/*", handlers.Forward(d))
}
