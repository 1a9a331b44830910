package deps

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetcell/cell/internal/controller"
	"github.com/fleetcell/cell/internal/logger"
)

type Deps struct {
	Logger             logger.Logger
	StartTime          time.Time
	Version            string
	Commit             string
	BuildDate          string
	GoVersion          string
	TimeNow            func() time.Time // for testing, defaults to time.Now
	AllowedHosts       []string         // Host headers allowed to access the server
	AllowedCIDRS       []string         // IPs allowed to access the monitoring/admin endpoints
	TrustProxy         bool             // true if running behind a trusted reverse proxy (e.g., cloudflared)
	RedisClient        *redis.Client    // Redis client connection backing the registry
	Cell               *controller.Cell // the singleton controller serving the fleet
	MonitoringEndpoint string           // path serving the fleet snapshot (ex: "/healthz")
}
