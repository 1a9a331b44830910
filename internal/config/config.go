package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the cell: server, Redis, the fleet's
// capacity bounds and the scaler's thresholds/cooldowns. It is loaded
// once from the environment at process start and never mutated after.
type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Fleet sizing
	Instance                 string  // informational sizing class, ex: "standard-1"
	InstanceClassFile        string  // optional YAML catalogue of instance classes
	MaxInstances             int     // hard cap for CapacityCounter.max_count
	MinInstances             int     // floor for scale-down; warm-up target
	MaxRequestsPerInstance   *int    // nil = request-based scaling/capacity-filtering disabled
	ScaleUpCapacityThreshold float64 // fraction of MaxRequestsPerInstance triggering optimistic scale-up

	// Heartbeat
	HeartbeatInterval time.Duration // period of the periodic maintenance pass
	StaleThreshold    time.Duration // informational: max heartbeat age before considered stale

	// Scale-up thresholds (percentages, 0-100)
	ScaleThresholdCPU    *float64
	ScaleThresholdMemory *float64
	ScaleThresholdDisk   *float64
	ScaleThreshold       float64 // general threshold used when the specifics above are absent

	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration

	// Scale-down thresholds (percentages, 0-100); nil = derive from scale-up per §4.3
	ScaleDownThresholdCPU    *float64
	ScaleDownThresholdMemory *float64
	ScaleDownThresholdDisk   *float64
	ScaleDownThreshold       *float64

	HealthCheckRetries int
	DrainTimeout       time.Duration
	MonitoringEndpoint string // ex: "/healthz"
	MonitorzURL        string // ex: "http://localhost:81/monitorz"

	// Container runtime control plane
	RuntimeControlPlaneURL string // ex: "http://127.0.0.1:2280"

	// Outbound call shaping against the container runtime
	RuntimeCallsPerSecond float64
	RuntimeCallBurst      int
	RuntimeCallTimeout    time.Duration

	// Redis
	RedisAddr             string
	RedisUser             string
	RedisPassword         string
	RedisPasswordRequired bool
	RedisDB               int
	RedisDT               time.Duration
	RedisRT               time.Duration
	RedisWT               time.Duration
	RedisMaxWait          time.Duration
	RedisPingTimeout      time.Duration
	RedisPoolSize         int
	RedisConnectTimeout   time.Duration
	RedisRetryInterval    time.Duration
	RedisWarnThreshold    int

	AllowedHosts []string // Host headers allowed on the entry surface
	AllowedCIDRS []string // IPs allowed on the monitoring/admin endpoints
	TrustProxy   bool     // true => trust X-Forwarded-For / CF-Connecting-IP
}

func Load() *Config {
	cfg := &Config{
		ListenPort:      getenv("FLEETCELL_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("FLEETCELL_SHUTDOWN_TIMEOUT", 5*time.Second),

		LogLevel:  getenv("FLEETCELL_LOG_LEVEL", "info"),
		PrettyLog: mustBool("FLEETCELL_PRETTY_LOG", true),

		Instance:          getenv("FLEETCELL_INSTANCE_CLASS", "standard-1"),
		InstanceClassFile: getenv("FLEETCELL_INSTANCE_CLASS_FILE", ""),
		MaxInstances:      getenvInt("FLEETCELL_MAX_INSTANCES", 10),
		MinInstances:      getenvInt("FLEETCELL_MIN_INSTANCES", 0),

		ScaleUpCapacityThreshold: getenvFloat("FLEETCELL_SCALE_UP_CAPACITY_THRESHOLD", 0.7),

		HeartbeatInterval: mustDuration("FLEETCELL_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleThreshold:    mustDuration("FLEETCELL_STALE_THRESHOLD", 120*time.Second),

		ScaleThreshold: getenvFloat("FLEETCELL_SCALE_THRESHOLD", 75),

		ScaleUpCooldown:   mustDuration("FLEETCELL_SCALE_UP_COOLDOWN", 60*time.Second),
		ScaleDownCooldown: mustDuration("FLEETCELL_SCALE_DOWN_COOLDOWN", 120*time.Second),

		HealthCheckRetries: getenvInt("FLEETCELL_HEALTH_CHECK_RETRIES", 3),
		DrainTimeout:       mustDuration("FLEETCELL_DRAIN_TIMEOUT", 60*time.Second),
		MonitoringEndpoint: getenv("FLEETCELL_MONITORING_ENDPOINT", "/healthz"),
		MonitorzURL:        getenv("FLEETCELL_MONITORZ_URL", "http://localhost:81/monitorz"),

		RuntimeControlPlaneURL: getenv("FLEETCELL_RUNTIME_CONTROL_PLANE_URL", "http://127.0.0.1:2280"),

		RuntimeCallsPerSecond: getenvFloat("FLEETCELL_RUNTIME_CALLS_PER_SECOND", 20),
		RuntimeCallBurst:      getenvInt("FLEETCELL_RUNTIME_CALL_BURST", 10),
		RuntimeCallTimeout:    mustDuration("FLEETCELL_RUNTIME_CALL_TIMEOUT", 5*time.Second),

		RedisAddr:             requireEnv("FLEETCELL_REDIS_ADDR"),
		RedisUser:             getenv("FLEETCELL_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("FLEETCELL_REDIS_PASSWORD_REQUIRED", true),
		RedisPassword:         getenv("FLEETCELL_REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("FLEETCELL_REDIS_DB", 0),
		RedisDT:               mustDuration("FLEETCELL_REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("FLEETCELL_REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("FLEETCELL_REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("FLEETCELL_REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("FLEETCELL_REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("FLEETCELL_REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("FLEETCELL_REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("FLEETCELL_REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("FLEETCELL_REDIS_WARN_THRESHOLD", 3),

		AllowedHosts: splitAndTrim(getenv("FLEETCELL_ALLOWED_HOSTS", "")),
		AllowedCIDRS: splitAndTrim(getenv("FLEETCELL_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("FLEETCELL_TRUST_PROXY", false),
	}

	cfg.MaxRequestsPerInstance = getenvOptionalInt("FLEETCELL_MAX_REQUESTS_PER_INSTANCE")
	cfg.ScaleThresholdCPU = getenvOptionalFloat("FLEETCELL_SCALE_THRESHOLD_CPU")
	cfg.ScaleThresholdMemory = getenvOptionalFloat("FLEETCELL_SCALE_THRESHOLD_MEMORY")
	cfg.ScaleThresholdDisk = getenvOptionalFloat("FLEETCELL_SCALE_THRESHOLD_DISK")
	cfg.ScaleDownThreshold = getenvOptionalFloat("FLEETCELL_SCALE_DOWN_THRESHOLD")
	cfg.ScaleDownThresholdCPU = getenvOptionalFloat("FLEETCELL_SCALE_DOWN_THRESHOLD_CPU")
	cfg.ScaleDownThresholdMemory = getenvOptionalFloat("FLEETCELL_SCALE_DOWN_THRESHOLD_MEMORY")
	cfg.ScaleDownThresholdDisk = getenvOptionalFloat("FLEETCELL_SCALE_DOWN_THRESHOLD_DISK")

	if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
		panic("❌ FATAL: FLEETCELL_REDIS_PASSWORD is required when FLEETCELL_REDIS_PASSWORD_REQUIRED=true")
	}
	if cfg.MinInstances < 0 || cfg.MaxInstances <= 0 || cfg.MinInstances > cfg.MaxInstances {
		panic(fmt.Sprintf("❌ FATAL: invalid instance bounds min=%d max=%d", cfg.MinInstances, cfg.MaxInstances))
	}

	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvOptionalInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &i
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvOptionalFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
