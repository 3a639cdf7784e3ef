// Package config loads environment-driven settings for the bridge, in the
// same style as the teacher's pkg/config: godotenv for local dev, plain
// os.Getenv lookups with typed defaults, no framework-managed config object.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named by spec.md (timeouts, port ranges,
// persistence directories, control-API bind address).
type Config struct {
	// Registration discovery
	RegistrationDir string // <common-files-root>/HedgeEdge
	StateDir        string // directory for correlations/sessions/daily limits/etc.

	ZmqHost string // host bridges connect to, default 127.0.0.1

	// Port ranges (design-fixed by spec §4.1, overridable for tests)
	ZmqDataPortStart int
	ZmqDataPortEnd   int
	ZmqDataPortStep  int
	ProxyPortStart   int
	ProxyPortEnd     int
	AgentHTTPPorts   []int

	// Timeouts
	ProbeTimeout      time.Duration
	ScanMutexTimeout  time.Duration
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
	StalenessTimeout  time.Duration
	ScanCacheTTL      time.Duration
	InitialEventWait  time.Duration
	SlavePollInterval time.Duration
	ControlResendTTL  time.Duration

	// Debounce interval for persisted files
	PersistDebounce time.Duration

	// Copier
	CircuitBreakerThreshold int
	DefaultMagicNumber      int

	// Control API
	ControlAPIAddr  string
	ControlAPIToken string
	JWTSecret       string

	// HostGlue timers
	AccountRefreshInterval time.Duration
	HealthCheckInterval    time.Duration
	DiscoveryInterval      time.Duration
	HeartbeatPushThrottle  time.Duration

	// License
	LicenseJWTSecret string
}

// Load reads configuration from the environment (optionally via .env).
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		RegistrationDir:         getEnv("HEDGEEDGE_REGISTRATION_DIR", defaultRegistrationDir()),
		StateDir:                getEnv("HEDGEEDGE_STATE_DIR", "./data"),
		ZmqHost:                 getEnv("HEDGEEDGE_ZMQ_HOST", "127.0.0.1"),
		ZmqDataPortStart:        getEnvInt("HEDGEEDGE_ZMQ_DATA_PORT_START", 51810),
		ZmqDataPortEnd:          getEnvInt("HEDGEEDGE_ZMQ_DATA_PORT_END", 51840),
		ZmqDataPortStep:         getEnvInt("HEDGEEDGE_ZMQ_DATA_PORT_STEP", 10),
		ProxyPortStart:          getEnvInt("HEDGEEDGE_PROXY_PORT_START", 9089),
		ProxyPortEnd:            getEnvInt("HEDGEEDGE_PROXY_PORT_END", 9099),
		AgentHTTPPorts:          []int{5101, 5102},
		ProbeTimeout:            getEnvDuration("HEDGEEDGE_PROBE_TIMEOUT", 50*time.Millisecond),
		ScanMutexTimeout:        getEnvDuration("HEDGEEDGE_SCAN_MUTEX_TIMEOUT", 30*time.Second),
		CommandTimeout:          getEnvDuration("HEDGEEDGE_COMMAND_TIMEOUT", 5*time.Second),
		ReconnectInterval:       getEnvDuration("HEDGEEDGE_RECONNECT_INTERVAL", 5*time.Second),
		StalenessTimeout:        getEnvDuration("HEDGEEDGE_STALENESS_TIMEOUT", 15*time.Second),
		ScanCacheTTL:            getEnvDuration("HEDGEEDGE_SCAN_CACHE_TTL", 2*time.Second),
		InitialEventWait:        getEnvDuration("HEDGEEDGE_INITIAL_EVENT_WAIT", 3*time.Second),
		SlavePollInterval:       getEnvDuration("HEDGEEDGE_SLAVE_POLL_INTERVAL", 5*time.Second),
		ControlResendTTL:        getEnvDuration("HEDGEEDGE_CONTROL_RESEND_TTL", 30*time.Second),
		PersistDebounce:         getEnvDuration("HEDGEEDGE_PERSIST_DEBOUNCE", 5*time.Second),
		CircuitBreakerThreshold: getEnvInt("HEDGEEDGE_CIRCUIT_BREAKER_THRESHOLD", 3),
		DefaultMagicNumber:      getEnvInt("HEDGEEDGE_DEFAULT_MAGIC", 123456),
		ControlAPIAddr:          getEnv("HEDGEEDGE_CONTROL_API_ADDR", "127.0.0.1:48199"),
		ControlAPIToken:         os.Getenv("HEDGEEDGE_CONTROL_API_TOKEN"),
		JWTSecret:               getEnv("HEDGEEDGE_JWT_SECRET", "dev-secret-change-me"),
		AccountRefreshInterval:  getEnvDuration("HEDGEEDGE_ACCOUNT_REFRESH_INTERVAL", 30*time.Second),
		HealthCheckInterval:     getEnvDuration("HEDGEEDGE_HEALTH_CHECK_INTERVAL", 5*time.Second),
		DiscoveryInterval:       getEnvDuration("HEDGEEDGE_DISCOVERY_INTERVAL", 30*time.Second),
		HeartbeatPushThrottle:   getEnvDuration("HEDGEEDGE_HEARTBEAT_PUSH_THROTTLE", 2*time.Second),
		LicenseJWTSecret:        getEnv("HEDGEEDGE_LICENSE_SECRET", "dev-license-secret"),
	}, nil
}

func defaultRegistrationDir() string {
	if v := os.Getenv("PROGRAMDATA"); v != "" {
		return v + "/HedgeEdge"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./HedgeEdge"
	}
	return home + "/.hedgeedge"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
