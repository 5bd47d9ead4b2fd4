// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxSessions     = 10000
	maxMaxWorkers      = 1000
	maxMaxMemoryMB     = 16384
	maxTimeout         = 10 * time.Minute
	minSessionTTL      = 5 * time.Second
	maxSessionTTL      = 24 * time.Hour
)

// Config holds all broker configuration, loaded from environment variables
// at startup and clamped to safe bounds by Validate.
type Config struct {
	// Debug-protocol endpoints
	DebugPort      int
	LightPort      int
	Headless       bool
	BrowserPath    string
	StealthEnabled bool

	// Pool settings
	BrowserPoolSize    int
	BrowserPoolMaxIdle time.Duration
	MaxMemoryMB        int
	UsePagePool        bool
	UseBrowserPool     bool
	UseDefaultContext  bool
	MaxPerOrigin       int

	// Session registry
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	AutoCleanup            bool
	MaxSessions            int
	MaxWorkersPerSession   int

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Hybrid router / circuit breaker
	HybridEnabled       bool
	CircuitMaxFailures  int
	CircuitCooldown     time.Duration
	CookieSyncInterval  time.Duration

	// Storage-state manager (C10)
	StorageStateEnabled         bool
	StorageStateDir             string
	StorageStateWatchdogInterval time.Duration

	// Domain guard (C12)
	DomainBlocklistPath string
	PIDRegistryDir      string

	// IPC (C7/C8)
	SocketPath        string
	IPCRequestTimeout time.Duration
	IPCConnectTimeout time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Admin/observability surface
	AdminEnabled  bool
	AdminAddr     string
	PProfEnabled  bool
	PProfBindAddr string

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
}

// Load builds a Config from environment variables, applying documented
// defaults for anything unset.
func Load() *Config {
	return &Config{
		DebugPort:      getEnvInt("DEBUG_PORT", 9222),
		LightPort:      getEnvInt("LIGHT_PORT", 9223),
		Headless:       getEnvBool("HEADLESS", true),
		BrowserPath:    getEnvString("BROWSER_PATH", ""),
		StealthEnabled: getEnvBool("STEALTH_ENABLED", false),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 3),
		BrowserPoolMaxIdle: getEnvDuration("BROWSER_POOL_MAX_IDLE", 10*time.Minute),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),
		UsePagePool:        getEnvBool("USE_PAGE_POOL", true),
		UseBrowserPool:     getEnvBool("USE_BROWSER_POOL", false),
		UseDefaultContext:  getEnvBool("USE_DEFAULT_CONTEXT", true),
		MaxPerOrigin:       getEnvInt("MAX_PER_ORIGIN", 2),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 60*time.Second),
		AutoCleanup:            getEnvBool("AUTO_CLEANUP", true),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 100),
		MaxWorkersPerSession:   getEnvInt("MAX_WORKERS_PER_SESSION", 50),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 2*time.Minute),

		HybridEnabled:      getEnvBool("HYBRID_ENABLED", true),
		CircuitMaxFailures: getEnvInt("CIRCUIT_MAX_FAILURES", 3),
		CircuitCooldown:    getEnvDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		CookieSyncInterval: getEnvDuration("COOKIE_SYNC_INTERVAL", 5*time.Second),

		StorageStateEnabled:          getEnvBool("STORAGE_STATE_ENABLED", false),
		StorageStateDir:              getEnvString("STORAGE_STATE_DIR", "./storage-state"),
		StorageStateWatchdogInterval: getEnvDuration("STORAGE_STATE_WATCHDOG_INTERVAL", 30*time.Second),

		DomainBlocklistPath: getEnvString("DOMAIN_BLOCKLIST_PATH", ""),
		PIDRegistryDir:      getEnvString("PID_REGISTRY_DIR", os.TempDir()),

		SocketPath:        getEnvString("SOCKET_PATH", "/tmp/browserkit-broker.sock"),
		IPCRequestTimeout: getEnvDuration("IPC_REQUEST_TIMEOUT", 30*time.Second),
		IPCConnectTimeout: getEnvDuration("IPC_CONNECT_TIMEOUT", 5*time.Second),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 500*time.Millisecond),

		AdminEnabled:  getEnvBool("ADMIN_ENABLED", false),
		AdminAddr:     getEnvString("ADMIN_ADDR", "127.0.0.1:9400"),
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1:6060"),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "console"),
	}
}

// Validate clamps out-of-range values to safe defaults, logging a warning
// for each correction. It never fails the process for a merely suspicious
// value — only Load's caller decides whether to treat warnings as fatal.
func (c *Config) Validate() {
	if c.DebugPort < 1 || c.DebugPort > 65535 {
		log.Warn().Int("value", c.DebugPort).Msg("invalid debug port, using default 9222")
		c.DebugPort = 9222
	}
	if c.LightPort < 1 || c.LightPort > 65535 {
		log.Warn().Int("value", c.LightPort).Msg("invalid light port, using default 9223")
		c.LightPort = 9223
	}
	if c.DebugPort == c.LightPort {
		log.Warn().Msg("debug port and light port collide, bumping light port by 1")
		c.LightPort = c.DebugPort + 1
	}

	if c.BrowserPoolSize < 1 || c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().Int("value", c.BrowserPoolSize).Msg("browser pool size out of range, using default 3")
		c.BrowserPoolSize = 3
	}
	if c.MaxMemoryMB < 128 || c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().Int("value", c.MaxMemoryMB).Msg("max memory out of range, using default 2048")
		c.MaxMemoryMB = 2048
	}
	if c.MaxPerOrigin < 1 {
		log.Warn().Int("value", c.MaxPerOrigin).Msg("max per origin must be >= 1, using default 2")
		c.MaxPerOrigin = 2
	}

	if c.SessionTTL < minSessionTTL || c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("value", c.SessionTTL).Msg("session TTL out of range, using default 30m")
		c.SessionTTL = 30 * time.Minute
	}
	if c.SessionCleanupInterval <= 0 {
		log.Warn().Dur("value", c.SessionCleanupInterval).Msg("cleanup interval must be positive, using default 60s")
		c.SessionCleanupInterval = 60 * time.Second
	}
	if c.MaxSessions < 1 || c.MaxSessions > maxMaxSessions {
		log.Warn().Int("value", c.MaxSessions).Msg("max sessions out of range, using default 100")
		c.MaxSessions = 100
	}
	if c.MaxWorkersPerSession < 1 || c.MaxWorkersPerSession > maxMaxWorkers {
		log.Warn().Int("value", c.MaxWorkersPerSession).Msg("max workers per session out of range, using default 50")
		c.MaxWorkersPerSession = 50
	}

	if c.DefaultTimeout <= 0 || c.DefaultTimeout > maxTimeout {
		log.Warn().Dur("value", c.DefaultTimeout).Msg("default timeout out of range, using default 30s")
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 || c.MaxTimeout > maxTimeout {
		log.Warn().Dur("value", c.MaxTimeout).Msg("max timeout out of range, using default 2m")
		c.MaxTimeout = 2 * time.Minute
	}

	if c.CircuitMaxFailures < 1 {
		log.Warn().Int("value", c.CircuitMaxFailures).Msg("circuit max failures must be >= 1, using default 3")
		c.CircuitMaxFailures = 3
	}
	if c.CircuitCooldown <= 0 {
		log.Warn().Dur("value", c.CircuitCooldown).Msg("circuit cooldown must be positive, using default 30s")
		c.CircuitCooldown = 30 * time.Second
	}
	if c.CookieSyncInterval <= 0 {
		log.Warn().Dur("value", c.CookieSyncInterval).Msg("cookie sync interval must be positive, using default 5s")
		c.CookieSyncInterval = 5 * time.Second
	}

	if c.StorageStateWatchdogInterval <= 0 {
		log.Warn().Dur("value", c.StorageStateWatchdogInterval).Msg("storage-state watchdog interval must be positive, using default 30s")
		c.StorageStateWatchdogInterval = 30 * time.Second
	}

	if c.IPCRequestTimeout <= 0 || c.IPCRequestTimeout > maxTimeout {
		log.Warn().Dur("value", c.IPCRequestTimeout).Msg("IPC request timeout out of range, using default 30s")
		c.IPCRequestTimeout = 30 * time.Second
	}
	if c.IPCConnectTimeout <= 0 {
		log.Warn().Dur("value", c.IPCConnectTimeout).Msg("IPC connect timeout must be positive, using default 5s")
		c.IPCConnectTimeout = 5 * time.Second
	}
	if c.ReconnectAttempts < 0 {
		log.Warn().Int("value", c.ReconnectAttempts).Msg("reconnect attempts must be >= 0, using default 5")
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		log.Warn().Dur("value", c.ReconnectDelay).Msg("reconnect delay must be positive, using default 500ms")
		c.ReconnectDelay = 500 * time.Millisecond
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("value", c.LogLevel).Msg("invalid log level, using default info")
		c.LogLevel = "info"
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		log.Warn().Str("value", c.LogFormat).Msg("invalid log format, using default console")
		c.LogFormat = "console"
	}

	if c.PProfEnabled && c.AdminEnabled && c.PProfBindAddr == c.AdminAddr {
		log.Warn().Msg("pprof bind address collides with admin address, disabling pprof")
		c.PProfEnabled = false
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fallback
	}
	return int(n)
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvStringSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
