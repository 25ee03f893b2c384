package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Presence policy. The liveness window is the single W shared by the
// record expiry, the online set score check and every prune.
const (
	DefaultLivenessWindowSeconds = 90

	UserIDMaxLength        = 100
	ScriptIDMaxLength      = 64
	ScriptIDAllowedPattern = `^[A-Za-z0-9_-]+$`
)

const (
	StoreDriverRedis   = "redis"
	StoreDriverUpstash = "upstash"

	FleetDiscoveryRegistry = "registry"
	FleetDiscoveryScan     = "scan"
)

type Config struct {
	// Server configuration
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string

	// Store configuration
	StoreDriver  string
	RedisURL     string
	RedisDB      int
	UpstashURL   string
	UpstashToken string
	StoreTimeout time.Duration

	// Presence configuration
	LivenessWindow    time.Duration
	ActiveThreshold   time.Duration
	HeartbeatInterval time.Duration
	FleetDiscovery    string
	EventsChannel     string

	MetricsEnabled bool
}

func LoadConfig() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	window := time.Duration(getEnvAsInt("LIVENESS_WINDOW_SECONDS", DefaultLivenessWindowSeconds)) * time.Second

	return &Config{
		Port:           getEnv("PORT", "8081"),
		Environment:    getEnv("ENVIRONMENT", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),

		StoreDriver:  getEnv("STORE_DRIVER", StoreDriverRedis),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisDB:      getEnvAsInt("REDIS_DB", 0),
		UpstashURL:   getEnv("UPSTASH_REDIS_REST_URL", ""),
		UpstashToken: getEnv("UPSTASH_REDIS_REST_TOKEN", ""),
		StoreTimeout: time.Duration(getEnvAsInt("STORE_TIMEOUT_MS", 5000)) * time.Millisecond,

		LivenessWindow:    window,
		ActiveThreshold:   time.Duration(getEnvAsInt("ACTIVE_THRESHOLD_SECONDS", int(window.Seconds())/3)) * time.Second,
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", int(window.Seconds())/3)) * time.Second,
		FleetDiscovery:    getEnv("FLEET_DISCOVERY", FleetDiscoveryRegistry),
		EventsChannel:     getEnv("PRESENCE_EVENTS_CHANNEL", ""),

		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}
}

// Validate checks the presence policy for internal consistency.
func (c *Config) Validate() error {
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive, got %s", c.LivenessWindow)
	}
	if c.LivenessWindow%time.Second != 0 {
		return fmt.Errorf("liveness window must be a whole number of seconds, got %s", c.LivenessWindow)
	}
	if c.ActiveThreshold <= 0 || c.ActiveThreshold >= c.LivenessWindow {
		return fmt.Errorf("active threshold %s must be within (0, %s)", c.ActiveThreshold, c.LivenessWindow)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LivenessWindow {
		return fmt.Errorf("heartbeat interval %s must be within (0, %s)", c.HeartbeatInterval, c.LivenessWindow)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}

	switch c.StoreDriver {
	case StoreDriverRedis:
	case StoreDriverUpstash:
		if c.UpstashURL == "" || c.UpstashToken == "" {
			return fmt.Errorf("upstash driver requires UPSTASH_REDIS_REST_URL and UPSTASH_REDIS_REST_TOKEN")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	switch c.FleetDiscovery {
	case FleetDiscoveryRegistry, FleetDiscoveryScan:
	default:
		return fmt.Errorf("unknown fleet discovery mode %q", c.FleetDiscovery)
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
