// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings (deposit watcher)
	RPCURL          string
	ChainID         int64
	TokenContract   string // ERC-20 contract funding deposits
	PlatformAddress string // Address deposits are sent to

	// Session timing
	StartTimeout       time.Duration // Created → Expired if never started
	HeartbeatTimeout   time.Duration // Active unhealthy without a heartbeat
	MaxPauseDuration   time.Duration // Paused → Abandoned past this
	DisputeTimeout     time.Duration // Disputed auto-resolves past this
	MinPlannedDuration time.Duration
	MaxPlannedDuration time.Duration
	MinTransitionDelay time.Duration // Minimum gap between status transitions
	MaxTransitions     int           // Transition-count ceiling per session

	// Settlement
	ReleaseCapBps int64 // Progressive release ceiling while non-terminal (basis points)
	FeeBps        int64 // Platform fee on each release (basis points)
	MinReleaseBps int64 // Releases below this fraction of total are suppressed

	// Recovery
	RecoveryMaxAttempts int
	RecoveryCooldown    time.Duration
	SweepInterval       time.Duration // Recovery sweeper poll interval

	// Observability
	OTLPEndpoint string // OpenTelemetry collector, empty = tracing disabled

	// Security
	AdminSecret   string // Admin API secret
	WebhookSecret string // Default HMAC secret for webhook signing
	RateLimitRPS  int
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 100
)

// Session engine defaults
const (
	DefaultStartTimeout       = 15 * time.Minute
	DefaultHeartbeatTimeout   = 2 * time.Minute
	DefaultMaxPauseDuration   = 30 * time.Minute
	DefaultDisputeTimeout     = 72 * time.Hour
	DefaultMinPlannedDuration = 5 * time.Minute
	DefaultMaxPlannedDuration = 8 * time.Hour
	DefaultMinTransitionDelay = time.Second
	DefaultMaxTransitions     = 50
	DefaultReleaseCapBps      = 9000 // 90% progressive, final 10% at completion
	DefaultFeeBps             = 250  // 2.5% platform fee
	DefaultMinReleaseBps      = 10   // suppress releases under 0.1% of total
	DefaultRecoveryAttempts   = 3
	DefaultRecoveryCooldown   = 5 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:   getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		PlatformAddress: os.Getenv("PLATFORM_ADDRESS"),

		StartTimeout:       getEnvDuration("SESSION_START_TIMEOUT", DefaultStartTimeout),
		HeartbeatTimeout:   getEnvDuration("SESSION_HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout),
		MaxPauseDuration:   getEnvDuration("SESSION_MAX_PAUSE", DefaultMaxPauseDuration),
		DisputeTimeout:     getEnvDuration("SESSION_DISPUTE_TIMEOUT", DefaultDisputeTimeout),
		MinPlannedDuration: getEnvDuration("SESSION_MIN_DURATION", DefaultMinPlannedDuration),
		MaxPlannedDuration: getEnvDuration("SESSION_MAX_DURATION", DefaultMaxPlannedDuration),
		MinTransitionDelay: getEnvDuration("SESSION_MIN_TRANSITION_DELAY", DefaultMinTransitionDelay),
		MaxTransitions:     int(getEnvInt64("SESSION_MAX_TRANSITIONS", DefaultMaxTransitions)),

		ReleaseCapBps: getEnvInt64("RELEASE_CAP_BPS", DefaultReleaseCapBps),
		FeeBps:        getEnvInt64("FEE_BPS", DefaultFeeBps),
		MinReleaseBps: getEnvInt64("MIN_RELEASE_BPS", DefaultMinReleaseBps),

		RecoveryMaxAttempts: int(getEnvInt64("RECOVERY_MAX_ATTEMPTS", DefaultRecoveryAttempts)),
		RecoveryCooldown:    getEnvDuration("RECOVERY_COOLDOWN", DefaultRecoveryCooldown),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),

		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ReleaseCapBps <= 0 || c.ReleaseCapBps >= 10000 {
		return fmt.Errorf("RELEASE_CAP_BPS must be in (0, 10000), got %d", c.ReleaseCapBps)
	}
	if c.FeeBps < 0 || c.FeeBps >= 10000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000), got %d", c.FeeBps)
	}
	if c.MinReleaseBps < 0 || c.MinReleaseBps >= 10000 {
		return fmt.Errorf("MIN_RELEASE_BPS must be in [0, 10000), got %d", c.MinReleaseBps)
	}
	if c.MinPlannedDuration <= 0 || c.MaxPlannedDuration < c.MinPlannedDuration {
		return fmt.Errorf("session duration bounds invalid: min=%s max=%s", c.MinPlannedDuration, c.MaxPlannedDuration)
	}
	if c.MaxTransitions < 2 {
		return fmt.Errorf("SESSION_MAX_TRANSITIONS must be at least 2, got %d", c.MaxTransitions)
	}
	if c.RecoveryMaxAttempts < 1 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be at least 1, got %d", c.RecoveryMaxAttempts)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
