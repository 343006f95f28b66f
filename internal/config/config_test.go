package config

import (
	"testing"
	"time"
)

func defaults() *Config {
	return &Config{
		Env:                 DefaultEnv,
		ReleaseCapBps:       DefaultReleaseCapBps,
		FeeBps:              DefaultFeeBps,
		MinReleaseBps:       DefaultMinReleaseBps,
		MinPlannedDuration:  DefaultMinPlannedDuration,
		MaxPlannedDuration:  DefaultMaxPlannedDuration,
		MaxTransitions:      DefaultMaxTransitions,
		RecoveryMaxAttempts: DefaultRecoveryAttempts,
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := defaults().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidate_CapMustBeBelowFull(t *testing.T) {
	cfg := defaults()
	cfg.ReleaseCapBps = 10000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for 100% progressive cap")
	}
	cfg.ReleaseCapBps = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero cap")
	}
}

func TestValidate_DurationBounds(t *testing.T) {
	cfg := defaults()
	cfg.MinPlannedDuration = time.Hour
	cfg.MaxPlannedDuration = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max < min duration")
	}
}

func TestValidate_ProductionRequiresAdminSecret(t *testing.T) {
	cfg := defaults()
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for production without ADMIN_SECRET")
	}
	cfg.AdminSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SESSION_START_TIMEOUT", "20m")
	t.Setenv("FEE_BPS", "300")
	t.Setenv("PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StartTimeout != 20*time.Minute {
		t.Errorf("StartTimeout = %s, want 20m", cfg.StartTimeout)
	}
	if cfg.FeeBps != 300 {
		t.Errorf("FeeBps = %d, want 300", cfg.FeeBps)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("SESSION_HEARTBEAT_TIMEOUT", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("HeartbeatTimeout = %s, want default", cfg.HeartbeatTimeout)
	}
}
