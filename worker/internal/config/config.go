package config

import (
	"fmt"
	"time"

	sharedconfig "revoice/shared/config"
)

// Aliases for shared configuration structures to keep existing references intact.
type DatabaseConfig = sharedconfig.DatabaseConfig
type MinIOConfig = sharedconfig.MinIOConfig
type RabbitMQConfig = sharedconfig.RabbitMQConfig
type SynthConfig = sharedconfig.SynthConfig

// Config holds all configuration for the worker.
type Config struct {
	sharedconfig.BaseConfig
	Stitch   StitchConfig
	Timeouts StepTimeouts
}

// StitchConfig tunes the audio stitching step.
type StitchConfig struct {
	CrossfadeMs    int
	PadWithSilence bool
}

// StepTimeouts contains per-step timeout configuration.
type StepTimeouts struct {
	Synthesize time.Duration
	Stitch     time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	loader := sharedconfig.NewLoader(
		sharedconfig.WithMinIOPublicFallback(),
	)

	v := loader.Viper()
	v.SetDefault("STITCH_CROSSFADE_MS", 30)
	v.SetDefault("STITCH_PAD_WITH_SILENCE", false)
	v.SetDefault("TIMEOUT_SYNTHESIZE_SECONDS", 900)
	v.SetDefault("TIMEOUT_STITCH_SECONDS", 600)

	baseCfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		BaseConfig: *baseCfg,
		Stitch: StitchConfig{
			CrossfadeMs:    v.GetInt("STITCH_CROSSFADE_MS"),
			PadWithSilence: v.GetBool("STITCH_PAD_WITH_SILENCE"),
		},
		Timeouts: StepTimeouts{
			Synthesize: time.Duration(v.GetInt("TIMEOUT_SYNTHESIZE_SECONDS")) * time.Second,
			Stitch:     time.Duration(v.GetInt("TIMEOUT_STITCH_SECONDS")) * time.Second,
		},
	}

	if cfg.Stitch.CrossfadeMs < 0 {
		return nil, fmt.Errorf("STITCH_CROSSFADE_MS must not be negative")
	}

	return cfg, nil
}

// ValidateSynthConfig validates that the synthesis service is configured.
// This is used at runtime when synthesis is needed, not at startup.
func ValidateSynthConfig(cfg *sharedconfig.BaseConfig) error {
	if cfg.Synth.URL == "" {
		return fmt.Errorf("SYNTH_SERVICE_URL is required (configure via environment)")
	}
	return nil
}
