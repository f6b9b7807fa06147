package config

import (
	"fmt"

	sharedconfig "revoice/shared/config"
)

// Aliases for shared configuration structures to keep existing references intact.
type DatabaseConfig = sharedconfig.DatabaseConfig
type MinIOConfig = sharedconfig.MinIOConfig
type RabbitMQConfig = sharedconfig.RabbitMQConfig
type SynthConfig = sharedconfig.SynthConfig

// Config holds all configuration for the API service.
type Config struct {
	sharedconfig.BaseConfig
	Server ServerConfig
	Upload UploadConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// UploadConfig bounds incoming media uploads.
type UploadConfig struct {
	MaxSizeMB int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	loader := sharedconfig.NewLoader(
		sharedconfig.WithMinIOPublicFallback(),
	)

	v := loader.Viper()
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("UPLOAD_MAX_SIZE_MB", 512)

	baseCfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		BaseConfig: *baseCfg,
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		Upload: UploadConfig{
			MaxSizeMB: v.GetInt("UPLOAD_MAX_SIZE_MB"),
		},
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("SERVER_PORT %d out of range", cfg.Server.Port)
	}

	return cfg, nil
}
