// Package bootstrap wires configuration, infrastructure, and services into
// runnable processes. It owns startup order and graceful shutdown; business
// rules live in internal/service.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/target/merrymaker/config"
)

// InitLogger initializes the structured logger.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.EnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	return nil
}

// EnabledServiceNames returns the enabled service names for startup logging.
func EnabledServiceNames(cfg *config.AppConfig) []string {
	if cfg == nil {
		return nil
	}
	services, err := cfg.EnabledServices()
	if err != nil {
		// Validation reports this; logging just gets an empty list.
		return nil
	}
	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, string(svc))
	}
	return names
}
