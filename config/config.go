// Package config loads the application configuration from environment
// variables. A .env file is honored when present so local development does
// not need exported shell state.
//
// Domain-specific settings live in sibling files:
//   - services.go: service selection and worker/runner tuning
//   - database.go: Postgres and Redis connections
//   - auth.go:     identity provider and role groups
//   - alerts.go:   alert sink fan-out
//   - http.go:     HTTP listener
//   - observability.go: metrics emission
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig is the root configuration for every merrymaker process.
type AppConfig struct {
	// IsDev loosens guardrails for local development (insecure cookies,
	// optional auth).
	IsDev bool `env:"DEV" envDefault:"false"`

	// Services is the comma-delimited list of services this process runs.
	Services string `env:"SERVICES" envDefault:"http"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP  HTTPConfig
	Auth  AuthConfig
	Rules RulesConfig

	Scheduler SchedulerConfig
	Reaper    ReaperConfig
	Runners   RunnersConfig

	Alerts AlertsConfig

	Observability ObservabilityConfig
}

// Load reads .env (when present), parses the environment, and applies the
// sanitization guardrails.
func Load() (*AppConfig, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize applies guardrails to every sub-config.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Scheduler.Sanitize()
	c.Reaper.Sanitize()
	c.Runners.Sanitize()
	c.Rules.Sanitize()
	c.Observability.Sanitize()
}

// EnabledServices parses the Services field.
func (c *AppConfig) EnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}
