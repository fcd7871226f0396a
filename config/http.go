package config

import (
	"strings"
	"time"
)

// HTTPConfig contains the HTTP listener configuration.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"     envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"    envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT"     envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// TLS for the transport surface. With a client CA set, callers must
	// present a certificate signed by it.
	CertPath     string `env:"HTTP_TLS_CERT"`
	KeyPath      string `env:"HTTP_TLS_KEY"`
	ClientCAPath string `env:"HTTP_TLS_CLIENT_CA"`
}

// TLSEnabled reports whether the listener should serve TLS.
func (c *HTTPConfig) TLSEnabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// Sanitize applies guardrails to listener timeouts.
func (c *HTTPConfig) Sanitize() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	c.CertPath = strings.TrimSpace(c.CertPath)
	c.KeyPath = strings.TrimSpace(c.KeyPath)
	c.ClientCAPath = strings.TrimSpace(c.ClientCAPath)
}
