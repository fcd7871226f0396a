package config

import (
	"strings"
	"time"
)

// AlertsConfig controls alert delivery fan-out. Each sink is opt-in; with
// every sink disabled, delivered alerts only get a scan log line.
type AlertsConfig struct {
	HTTP  HTTPAlertSinkConfig  `envPrefix:"ALERT_HTTP_"`
	Kafka KafkaAlertSinkConfig `envPrefix:"ALERT_KAFKA_"`

	// ScanBaseURL is the externally reachable UI base used to build alert
	// deep links, e.g. https://merrymaker.example.com.
	ScanBaseURL string `env:"ALERT_SCAN_BASE_URL"`
}

// Sanitize normalises alert sink values and disables misconfigured sinks.
func (c *AlertsConfig) Sanitize() {
	c.ScanBaseURL = strings.TrimSpace(c.ScanBaseURL)
	c.HTTP.sanitize()
	c.Kafka.sanitize()
}

// HTTPAlertSinkConfig controls the query-parameter push sink (Prowl-style
// notification gateways).
type HTTPAlertSinkConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	URL     string `env:"URL"`
	Token   string `env:"TOKEN"`

	// TokenFile points at a mounted secret holding the push token; the
	// secret-refresh job re-reads it so rotations land without a restart.
	TokenFile string `env:"TOKEN_FILE"`

	// SuccessExpression is a JMESPath expression evaluated against the JSON
	// response body; a falsy result fails the delivery even on 2xx.
	SuccessExpression string `env:"SUCCESS_EXPRESSION"`

	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

func (c *HTTPAlertSinkConfig) sanitize() {
	c.URL = strings.TrimSpace(c.URL)
	c.TokenFile = strings.TrimSpace(c.TokenFile)
	if c.URL == "" {
		c.Enabled = false
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// KafkaAlertSinkConfig controls the versioned-payload Kafka sink.
type KafkaAlertSinkConfig struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Brokers []string `env:"BROKERS" envDefault:""`
	Topic   string   `env:"TOPIC"   envDefault:"merrymaker-alerts"`
}

func (c *KafkaAlertSinkConfig) sanitize() {
	c.Topic = strings.TrimSpace(c.Topic)
	if len(c.Brokers) == 0 || c.Topic == "" {
		c.Enabled = false
	}
}
