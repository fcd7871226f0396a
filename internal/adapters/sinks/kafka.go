package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service"
)

// kafkaMessageKey keys every alert record so a single-partition topic keeps
// alerts in publish order.
const kafkaMessageKey = "msg"

// kafkaProducer is the slice of kgo.Client the sink needs. Satisfied by
// *kgo.Client.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Enabled bool
	Brokers []string
	Topic   string

	// ScanBaseURL, when set, is used to build the scanUrl field of the
	// published payload.
	ScanBaseURL string

	// Sites resolves the alert's site name for the payload. Optional; lookup
	// failures leave siteName empty rather than failing the delivery.
	Sites core.SiteRepository

	Logger *slog.Logger
}

// KafkaSink publishes alerts as versioned JSON records to a Kafka topic.
type KafkaSink struct {
	cfg      KafkaSinkConfig
	producer kafkaProducer
	logger   *slog.Logger
}

// NewKafkaSink creates a KafkaSink with its own kgo client.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if !cfg.Enabled {
		return newKafkaSink(cfg, nil), nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	return newKafkaSink(cfg, client), nil
}

func newKafkaSink(cfg KafkaSinkConfig, producer kafkaProducer) *KafkaSink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		cfg:      cfg,
		producer: producer,
		logger:   logger.With("component", "kafka_sink"),
	}
}

func (s *KafkaSink) Name() string  { return "kafka" }
func (s *KafkaSink) Enabled() bool { return s.cfg.Enabled }

// Close flushes and shuts down the underlying client.
func (s *KafkaSink) Close() {
	if client, ok := s.producer.(*kgo.Client); ok && client != nil {
		client.Close()
	}
}

// Send publishes one alert. Broker errors are retryable.
func (s *KafkaSink) Send(ctx context.Context, alert *model.Alert) error {
	payload := model.AlertV1{
		Rule:        alert.Rule,
		Level:       alertLevel(alert),
		Description: alert.Message,
		SiteName:    s.siteName(ctx, alert),
	}
	if s.cfg.ScanBaseURL != "" {
		payload.ScanURL = strings.TrimRight(s.cfg.ScanBaseURL, "/") + "/scans/" + alert.ScanID
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Internalf("kafka sink: encode alert: %v", err)
	}
	record := &kgo.Record{Key: []byte(kafkaMessageKey), Value: value}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return apperrors.Transient(fmt.Sprintf("kafka sink: produce: %v", err))
	}
	return nil
}

// siteName resolves the alert's site for the payload; best effort only.
func (s *KafkaSink) siteName(ctx context.Context, alert *model.Alert) string {
	if s.cfg.Sites == nil || alert.SiteID == nil {
		return ""
	}
	site, err := s.cfg.Sites.GetByID(ctx, *alert.SiteID)
	if err != nil {
		s.logger.WarnContext(ctx, "site lookup failed", "site_id", *alert.SiteID, "error", err)
		return ""
	}
	return site.Name
}

// alertLevel pulls the rule's severity out of the alert context, falling back
// to error.
func alertLevel(alert *model.Alert) string {
	if len(alert.Context) > 0 {
		var ctx struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(alert.Context, &ctx); err == nil && ctx.Level != "" {
			return ctx.Level
		}
	}
	return "error"
}

var _ service.AlertSink = (*KafkaSink)(nil)
