package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// AlertSink delivers one alert to an external system. Send reports a
// permanent failure with a non-retryable error; transient failures return a
// retryable (transient) error and ride the queue's backoff.
type AlertSink interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *model.Alert) error
}

// AlertDispatcher executes alert jobs: resolve the alert and the target sink,
// send, and record the delivery outcome on the alert row.
type AlertDispatcher struct {
	alerts core.AlertRepository
	sinks  map[string]AlertSink
	logger *slog.Logger
}

// AlertDispatcherOptions configures NewAlertDispatcher.
type AlertDispatcherOptions struct {
	Alerts core.AlertRepository
	Sinks  []AlertSink
	Logger *slog.Logger
}

// NewAlertDispatcher creates an AlertDispatcher over the enabled sinks.
func NewAlertDispatcher(opts AlertDispatcherOptions) *AlertDispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sinks := make(map[string]AlertSink, len(opts.Sinks))
	for _, sink := range opts.Sinks {
		if sink.Enabled() {
			sinks[sink.Name()] = sink
		}
	}
	return &AlertDispatcher{
		alerts: opts.Alerts,
		sinks:  sinks,
		logger: logger.With("component", "alert_dispatcher"),
	}
}

// SinkNames returns the names of the enabled sinks.
func (d *AlertDispatcher) SinkNames() []string {
	names := make([]string, 0, len(d.sinks))
	for name := range d.sinks {
		names = append(names, name)
	}
	return names
}

// Handle runs one alert job. The attempt number comes from the job so the
// delivery record reflects queue-level retries.
func (d *AlertDispatcher) Handle(ctx context.Context, payload []byte, attempt int) error {
	var job AlertJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return apperrors.Validation("malformed alert job payload")
	}
	if job.AlertID == "" || job.Sink == "" {
		return apperrors.Validation("alert_id and sink are required")
	}

	sink, ok := d.sinks[job.Sink]
	if !ok {
		// A sink disabled after enqueue is a no-op, not a failure.
		d.logger.WarnContext(ctx, "sink not available, dropping", "sink", job.Sink, "alert_id", job.AlertID)
		return nil
	}

	alert, err := d.alerts.GetByID(ctx, job.AlertID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			d.logger.WarnContext(ctx, "alert vanished before dispatch", "alert_id", job.AlertID)
			return nil
		}
		return fmt.Errorf("load alert: %w", err)
	}

	sendErr := sink.Send(ctx, alert)
	d.recordOutcome(ctx, alert.ID, job.Sink, attempt, sendErr)
	if sendErr != nil {
		return fmt.Errorf("sink %s: %w", job.Sink, sendErr)
	}
	d.logger.InfoContext(ctx, "alert delivered", "alert_id", alert.ID, "sink", job.Sink)
	return nil
}

// recordOutcome updates the alert row's delivery bookkeeping. Failures here
// are logged only; the queue's own state is authoritative for retries.
func (d *AlertDispatcher) recordOutcome(ctx context.Context, alertID, sinkName string, attempt int, sendErr error) {
	status := model.AlertDeliveryDelivered
	var detail *string
	if sendErr != nil {
		status = model.AlertDeliveryFailed
		msg := sendErr.Error()
		detail = &msg
	}
	if err := d.alerts.UpdateDeliveryStatus(ctx, core.UpdateAlertDeliveryStatusParams{
		ID:       alertID,
		Sink:     sinkName,
		Status:   status,
		Detail:   detail,
		Attempts: attempt,
	}); err != nil {
		d.logger.WarnContext(ctx, "delivery status not recorded",
			"alert_id", alertID, "sink", sinkName, "error", err)
	}
}
