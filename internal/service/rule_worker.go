package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service/rules"
)

// AlertJobPayload is the payload of an alert job: one alert through one sink.
type AlertJobPayload struct {
	AlertID string `json:"alert_id"`
	Sink    string `json:"sink"`
}

// RuleWorker executes rules jobs. It resolves the rule from the engine, runs
// it against the event, and routes any findings into alert rows, rule-alert
// scan logs, and per-sink alert jobs.
type RuleWorker struct {
	engine    *rules.Engine
	alerts    core.AlertRepository
	logs      core.ScanLogRepository
	jobs      *JobService
	logger    *slog.Logger
	sinkNames []string
}

// RuleWorkerOptions configures NewRuleWorker.
type RuleWorkerOptions struct {
	Engine *rules.Engine
	Alerts core.AlertRepository
	Logs   core.ScanLogRepository
	Jobs   *JobService
	Logger *slog.Logger

	// SinkNames are the enabled alert sinks; one alert job is enqueued per
	// (alert, sink) pair.
	SinkNames []string
}

// NewRuleWorker creates a RuleWorker.
func NewRuleWorker(opts RuleWorkerOptions) *RuleWorker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleWorker{
		engine:    opts.Engine,
		alerts:    opts.Alerts,
		logs:      opts.Logs,
		jobs:      opts.Jobs,
		logger:    logger.With("component", "rule_worker"),
		sinkNames: opts.SinkNames,
	}
}

// Handle runs one rules job. Rule evaluation errors never fail the scan
// pipeline; they become an error-level scan log entry and the job completes.
func (w *RuleWorker) Handle(ctx context.Context, payload []byte) error {
	var job RuleJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return apperrors.Validation("malformed rule job payload")
	}
	if job.RuleName == "" {
		return apperrors.Validation("rule_name is required")
	}

	alerts, err := w.engine.Evaluate(ctx, job.RuleName, &job.Event)
	if err != nil {
		w.logger.ErrorContext(ctx, "rule evaluation failed",
			"rule", job.RuleName, "scan_id", job.Event.ScanID, "error", err)
		w.recordRuleError(ctx, job.RuleName, job.Event.ScanID, err)
		return nil
	}

	for _, alert := range alerts {
		if err := w.routeAlert(ctx, &job.Event, alert); err != nil {
			return err
		}
	}
	return nil
}

// routeAlert persists the finding, mirrors it into the scan log, and fans it
// out to one alert job per enabled sink. Test scans log but do not dispatch.
func (w *RuleWorker) routeAlert(ctx context.Context, event *model.ScanEvent, finding rules.RuleAlert) error {
	created, err := w.alerts.Create(ctx, &model.CreateAlertRequest{
		Rule:    finding.Rule,
		ScanID:  event.ScanID,
		Message: finding.Message,
		Context: contextWithLevel(finding),
	})
	if err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}

	logEvent, err := json.Marshal(map[string]any{
		"rule":     finding.Rule,
		"message":  finding.Message,
		"alert_id": created.ID,
	})
	if err != nil {
		return fmt.Errorf("encode rule-alert log: %w", err)
	}
	if _, err := w.logs.BulkInsert(ctx, []*model.CreateScanLogRequest{{
		ScanID: event.ScanID,
		Entry:  model.ScanLogRuleAlert,
		Level:  finding.Level,
		Event:  logEvent,
	}}); err != nil {
		return fmt.Errorf("insert rule-alert log: %w", err)
	}

	if event.Test {
		w.logger.InfoContext(ctx, "test scan alert, dispatch skipped",
			"rule", finding.Rule, "scan_id", event.ScanID)
		return nil
	}

	for _, sink := range w.sinkNames {
		payload, err := json.Marshal(AlertJobPayload{AlertID: created.ID, Sink: sink})
		if err != nil {
			return fmt.Errorf("encode alert job: %w", err)
		}
		dedupe := created.ID + ":" + sink
		if _, err := w.jobs.Enqueue(ctx, &model.CreateJobRequest{
			Type:           model.JobTypeAlert,
			Payload:        payload,
			IdempotencyKey: &dedupe,
			ScanID:         &event.ScanID,
		}); err != nil {
			return fmt.Errorf("enqueue alert job for %s: %w", sink, err)
		}
	}
	return nil
}

// contextWithLevel folds the finding's severity into its context JSON so
// downstream sinks can recover it from the persisted alert.
func contextWithLevel(finding rules.RuleAlert) json.RawMessage {
	fields := map[string]any{}
	if len(finding.Context) > 0 {
		if err := json.Unmarshal(finding.Context, &fields); err != nil {
			return finding.Context
		}
	}
	fields["level"] = finding.Level
	merged, err := json.Marshal(fields)
	if err != nil {
		return finding.Context
	}
	return merged
}

func (w *RuleWorker) recordRuleError(ctx context.Context, rule, scanID string, ruleErr error) {
	logEvent, err := json.Marshal(map[string]string{
		"rule":  rule,
		"error": ruleErr.Error(),
	})
	if err != nil {
		return
	}
	if _, err := w.logs.BulkInsert(ctx, []*model.CreateScanLogRequest{{
		ScanID: scanID,
		Entry:  model.ScanLogRuleAlert,
		Level:  "error",
		Event:  logEvent,
	}}); err != nil {
		w.logger.WarnContext(ctx, "rule error log not recorded", "rule", rule, "error", err)
	}
}
