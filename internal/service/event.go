package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/observability/statsd"
	"github.com/target/merrymaker/internal/service/rules"
)

// RuleJobPayload is the payload of a rules job: one rule applied to one event.
type RuleJobPayload struct {
	RuleName string          `json:"rule_name"`
	Event    model.ScanEvent `json:"event"`
}

// EventPipeline turns batches of browser-level scan events into scan logs,
// per-rule evaluation jobs, and scan state transitions.
type EventPipeline struct {
	logs   core.ScanLogRepository
	jobs   *JobService
	scans  *ScanService
	engine *rules.Engine
	logger *slog.Logger
	sink   statsd.Sink
}

// EventPipelineOptions configures NewEventPipeline.
type EventPipelineOptions struct {
	Logs   core.ScanLogRepository
	Jobs   *JobService
	Scans  *ScanService
	Engine *rules.Engine
	Logger *slog.Logger
	Sink   statsd.Sink
}

// NewEventPipeline creates an EventPipeline.
func NewEventPipeline(opts EventPipelineOptions) *EventPipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPipeline{
		logs:   opts.Logs,
		jobs:   opts.Jobs,
		scans:  opts.Scans,
		engine: opts.Engine,
		logger: logger.With("component", "event_pipeline"),
		sink:   opts.Sink,
	}
}

// IngestResult summarizes one batch.
type IngestResult struct {
	Accepted    int
	Dropped     int
	RuleJobs    int
	Transitions int
}

// Ingest processes a batch of scan events. Unknown event types are dropped
// with a metric; they never fail the batch. Log persistence happens as one
// batched insert before any rule fan-out, so a crash mid-batch loses rule
// jobs but never log entries for accepted events.
func (p *EventPipeline) Ingest(ctx context.Context, events []*model.ScanEvent) (IngestResult, error) {
	var res IngestResult
	accepted := make([]*model.ScanEvent, 0, len(events))
	logReqs := make([]*model.CreateScanLogRequest, 0, len(events))

	for _, event := range events {
		if err := event.Validate(); err != nil {
			res.Dropped++
			p.emitDrop("invalid")
			p.logger.WarnContext(ctx, "event dropped", "reason", err)
			continue
		}
		if !event.Type.Known() {
			res.Dropped++
			p.emitDrop("unknown-event")
			p.logger.WarnContext(ctx, "unknown event type dropped",
				"type", event.Type, "scan_id", event.ScanID)
			continue
		}
		accepted = append(accepted, event)
		logReqs = append(logReqs, &model.CreateScanLogRequest{
			ScanID: event.ScanID,
			Entry:  model.EntryForEventType(event.Type),
			Level:  levelForEvent(event.Type),
			Event:  event.Payload,
		})
	}
	res.Accepted = len(accepted)
	if len(accepted) == 0 {
		return res, nil
	}

	if _, err := p.logs.BulkInsert(ctx, logReqs); err != nil {
		return res, fmt.Errorf("insert scan logs: %w", err)
	}

	for _, event := range accepted {
		n, err := p.enqueueRuleJobs(ctx, event)
		if err != nil {
			return res, err
		}
		res.RuleJobs += n

		switch event.Type {
		case model.ScanEventComplete:
			if err := p.transition(ctx, event.ScanID, model.ScanStateDone); err != nil {
				return res, err
			}
			res.Transitions++
		case model.ScanEventError:
			if err := p.transition(ctx, event.ScanID, model.ScanStateErrored); err != nil {
				return res, err
			}
			res.Transitions++
		}
	}
	return res, nil
}

// enqueueRuleJobs fans the event out to one job per interested rule. Events
// nobody subscribes to are dropped silently; the log entry already exists.
func (p *EventPipeline) enqueueRuleJobs(ctx context.Context, event *model.ScanEvent) (int, error) {
	if p.engine == nil {
		return 0, nil
	}
	interested := p.engine.RulesFor(event.Type)
	enqueued := 0
	for _, rule := range interested {
		payload, err := json.Marshal(RuleJobPayload{RuleName: rule.Name(), Event: *event})
		if err != nil {
			return enqueued, fmt.Errorf("encode rule job: %w", err)
		}
		_, err = p.jobs.Enqueue(ctx, &model.CreateJobRequest{
			Type:    model.JobTypeRules,
			Payload: payload,
			ScanID:  &event.ScanID,
			IsTest:  event.Test,
		})
		if err != nil {
			return enqueued, fmt.Errorf("enqueue rule job %s: %w", rule.Name(), err)
		}
		enqueued++
	}
	return enqueued, nil
}

func (p *EventPipeline) transition(ctx context.Context, scanID string, to model.ScanState) error {
	if p.scans == nil {
		return nil
	}
	if _, err := p.scans.Transition(ctx, scanID, to); err != nil {
		return fmt.Errorf("scan transition to %s: %w", to, err)
	}
	return nil
}

func (p *EventPipeline) emitDrop(reason string) {
	if p.sink == nil {
		return
	}
	p.sink.Count("events.dropped", 1, map[string]string{"reason": reason})
}

func levelForEvent(t model.ScanEventType) string {
	if t == model.ScanEventError {
		return "error"
	}
	return "info"
}
