package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service/rules"
)

type scriptedRule struct {
	name   string
	alerts []rules.RuleAlert
	err    error
}

func (r *scriptedRule) Name() string { return r.name }
func (r *scriptedRule) EventTypes() []model.ScanEventType {
	return []model.ScanEventType{model.ScanEventWebRequest}
}
func (r *scriptedRule) Process(_ context.Context, _ *model.ScanEvent) ([]rules.RuleAlert, error) {
	return r.alerts, r.err
}

type ruleWorkerEnv struct {
	worker *RuleWorker
	alerts *fakeAlertRepo
	logs   *fakeScanLogRepo
	jobs   *fakeJobRepo
}

func newRuleWorkerEnv(t *testing.T, sinks []string, ruleSet ...rules.Rule) *ruleWorkerEnv {
	t.Helper()
	engine := rules.NewEngine()
	for _, r := range ruleSet {
		require.NoError(t, engine.Register(r))
	}
	alerts := newFakeAlertRepo()
	logs := &fakeScanLogRepo{}
	jobs := newFakeJobRepo()
	return &ruleWorkerEnv{
		worker: NewRuleWorker(RuleWorkerOptions{
			Engine:    engine,
			Alerts:    alerts,
			Logs:      logs,
			Jobs:      NewJobService(JobServiceOptions{Jobs: jobs}),
			SinkNames: sinks,
		}),
		alerts: alerts,
		logs:   logs,
		jobs:   jobs,
	}
}

func ruleJob(t *testing.T, ruleName string, event model.ScanEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(RuleJobPayload{RuleName: ruleName, Event: event})
	require.NoError(t, err)
	return payload
}

func TestRuleWorker_RoutesAlerts(t *testing.T) {
	env := newRuleWorkerEnv(t, []string{"http", "kafka"}, &scriptedRule{
		name: "rule-a",
		alerts: []rules.RuleAlert{{
			Rule: "rule-a", Message: "bad host", Level: "error",
		}},
	})
	event := model.ScanEvent{ScanID: "s1", Type: model.ScanEventWebRequest, Payload: json.RawMessage(`{}`)}

	err := env.worker.Handle(context.Background(), ruleJob(t, "rule-a", event))
	require.NoError(t, err)

	require.Len(t, env.alerts.alerts, 1)

	require.Len(t, env.logs.inserted, 1)
	assert.Equal(t, model.ScanLogRuleAlert, env.logs.inserted[0].Entry)
	assert.Equal(t, "error", env.logs.inserted[0].Level)

	alertJobs := env.jobs.jobsOfType(model.JobTypeAlert)
	require.Len(t, alertJobs, 2, "one dispatch job per sink")
	var payload AlertJobPayload
	require.NoError(t, json.Unmarshal(alertJobs[0].Payload, &payload))
	assert.NotEmpty(t, payload.AlertID)
	require.NotNil(t, alertJobs[0].IdempotencyKey)
}

func TestRuleWorker_TestScansSkipDispatch(t *testing.T) {
	env := newRuleWorkerEnv(t, []string{"http"}, &scriptedRule{
		name:   "rule-a",
		alerts: []rules.RuleAlert{{Rule: "rule-a", Message: "bad host", Level: "error"}},
	})
	event := model.ScanEvent{ScanID: "s1", Test: true, Type: model.ScanEventWebRequest, Payload: json.RawMessage(`{}`)}

	err := env.worker.Handle(context.Background(), ruleJob(t, "rule-a", event))
	require.NoError(t, err)

	assert.Len(t, env.alerts.alerts, 1, "test alerts are still persisted")
	assert.Len(t, env.logs.inserted, 1)
	assert.Empty(t, env.jobs.jobsOfType(model.JobTypeAlert))
}

func TestRuleWorker_RuleErrorBecomesLogEntry(t *testing.T) {
	env := newRuleWorkerEnv(t, nil, &scriptedRule{
		name: "rule-a",
		err:  errors.New("upstream timeout"),
	})
	event := model.ScanEvent{ScanID: "s1", Type: model.ScanEventWebRequest, Payload: json.RawMessage(`{}`)}

	err := env.worker.Handle(context.Background(), ruleJob(t, "rule-a", event))
	require.NoError(t, err, "rule failures never fail the pipeline")

	require.Len(t, env.logs.inserted, 1)
	assert.Equal(t, "error", env.logs.inserted[0].Level)
	assert.Empty(t, env.alerts.alerts)
}

func TestRuleWorker_MalformedPayloadIsFatal(t *testing.T) {
	env := newRuleWorkerEnv(t, nil)

	err := env.worker.Handle(context.Background(), []byte("{nope"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRuleWorker_NoAlertsNoSideEffects(t *testing.T) {
	env := newRuleWorkerEnv(t, []string{"http"}, &scriptedRule{name: "rule-a"})
	event := model.ScanEvent{ScanID: "s1", Type: model.ScanEventWebRequest, Payload: json.RawMessage(`{}`)}

	err := env.worker.Handle(context.Background(), ruleJob(t, "rule-a", event))
	require.NoError(t, err)
	assert.Empty(t, env.alerts.alerts)
	assert.Empty(t, env.logs.inserted)
	assert.Empty(t, env.jobs.created())
}
