package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/service"
)

type memoryScanLogRepo struct {
	inserted []*model.CreateScanLogRequest
}

func (r *memoryScanLogRepo) BulkInsert(_ context.Context, reqs []*model.CreateScanLogRequest) (int, error) {
	r.inserted = append(r.inserted, reqs...)
	return len(reqs), nil
}

func (r *memoryScanLogRepo) ListByScan(context.Context, core.ScanLogListOptions) ([]*model.ScanLog, error) {
	return nil, nil
}

func (r *memoryScanLogRepo) DeleteOlderThan(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

func newEventHandler(logs *memoryScanLogRepo) *EventHandlers {
	pipeline := service.NewEventPipeline(service.EventPipelineOptions{Logs: logs})
	return &EventHandlers{Pipeline: pipeline}
}

func postEvents(h *EventHandlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.BulkInsert(rec, req)
	return rec
}

func TestEventHandlers_BulkInsert(t *testing.T) {
	logs := &memoryScanLogRepo{}
	h := newEventHandler(logs)

	body := `[
		{"scan_id":"s1","type":"web-request","payload":{"url":"https://shop.example/checkout"}},
		{"scan_id":"s1","type":"console","payload":{"message":"loaded"}}
	]`
	rec := postEvents(h, body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 0, resp.Dropped)
	assert.Len(t, logs.inserted, 2)
}

func TestEventHandlers_UnknownTypesCountedNotRejected(t *testing.T) {
	logs := &memoryScanLogRepo{}
	h := newEventHandler(logs)

	body := `[
		{"scan_id":"s1","type":"web-request","payload":{"url":"https://shop.example"}},
		{"scan_id":"s1","type":"telemetry-v2","payload":{}}
	]`
	rec := postEvents(h, body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Dropped)
	assert.Len(t, logs.inserted, 1)
}

func TestEventHandlers_RejectsMalformedBody(t *testing.T) {
	rec := postEvents(newEventHandler(&memoryScanLogRepo{}), `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventHandlers_RejectsEmptyBatch(t *testing.T) {
	rec := postEvents(newEventHandler(&memoryScanLogRepo{}), `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
