package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/service"
)

// EventHandlers exposes the transport ingest endpoint used by the browser
// workers to push scan events.
type EventHandlers struct {
	Pipeline *service.EventPipeline
	Logger   *slog.Logger
}

// ingestResponse mirrors service.IngestResult on the wire.
type ingestResponse struct {
	Accepted    int `json:"accepted"`
	Dropped     int `json:"dropped"`
	RuleJobs    int `json:"rule_jobs"`
	Transitions int `json:"transitions"`
}

// BulkInsert accepts a JSON array of scan events and feeds them through the
// event pipeline. Unknown event types are dropped server-side and reported in
// the response counters, never as request failures.
func (h *EventHandlers) BulkInsert(w http.ResponseWriter, r *http.Request) {
	var events []*model.ScanEvent
	if !DecodeJSON(w, r, &events) {
		return
	}
	if len(events) == 0 {
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "empty event batch"})
		return
	}

	res, err := h.Pipeline.Ingest(r.Context(), events)
	if err != nil {
		if h.Logger != nil {
			h.Logger.ErrorContext(r.Context(), "event ingest failed", "error", err)
		}
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, ingestResponse{
		Accepted:    res.Accepted,
		Dropped:     res.Dropped,
		RuleJobs:    res.RuleJobs,
		Transitions: res.Transitions,
	})
}
