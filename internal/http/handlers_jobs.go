package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service"
)

// JobHandlers exposes read and admin endpoints over the job queue.
type JobHandlers struct {
	Jobs *service.JobService
}

// Get returns one job by id.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Result returns the latest result payload for a job.
func (h *JobHandlers) Result(w http.ResponseWriter, r *http.Request) {
	result, err := h.Jobs.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// Stats returns queue depth counters for a job type.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Jobs.Stats(r.Context(), model.JobType(r.PathValue("type")))
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Cancel deletes a pending job. Active jobs stay with their lease holder.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		RenderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// longPollFloor bounds how long a waiting reservation sleeps between retries
// when a wakeup is missed.
const longPollFloor = time.Second

// ReserveNext leases the next available job of a type to a remote worker.
// `lease` and `wait` are in seconds; a positive `wait` long-polls until a job
// arrives or the window closes. Responds 204 when nothing is available.
func (h *JobHandlers) ReserveNext(w http.ResponseWriter, r *http.Request) {
	worker := r.URL.Query().Get("worker")
	lease, err := intQueryParam(r, "lease", 0)
	if err != nil {
		RenderError(w, err)
		return
	}
	wait, err := intQueryParam(r, "wait", 0)
	if err != nil {
		RenderError(w, err)
		return
	}

	params := core.ReserveNextParams{
		JobType:      model.JobType(r.PathValue("type")),
		WorkerID:     worker,
		LeaseSeconds: lease,
	}
	job, err := h.Jobs.Reserve(r.Context(), params)
	if err == nil {
		WriteJSON(w, http.StatusOK, job)
		return
	}
	if !errors.Is(err, model.ErrNoJobsAvailable) {
		RenderError(w, err)
		return
	}
	if wait <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.longPoll(w, r, params, time.Duration(wait)*time.Second)
}

// longPoll re-reserves on availability wakeups until the wait window closes.
// Wakeups are hints, so a ticker keeps the poll alive when one is missed.
func (h *JobHandlers) longPoll(w http.ResponseWriter, r *http.Request, params core.ReserveNextParams, window time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), window)
	defer cancel()

	unsubscribe, wake := h.Jobs.Subscribe(params.JobType)
	defer unsubscribe()

	ticker := time.NewTicker(longPollFloor)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-wake:
		case <-ticker.C:
		}

		job, err := h.Jobs.Reserve(ctx, params)
		if err == nil {
			WriteJSON(w, http.StatusOK, job)
			return
		}
		if !errors.Is(err, model.ErrNoJobsAvailable) {
			if ctx.Err() != nil {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			RenderError(w, err)
			return
		}
	}
}

// Heartbeat renews a worker's lease on an active job. `extend` is the new
// lease window in seconds.
func (h *JobHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	extend, err := intQueryParam(r, "extend", 0)
	if err != nil {
		RenderError(w, err)
		return
	}
	err = h.Jobs.Heartbeat(r.Context(), core.HeartbeatParams{
		JobID:        r.PathValue("id"),
		WorkerID:     r.URL.Query().Get("worker"),
		LeaseSeconds: extend,
	})
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Complete settles a leased job as finished. An optional body carries the
// result payload to persist.
func (h *JobHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if r.ContentLength != 0 {
		if !DecodeJSON(w, r, &body) {
			return
		}
	}
	err := h.Jobs.Complete(r.Context(), core.CompleteJobParams{
		JobID:    r.PathValue("id"),
		WorkerID: r.URL.Query().Get("worker"),
		Result:   body.Result,
	})
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Fail settles a leased job as failed. Retry defaults to true; the store
// decides backoff and terminality from the attempt counters.
func (h *JobHandlers) Fail(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Error string `json:"error"`
		Retry *bool  `json:"retry"`
	}{}
	if r.ContentLength != 0 {
		if !DecodeJSON(w, r, &body) {
			return
		}
	}
	retry := true
	if body.Retry != nil {
		retry = *body.Retry
	}
	job, err := h.Jobs.Fail(r.Context(), core.FailJobParams{
		JobID:    r.PathValue("id"),
		WorkerID: r.URL.Query().Get("worker"),
		Reason:   body.Error,
		Retry:    retry,
	})
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func intQueryParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.ValidationField(name, "must be an integer")
	}
	return v, nil
}
