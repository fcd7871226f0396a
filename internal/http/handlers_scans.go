package httpx

import (
	"net/http"
	"strconv"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service"
)

// ScanHandlers exposes scan lifecycle endpoints.
type ScanHandlers struct {
	Scans   *service.ScanService
	Sites   core.SiteRepository
	Sources core.SourceRepository
}

type startScanRequest struct {
	SiteID   string `json:"site_id"`
	SourceID string `json:"source_id,omitempty"`
	IsTest   bool   `json:"is_test,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type startScanResponse struct {
	Scan  *model.Scan `json:"scan"`
	JobID string      `json:"job_id"`
}

// Start launches a scan for a registered site.
func (h *ScanHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.SiteID == "" {
		RenderError(w, apperrors.ValidationField("site_id", "site_id is required"))
		return
	}

	site, err := h.Sites.GetByID(r.Context(), req.SiteID)
	if err != nil {
		RenderError(w, err)
		return
	}
	var source *model.Source
	if req.SourceID != "" {
		if source, err = h.Sources.GetByID(r.Context(), req.SourceID); err != nil {
			RenderError(w, err)
			return
		}
	}

	scan, job, err := h.Scans.StartScan(r.Context(), service.StartScanParams{
		Site:     site,
		Source:   source,
		IsTest:   req.IsTest,
		Priority: req.Priority,
	})
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, startScanResponse{Scan: scan, JobID: job.ID})
}

// Get returns one scan.
func (h *ScanHandlers) Get(w http.ResponseWriter, r *http.Request) {
	scan, err := h.Scans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, scan)
}

// Logs lists scan log entries, newest batch first per repository ordering.
func (h *ScanHandlers) Logs(w http.ResponseWriter, r *http.Request) {
	opts := core.ScanLogListOptions{
		ScanID: r.PathValue("id"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if entry := r.URL.Query().Get("entry"); entry != "" {
		e := model.ScanLogEntry(entry)
		opts.Entry = &e
	}

	logs, err := h.Scans.Logs(r.Context(), opts)
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
