package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// ScanJobPayload is the payload of a scan job handed to the browser worker.
type ScanJobPayload struct {
	ScanID   string `json:"scan_id"`
	URL      string `json:"url"`
	SourceID string `json:"source_id,omitempty"`
	Script   string `json:"script,omitempty"`
	IsTest   bool   `json:"is_test,omitempty"`
}

// ScanService owns the scan lifecycle: creating the scan row paired with its
// queue job, applying state transitions, and reading logs.
type ScanService struct {
	scans   core.ScanRepository
	logs    core.ScanLogRepository
	jobs    *JobService
	sites   core.SiteRepository
	sources core.SourceRepository
	logger  *slog.Logger
}

// ScanServiceOptions configures NewScanService. Sites and Sources are only
// needed when the service launches scheduler-fired scans.
type ScanServiceOptions struct {
	Scans   core.ScanRepository
	Logs    core.ScanLogRepository
	Jobs    *JobService
	Sites   core.SiteRepository
	Sources core.SourceRepository
	Logger  *slog.Logger
}

// NewScanService creates a ScanService.
func NewScanService(opts ScanServiceOptions) *ScanService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanService{
		scans:   opts.Scans,
		logs:    opts.Logs,
		jobs:    opts.Jobs,
		sites:   opts.Sites,
		sources: opts.Sources,
		logger:  logger.With("component", "scan_service"),
	}
}

// StartScanParams describes a scan to launch.
type StartScanParams struct {
	Site   *model.Site
	Source *model.Source
	IsTest bool
	// Priority passes through to the queue; test scans typically run high.
	Priority int
	// IdempotencyKey and Metadata carry the scheduler's fire bookkeeping
	// when the scan is slot-driven rather than user-requested.
	IdempotencyKey *string
	Metadata       json.RawMessage
}

// StartScan creates the scan record and enqueues the scan job that drives it.
// The scan id is minted here so the row and the job payload agree before
// either is written.
func (s *ScanService) StartScan(ctx context.Context, params StartScanParams) (*model.Scan, *model.Job, error) {
	scan, res, err := s.start(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return scan, res.Job, nil
}

func (s *ScanService) start(ctx context.Context, params StartScanParams) (*model.Scan, *model.CreateJobResult, error) {
	if params.Site == nil {
		return nil, nil, apperrors.Validation("site is required")
	}

	scanID := uuid.NewString()
	var sourceID *string
	script := ""
	if params.Source != nil {
		sourceID = &params.Source.ID
		script = params.Source.Script
	} else if params.Site.SourceID != nil {
		sourceID = params.Site.SourceID
	}

	scan, err := s.scans.Create(ctx, core.CreateScanParams{
		ID:       scanID,
		SiteID:   &params.Site.ID,
		SourceID: sourceID,
		IsTest:   params.IsTest,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create scan: %w", err)
	}

	jobPayload := ScanJobPayload{
		ScanID: scanID,
		URL:    params.Site.URL,
		Script: script,
		IsTest: params.IsTest,
	}
	if sourceID != nil {
		jobPayload.SourceID = *sourceID
	}
	payload, err := json.Marshal(jobPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode scan payload: %w", err)
	}

	res, err := s.jobs.Enqueue(ctx, &model.CreateJobRequest{
		Type:           model.JobTypeScan,
		Payload:        payload,
		Metadata:       params.Metadata,
		Priority:       params.Priority,
		IdempotencyKey: params.IdempotencyKey,
		ScanID:         &scanID,
		SiteID:         &params.Site.ID,
		IsTest:         params.IsTest,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue scan job: %w", err)
	}

	s.logger.InfoContext(ctx, "scan started",
		"scan_id", scanID,
		"site", params.Site.Name,
		"job_id", res.Job.ID,
		"is_test", params.IsTest)
	return scan, res, nil
}

// ScheduledScanOptions carries the scheduler's fire bookkeeping into a
// slot-driven scan launch.
type ScheduledScanOptions struct {
	IdempotencyKey string
	Metadata       json.RawMessage
}

// LaunchScheduledScan starts a scan for a scheduled site slot. It reports
// false without error when the site is disabled or another replica already
// owns the slot through the idempotency key.
func (s *ScanService) LaunchScheduledScan(ctx context.Context, siteID string, opts ScheduledScanOptions) (bool, error) {
	if s.sites == nil {
		return false, apperrors.Internal("scan service has no site repository")
	}

	site, err := s.sites.GetByID(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("load site: %w", err)
	}
	if !site.Enabled {
		s.logger.InfoContext(ctx, "scheduled scan skipped, site disabled", "site", site.Name)
		return false, nil
	}

	var source *model.Source
	if site.SourceID != nil && s.sources != nil {
		source, err = s.sources.GetByID(ctx, *site.SourceID)
		if err != nil {
			return false, fmt.Errorf("load source: %w", err)
		}
	}

	key := opts.IdempotencyKey
	params := StartScanParams{
		Site:     site,
		Source:   source,
		Metadata: opts.Metadata,
	}
	if key != "" {
		params.IdempotencyKey = &key
	}
	_, res, err := s.start(ctx, params)
	if err != nil {
		return false, err
	}
	return res.Created, nil
}

// Get returns a scan by id.
func (s *ScanService) Get(ctx context.Context, id string) (*model.Scan, error) {
	return s.scans.GetByID(ctx, id)
}

// Transition applies a state change. Replayed or out-of-order transitions are
// suppressed and reported as applied=false.
func (s *ScanService) Transition(ctx context.Context, scanID string, to model.ScanState) (bool, error) {
	if to.Rank() < 0 {
		return false, apperrors.Validation("invalid scan state")
	}
	applied, err := s.scans.Transition(ctx, scanID, to)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.DebugContext(ctx, "scan transition suppressed", "scan_id", scanID, "to", to)
	}
	return applied, nil
}

// Logs lists scan log entries for a scan.
func (s *ScanService) Logs(ctx context.Context, opts core.ScanLogListOptions) ([]*model.ScanLog, error) {
	if opts.ScanID == "" {
		return nil, apperrors.Validation("scan_id is required")
	}
	return s.logs.ListByScan(ctx, opts)
}
