// Command scan-runner registers a throwaway source and site for a URL, starts
// a one-shot scan, and blocks until the scan finishes. Exit status is 0 when
// the scan completes and 1 on scan error or timeout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/target/merrymaker/internal/bootstrap"
	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/data"
	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/service"
)

type options struct {
	url     string
	name    string
	timeout time.Duration
	poll    time.Duration
}

func main() {
	logger := bootstrap.InitLogger()
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2) //nolint:forbidigo // CLI exits with usage status on bad arguments.
	}

	if err := run(context.Background(), opts, logger); err != nil {
		logger.Error("scan failed", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI reports scan failure through the exit status.
	}
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("scan-runner", flag.ContinueOnError)
	name := fs.String("name", "", "site and source name (default scan-runner-<timestamp>)")
	timeout := fs.Duration("timeout", 10*time.Minute, "how long to wait for the scan to finish")
	poll := fs.Duration("poll", 2*time.Second, "scan status poll interval")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		return options{}, errors.New("usage: scan-runner [flags] <url>")
	}
	opts := options{
		url:     fs.Arg(0),
		name:    *name,
		timeout: *timeout,
		poll:    *poll,
	}
	if opts.name == "" {
		opts.name = fmt.Sprintf("scan-runner-%d", time.Now().Unix())
	}
	return opts, nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	db, err := bootstrap.ConnectDB(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("close database failed", "error", cerr)
		}
	}()

	clock := data.RealTimeProvider{}
	sources := data.NewSourceRepo(db)
	sites := data.NewSiteRepo(db)
	jobs := service.NewJobService(service.JobServiceOptions{
		Jobs:   data.NewJobRepo(db, data.JobRepoConfig{Logger: logger, TimeProvider: clock}),
		Logger: logger,
	})
	scans := service.NewScanService(service.ScanServiceOptions{
		Scans:  data.NewScanRepo(db, clock),
		Logs:   data.NewScanLogRepo(db, clock),
		Jobs:   jobs,
		Logger: logger,
	})

	source, err := sources.Create(ctx, &model.CreateSourceRequest{
		Name:   opts.name,
		Script: fmt.Sprintf("await page.goto(%q, { waitUntil: 'networkidle2' });", opts.url),
		IsTest: true,
	})
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	site, err := sites.Create(ctx, &model.CreateSiteRequest{
		Name:     opts.name,
		URL:      opts.url,
		SourceID: &source.ID,
		Interval: 24 * time.Hour,
		Enabled:  false,
	})
	if err != nil {
		return fmt.Errorf("create site: %w", err)
	}

	scan, job, err := scans.StartScan(ctx, service.StartScanParams{
		Site:   site,
		Source: source,
		IsTest: true,
	})
	if err != nil {
		return err
	}
	logger.Info("scan started", "scan_id", scan.ID, "job_id", job.ID, "url", opts.url)

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return waitForScan(waitCtx, scans, scan.ID, opts.poll, logger)
}

// waitForScan polls the scan until it reaches a terminal state, streaming
// new log entries as they land.
func waitForScan(
	ctx context.Context,
	scans *service.ScanService,
	scanID string,
	poll time.Duration,
	logger *slog.Logger,
) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	offset := 0
	for {
		offset += printNewLogs(ctx, scans, scanID, offset, logger)

		scan, err := scans.Get(ctx, scanID)
		if err != nil {
			return fmt.Errorf("poll scan: %w", err)
		}
		switch scan.State {
		case model.ScanStateDone:
			logger.Info("scan completed", "scan_id", scanID)
			return nil
		case model.ScanStateErrored:
			return fmt.Errorf("scan %s errored", scanID)
		case model.ScanStateQueued, model.ScanStateActive:
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for scan %s", scanID)
		case <-ticker.C:
		}
	}
}

func printNewLogs(
	ctx context.Context,
	scans *service.ScanService,
	scanID string,
	offset int,
	logger *slog.Logger,
) int {
	entries, err := scans.Logs(ctx, core.ScanLogListOptions{
		ScanID: scanID,
		Limit:  100,
		Offset: offset,
	})
	if err != nil {
		logger.Warn("fetch scan logs failed", "error", err)
		return 0
	}
	for _, entry := range entries {
		logger.Info("scan log",
			"entry", entry.Entry,
			"level", entry.Level,
			"event", string(entry.Event))
	}
	return len(entries)
}
