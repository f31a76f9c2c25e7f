package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/crawler"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/fetch"
	"github.com/harvest-crawler/harvest/internal/ingest"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// SourceGeography is the staged gazetteer pipeline: countries, regions,
// cities, boundaries.
const SourceGeography = "geography"

// StartIngestion runs a staged ingestion pipeline as a job. Without
// force, a pipeline whose every in-depth source already has a completed
// run fails fast with PreconditionFailed; with force, every source is
// re-fetched and upserted idempotently.
func (e *Engine) StartIngestion(ctx context.Context, source string, force bool) (int64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if source != SourceGeography {
		return 0, errkind.Newf(errkind.InvalidInput, "unknown ingestion source %q", source)
	}
	stages := ingest.GeographyStages()
	force = force || e.cfg.Ingestion.Force

	e.startMu.Lock()
	defer e.startMu.Unlock()
	if err := e.gateActiveJobs(); err != nil {
		return 0, err
	}

	if !force {
		fresh, err := e.pendingSources(stages)
		if err != nil {
			return 0, err
		}
		if !fresh {
			return 0, errkind.New(errkind.PreconditionFailed,
				"geography sources already ingested; re-run with force")
		}
	}

	opts := config.NewCrawlOptions(e.cfg, ingest.DefaultCountriesURL, config.CrawlGeography)
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err, "encode ingestion options")
	}
	seedID, err := e.urls.Intern(opts.Seed)
	if err != nil {
		return 0, err
	}
	jobID, err := e.store.CreateJob(seedID, string(config.CrawlGeography), string(optsJSON))
	if err != nil {
		return 0, err
	}

	fetcher := fetch.NewFetcher(e.cfg, e.logger)
	coord, err := ingest.NewCoordinator(ingest.Config{
		JobID:    jobID,
		MaxDepth: e.cfg.MaxDepth,
		Force:    force,
		Store:    e.store,
		Resolver: e.resolver,
		Fetch:    ingest.CachedFetch(e.cache, fetcher.FetchBytes, e.logger),
		Bus:      e.bus,
		Logger:   e.logger,
	}, stages...)
	if err != nil {
		fetcher.Close()
		e.failJob(jobID, err)
		return 0, err
	}

	if err := e.store.SetJobStatus(jobID, storage.JobRunning); err != nil {
		fetcher.Close()
		return 0, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ac := &activeCrawl{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[jobID] = ac
	e.mu.Unlock()

	e.wg.Add(1)
	go e.superviseIngestion(jobCtx, jobID, ac, coord, fetcher)
	return jobID, nil
}

// pendingSources reports whether any in-depth source still lacks a
// completed run.
func (e *Engine) pendingSources(stages []ingest.Stage) (bool, error) {
	for _, st := range stages {
		if st.CrawlDepth > e.cfg.MaxDepth {
			continue
		}
		for _, ing := range st.Ingestors {
			source, version := ing.Source()
			done, err := e.store.HasCompletedRun(source, version)
			if err != nil {
				return false, err
			}
			if !done {
				return true, nil
			}
		}
	}
	return false, nil
}

// superviseIngestion runs the coordinator and settles the job row. The
// coordinator publishes its own problems; this only maps the outcome to
// a job status.
func (e *Engine) superviseIngestion(ctx context.Context, jobID int64, ac *activeCrawl, coord *ingest.Coordinator, fetcher *fetch.Fetcher) {
	defer e.wg.Done()
	defer close(ac.done)
	defer ac.cancel()
	defer fetcher.Close()

	sum, err := coord.Run(ctx)

	status, reason := storage.JobCompleted, "ingestion-complete"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status, reason = storage.JobCancelled, crawler.EndStopped
	default:
		status, reason = storage.JobFailed, string(errkind.Of(err))
	}
	if serr := e.store.SetJobStatus(jobID, status); serr != nil {
		e.logger.Warn("job status write failed", zap.Int64("job_id", jobID), zap.Error(serr))
	}
	if serr := e.store.SetJobEndReason(jobID, reason); serr != nil {
		e.logger.Warn("job end reason write failed", zap.Int64("job_id", jobID), zap.Error(serr))
	}
	e.logger.Info("ingestion finished",
		zap.Int64("job_id", jobID),
		zap.String("status", status),
		zap.Int("written", sum.Written),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped))

	e.mu.Lock()
	if e.active[jobID] == ac {
		delete(e.active, jobID)
	}
	e.mu.Unlock()
}
