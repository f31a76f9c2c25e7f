package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/crawler"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// StartCrawl creates and starts a job without a preview session. An
// intelligent crawl still runs the strategic search inline; it only
// skips the preview/confirm exchange. Geography delegates to staged
// ingestion.
func (e *Engine) StartCrawl(ctx context.Context, opts *config.CrawlOptions) (int64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if opts == nil {
		return 0, errkind.New(errkind.InvalidInput, "crawl options are required")
	}
	if opts.CrawlType == config.CrawlGeography {
		return e.StartIngestion(ctx, SourceGeography, e.cfg.Ingestion.Force)
	}
	if err := opts.Validate(); err != nil {
		return 0, errkind.Wrap(errkind.InvalidInput, err, "crawl options")
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()
	if err := e.gateActiveJobs(); err != nil {
		return 0, err
	}

	var bp *planner.Blueprint
	if opts.PlannerEnabled {
		state, err := e.initialPlanState(opts)
		if err != nil {
			return 0, err
		}
		bp, err = e.planner.Strategic(ctx, state)
		if err != nil {
			return 0, err
		}
	}
	return e.launchCrawl(ctx, opts, bp)
}

// launchCrawl persists the job row, attaches the plan when there is
// one, starts the controller, and hands the burst to a supervisor
// goroutine. Callers hold startMu.
func (e *Engine) launchCrawl(ctx context.Context, opts *config.CrawlOptions, bp *planner.Blueprint) (int64, error) {
	if err := opts.CompilePatterns(); err != nil {
		return 0, errkind.Wrap(errkind.InvalidInput, err, "crawl options")
	}

	seedID, err := e.urls.Intern(opts.Seed)
	if err != nil {
		return 0, errkind.Wrapf(errkind.InvalidInput, err, "seed %q", opts.Seed)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err, "encode crawl options")
	}
	jobID, err := e.store.CreateJob(seedID, string(opts.CrawlType), string(optsJSON))
	if err != nil {
		return 0, err
	}

	var planID int64
	if bp != nil {
		planID, err = e.planner.Persist(bp, e.store, e.urls.Intern)
		if err != nil {
			e.failJob(jobID, err)
			return 0, err
		}
		if err := e.store.AttachPlan(jobID, planID); err != nil {
			e.failJob(jobID, err)
			return 0, err
		}
	}

	ctrl, err := crawler.New(crawler.Config{
		JobID:     jobID,
		Options:   opts,
		Process:   e.cfg,
		Store:     e.store,
		URLs:      e.urls,
		Cache:     e.cache,
		Gazetteer: e.gaz,
		Topics:    e.topics,
		Planner:   e.planner,
		Bus:       e.bus,
		Logger:    e.logger,
	})
	if err != nil {
		e.failJob(jobID, err)
		return 0, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := ctrl.Start(jobCtx); err != nil {
		cancel()
		ctrl.CloseTransport()
		e.failJob(jobID, err)
		return 0, err
	}

	ac := &activeCrawl{ctrl: ctrl, cancel: cancel, planID: planID, done: make(chan struct{})}
	e.mu.Lock()
	e.active[jobID] = ac
	e.mu.Unlock()

	e.wg.Add(1)
	go e.superviseCrawl(jobCtx, jobID, ac)
	return jobID, nil
}

func (e *Engine) failJob(jobID int64, cause error) {
	if err := e.store.SetJobStatus(jobID, storage.JobFailed); err != nil {
		e.logger.Warn("job status write failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
	e.bus.Publish(telemetry.Problem(jobID, telemetry.SeverityError,
		string(errkind.Of(cause)), cause.Error(), 0))
}

// superviseCrawl drives one burst of a job: the optional plan walk,
// then the wait for the pool to settle. A paused burst parks the entry
// so a resume can pick the controller back up; a terminal one cleans it
// out of the active set.
func (e *Engine) superviseCrawl(ctx context.Context, jobID int64, ac *activeCrawl) {
	defer e.wg.Done()
	defer close(ac.done)
	defer ac.cancel()

	if ac.planID != 0 {
		report, err := e.executor.Execute(ctx, jobID, ac.planID, ac.ctrl, ac.ctrl.PlanState)
		switch {
		case err != nil:
			e.logger.Warn("plan execution error", zap.Int64("job_id", jobID), zap.Error(err))
		case !report.Completed():
			e.logger.Info("plan abandoned",
				zap.Int64("job_id", jobID),
				zap.String("reason", report.FailureReason),
				zap.Int("steps_completed", report.StepsCompleted))
		}
	}

	status, err := ac.ctrl.Wait()
	if err != nil {
		e.logger.Warn("crawl settle failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
	if status == storage.JobPaused {
		return
	}

	e.mu.Lock()
	if e.active[jobID] == ac {
		delete(e.active, jobID)
	}
	e.mu.Unlock()
}

// PauseCrawl drains the job's worker pool and parks the controller.
// The pending set stays persisted. An in-flight plan walk is abandoned
// at its next step; the resumed crawl continues organically.
func (e *Engine) PauseCrawl(jobID int64) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	ac, ok := e.active[jobID]
	e.mu.Unlock()
	if !ok {
		return e.jobNotDriven(jobID, "pause")
	}
	if ac.ctrl == nil {
		return errkind.Newf(errkind.PreconditionFailed,
			"ingestion job %d cannot pause; stop it instead", jobID)
	}
	if err := ac.ctrl.Pause(); err != nil {
		return err
	}
	ac.cancel()
	return nil
}

// jobNotDriven classifies lifecycle calls against jobs this process is
// not driving.
func (e *Engine) jobNotDriven(jobID int64, op string) error {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errkind.Newf(errkind.InvalidInput, "no job %d", jobID)
	}
	return errkind.Newf(errkind.PreconditionFailed,
		"job %d is %s and not driven by this process; cannot %s", jobID, job.Status, op)
}

// ResumeCrawl restarts a paused job. A job paused in this process keeps
// its controller; one inherited from a previous process is rebuilt from
// the stored options and rehydrates its queue from the event log.
func (e *Engine) ResumeCrawl(ctx context.Context, jobID int64) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errkind.Newf(errkind.InvalidInput, "no job %d", jobID)
	}
	if job.CrawlType == string(config.CrawlGeography) {
		return errkind.Newf(errkind.PreconditionFailed,
			"job %d is a geography run; re-run start_ingestion instead", jobID)
	}
	switch job.Status {
	case storage.JobPaused, storage.JobRunning, storage.JobPreparing:
	default:
		return errkind.Newf(errkind.PreconditionFailed,
			"job %d is %s and cannot resume", jobID, job.Status)
	}
	if !e.cfg.AllowMultipleJobs {
		n, err := e.store.ActiveJobCount()
		if err != nil {
			return err
		}
		// A crashed job still counts itself active until it resumes.
		self := 0
		if job.Status != storage.JobPaused {
			self = 1
		}
		if n > self {
			return errkind.Newf(errkind.PreconditionFailed,
				"another job is active; enable allow_multiple_jobs to run several")
		}
	}

	e.mu.Lock()
	ac, ok := e.active[jobID]
	e.mu.Unlock()

	if ok {
		if ac.ctrl == nil {
			return errkind.Newf(errkind.PreconditionFailed, "ingestion job %d cannot resume", jobID)
		}
		jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := ac.ctrl.Resume(jobCtx); err != nil {
			cancel()
			return err
		}
		next := &activeCrawl{ctrl: ac.ctrl, cancel: cancel, done: make(chan struct{})}
		e.mu.Lock()
		e.active[jobID] = next
		e.mu.Unlock()
		e.wg.Add(1)
		go e.superviseCrawl(jobCtx, jobID, next)
		return nil
	}

	opts, err := decodeOptions(job.OptionsJSON)
	if err != nil {
		return err
	}
	ctrl, err := crawler.New(crawler.Config{
		JobID:     jobID,
		Options:   opts,
		Process:   e.cfg,
		Store:     e.store,
		URLs:      e.urls,
		Cache:     e.cache,
		Gazetteer: e.gaz,
		Topics:    e.topics,
		Planner:   e.planner,
		Bus:       e.bus,
		Logger:    e.logger,
	})
	if err != nil {
		return err
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := ctrl.Resume(jobCtx); err != nil {
		cancel()
		ctrl.CloseTransport()
		return err
	}
	ac = &activeCrawl{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[jobID] = ac
	e.mu.Unlock()
	e.wg.Add(1)
	go e.superviseCrawl(jobCtx, jobID, ac)
	return nil
}

// StopCrawl ends a job for good. Running jobs drain after their current
// requests; paused and inherited ones settle straight to cancelled. The
// event log keeps the pending set for inspection, but the job will not
// be offered for resume.
func (e *Engine) StopCrawl(jobID int64) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	ac, ok := e.active[jobID]
	e.mu.Unlock()

	if ok {
		if ac.ctrl == nil {
			ac.cancel()
			<-ac.done // ingestion settles its own job row on cancel
			return nil
		}
		// Stop before cancelling; a dead context settles the burst as
		// EndCancelled instead of EndStopped.
		if err := ac.ctrl.Stop(); err != nil {
			return err
		}
		ac.cancel()
		<-ac.done
		e.mu.Lock()
		if e.active[jobID] == ac {
			delete(e.active, jobID)
		}
		e.mu.Unlock()
		return nil
	}

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errkind.Newf(errkind.InvalidInput, "no job %d", jobID)
	}
	switch job.Status {
	case storage.JobPreparing, storage.JobPlanning, storage.JobRunning, storage.JobPaused:
	default:
		return errkind.Newf(errkind.PreconditionFailed, "job %d is already %s", jobID, job.Status)
	}
	if err := e.store.SetJobStatus(jobID, storage.JobCancelled); err != nil {
		return err
	}
	if err := e.store.SetJobEndReason(jobID, crawler.EndStopped); err != nil {
		return err
	}
	e.bus.Publish(telemetry.Milestone(jobID, "crawl-cancelled", map[string]any{
		"reason": crawler.EndStopped,
	}))
	return nil
}

// WaitCrawl blocks until the job's current burst settles and returns
// the stored job status. Jobs not driven by this process report their
// row status immediately.
func (e *Engine) WaitCrawl(jobID int64) (string, error) {
	e.mu.Lock()
	ac, ok := e.active[jobID]
	e.mu.Unlock()
	if ok {
		<-ac.done
	}
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", errkind.Newf(errkind.InvalidInput, "no job %d", jobID)
	}
	return job.Status, nil
}

// CrawlStats reports live counters for a job driven by this process.
func (e *Engine) CrawlStats(jobID int64) (crawler.Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ac, ok := e.active[jobID]; ok && ac.ctrl != nil {
		return ac.ctrl.Stats(), true
	}
	return crawler.Stats{}, false
}

// IncompleteCrawl is one resumable job with its persisted progress.
type IncompleteCrawl struct {
	JobID        int64
	SeedURL      string
	CrawlType    string
	Status       string
	QueueDepth   int
	VisitedCount int
}

// ListIncompleteCrawls reports every job that could still make
// progress, with queue depth and visited counts rebuilt from the event
// log.
func (e *Engine) ListIncompleteCrawls() ([]IncompleteCrawl, error) {
	jobs, err := e.store.IncompleteJobs()
	if err != nil {
		return nil, err
	}
	out := make([]IncompleteCrawl, 0, len(jobs))
	for _, j := range jobs {
		seed, err := e.urls.Resolve(j.SeedURLID)
		if err != nil {
			e.logger.Warn("seed lookup failed", zap.Int64("job_id", j.ID), zap.Error(err))
		}
		pending, err := e.store.PendingQueueEvents(j.ID)
		if err != nil {
			return nil, err
		}
		visited, err := e.store.VisitedURLs(j.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, IncompleteCrawl{
			JobID:        j.ID,
			SeedURL:      seed,
			CrawlType:    j.CrawlType,
			Status:       j.Status,
			QueueDepth:   len(pending),
			VisitedCount: len(visited),
		})
	}
	return out, nil
}

// decodeOptions rebuilds the option snapshot stored on a job row.
func decodeOptions(optionsJSON string) (*config.CrawlOptions, error) {
	if optionsJSON == "" {
		return nil, errkind.New(errkind.PreconditionFailed, "job has no stored options")
	}
	var opts config.CrawlOptions
	if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "decode job options")
	}
	if err := opts.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "stored job options")
	}
	if err := opts.CompilePatterns(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "stored job options")
	}
	return &opts, nil
}
