// Package ingest runs staged data-acquisition pipelines that populate
// the gazetteer from structured upstream payloads instead of crawled
// pages. Stages execute sequentially in priority order, each gated by
// the job's max depth, and every ingestor run is recorded as an
// ingestion-run row that doubles as an advisory lock.
package ingest

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// FetchFunc retrieves one payload over the network. The engine wires in
// the fetcher so this package stays free of transport concerns.
type FetchFunc func(ctx context.Context, rawURL string) (status int, body []byte, err error)

// Summary counts the outcome of one or more ingestor runs.
type Summary struct {
	Written int
	Updated int
	Skipped int
}

// Add folds another summary into this one.
func (s *Summary) Add(other Summary) {
	s.Written += other.Written
	s.Updated += other.Updated
	s.Skipped += other.Skipped
}

// StageContext is everything an ingestor needs while executing.
type StageContext struct {
	JobID    int64
	Force    bool
	Store    *storage.Store
	Resolver *gazetteer.Resolver
	Fetch    FetchFunc
	Progress func(current, total int, detail string)
	Logger   *zap.Logger
}

// Ingestor is one data source feeding the gazetteer. Source identifies
// the (source, version) pair whose completed run makes later runs
// no-ops unless forced.
type Ingestor interface {
	Name() string
	Source() (source, version string)
	Execute(ctx context.Context, sc *StageContext) (Summary, error)
}

// Stage groups ingestors that populate one kind of place. A stage runs
// only when its CrawlDepth fits inside the job's max depth; within a
// stage, ingestors execute in declared order.
type Stage struct {
	Name       string
	Kind       string
	CrawlDepth int
	Priority   int
	Ingestors  []Ingestor
}

// Config assembles a coordinator.
type Config struct {
	JobID    int64
	MaxDepth int
	Force    bool
	Store    *storage.Store
	Resolver *gazetteer.Resolver
	Fetch    FetchFunc
	Bus      *telemetry.Bus
	Logger   *zap.Logger
}

// Coordinator executes stages sequentially, highest priority first,
// recording each ingestor run and publishing progress on the bus.
type Coordinator struct {
	jobID    int64
	maxDepth int
	force    bool
	store    *storage.Store
	resolver *gazetteer.Resolver
	fetch    FetchFunc
	bus      *telemetry.Bus
	logger   *zap.Logger
	stages   []Stage
}

// NewCoordinator builds a coordinator over the given stages.
func NewCoordinator(cfg Config, stages ...Stage) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Resolver == nil {
		return nil, errkind.New(errkind.InvalidInput, "coordinator requires storage and a resolver")
	}
	if cfg.Fetch == nil {
		return nil, errkind.New(errkind.InvalidInput, "coordinator requires a fetch func")
	}
	if len(stages) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "coordinator requires at least one stage")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ordered := make([]Stage, len(stages))
	copy(ordered, stages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	return &Coordinator{
		jobID:    cfg.JobID,
		maxDepth: cfg.MaxDepth,
		force:    cfg.Force,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		fetch:    cfg.Fetch,
		bus:      cfg.Bus,
		logger:   logger.Named("ingest").With(zap.Int64("job_id", cfg.JobID)),
		stages:   ordered,
	}, nil
}

// Run executes all stages and returns the combined summary. The first
// ingestor error aborts the run; its ingestion-run row is marked failed
// and the cause is published as a problem event.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	var total Summary

	for _, st := range c.stages {
		if st.CrawlDepth > c.maxDepth {
			c.logger.Info("stage skipped by depth",
				zap.String("stage", st.Name),
				zap.Int("crawl_depth", st.CrawlDepth),
				zap.Int("max_depth", c.maxDepth))
			c.publish(telemetry.Milestone(c.jobID, "stage-skipped", map[string]any{
				"stage":       st.Name,
				"crawl_depth": st.CrawlDepth,
				"max_depth":   c.maxDepth,
			}))
			continue
		}

		var stageSum Summary
		for _, ing := range st.Ingestors {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			sum, err := c.runIngestor(ctx, st, ing)
			stageSum.Add(sum)
			total.Add(sum)
			if err != nil {
				return total, err
			}
		}

		c.logger.Info("stage complete",
			zap.String("stage", st.Name),
			zap.Int("written", stageSum.Written),
			zap.Int("updated", stageSum.Updated),
			zap.Int("skipped", stageSum.Skipped))
		c.publish(telemetry.Milestone(c.jobID, "stage-complete", map[string]any{
			"stage":   st.Name,
			"kind":    st.Kind,
			"written": stageSum.Written,
			"updated": stageSum.Updated,
			"skipped": stageSum.Skipped,
		}))
	}

	places, err := c.store.PlaceCount()
	if err != nil {
		return total, err
	}
	c.publish(telemetry.Milestone(c.jobID, "ingestion-complete", map[string]any{
		"written": total.Written,
		"updated": total.Updated,
		"skipped": total.Skipped,
		"places":  places,
	}))
	return total, nil
}

// runIngestor takes the advisory lock for one source, executes it, and
// settles the run row. Completed (source, version) pairs are skipped
// unless the coordinator was forced; a concurrently running source
// fails the whole run fast.
func (c *Coordinator) runIngestor(ctx context.Context, st Stage, ing Ingestor) (Summary, error) {
	source, version := ing.Source()

	if !c.force {
		done, err := c.store.HasCompletedRun(source, version)
		if err != nil {
			return Summary{}, err
		}
		if done {
			c.logger.Debug("source already ingested",
				zap.String("source", source), zap.String("version", version))
			return Summary{}, nil
		}
	}

	runID, err := c.store.StartIngestionRun(source, version, c.force)
	if err != nil {
		c.problem(err, ing)
		return Summary{}, err
	}

	sc := &StageContext{
		JobID:    c.jobID,
		Force:    c.force,
		Store:    c.store,
		Resolver: c.resolver,
		Fetch:    c.fetch,
		Progress: c.progressFunc(st, ing),
		Logger:   c.logger.With(zap.String("ingestor", ing.Name())),
	}

	sum, err := ing.Execute(ctx, sc)
	if err != nil {
		if ferr := c.store.FailIngestionRun(runID, err.Error()); ferr != nil {
			c.logger.Warn("could not mark run failed", zap.Int64("run_id", runID), zap.Error(ferr))
		}
		c.problem(err, ing)
		return sum, err
	}

	if err := c.store.CompleteIngestionRun(runID, sum.Written, sum.Updated, sum.Skipped); err != nil {
		return sum, err
	}
	c.logger.Info("ingestor complete",
		zap.String("ingestor", ing.Name()),
		zap.String("source", source),
		zap.Int("written", sum.Written),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped))
	return sum, nil
}

func (c *Coordinator) progressFunc(st Stage, ing Ingestor) func(int, int, string) {
	return func(current, total int, detail string) {
		c.publish(telemetry.Progress(c.jobID, current, total, "ingest", map[string]any{
			"stage":    st.Name,
			"ingestor": ing.Name(),
			"detail":   detail,
		}))
	}
}

func (c *Coordinator) problem(err error, ing Ingestor) {
	c.publish(telemetry.Problem(c.jobID, telemetry.SeverityError,
		string(errkind.Of(err)), ing.Name()+": "+err.Error(), 0))
}

func (c *Coordinator) publish(ev telemetry.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// CachedFetch wraps a fetch func with the cache facade so repeated
// ingestion runs replay stored payloads instead of hitting the source
// again. A fresh fetch failure falls back to the stale entry when one
// exists.
func CachedFetch(cache *httpcache.Cache, fetch FetchFunc, logger *zap.Logger) FetchFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, rawURL string) (int, []byte, error) {
		req := httpcache.Request{Method: "GET", URL: rawURL, SubType: "json-entities"}

		entry, status, err := cache.Lookup(req)
		if err != nil {
			logger.Warn("payload cache lookup failed", zap.String("url", rawURL), zap.Error(err))
		}
		if entry != nil && status == httpcache.StatusHit {
			return entry.StatusCode, entry.Body, nil
		}

		code, body, ferr := fetch(ctx, rawURL)
		if ferr == nil {
			if code == 200 {
				if serr := cache.Store(req, code, map[string]string{"Content-Type": "application/json"}, body); serr != nil {
					logger.Warn("payload cache store failed", zap.String("url", rawURL), zap.Error(serr))
				}
			}
			return code, body, nil
		}

		if entry != nil {
			logger.Debug("serving stale payload", zap.String("url", rawURL), zap.Error(ferr))
			return entry.StatusCode, entry.Body, nil
		}
		return 0, nil, ferr
	}
}

// RecoverStale fails ingestion runs left in running by a dead process
// so their sources can be ingested again. Returns how many were
// settled.
func RecoverStale(store *storage.Store, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runs, err := store.StaleRunningRuns()
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if err := store.FailIngestionRun(r.ID, "interrupted by restart"); err != nil {
			return 0, err
		}
		logger.Warn("failed stale ingestion run",
			zap.Int64("run_id", r.ID),
			zap.String("source", r.Source),
			zap.String("version", r.SourceVersion))
	}
	return len(runs), nil
}
