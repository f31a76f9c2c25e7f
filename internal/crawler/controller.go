// Package crawler runs one crawl job end to end: it owns the job's
// queue, pacer, fetch pipeline, and worker pool, and carries the job
// through running, paused, and terminal states. A controller is built
// per job; pausing stops the pool but keeps the pending set, and a
// fresh controller can resume a persisted job by rebuilding the queue
// from the event log.
package crawler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/fetch"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/pacer"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/queue"
	"github.com/harvest-crawler/harvest/internal/robots"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// Lifecycle phases. Transitions only move forward except for the
// paused/running cycle.
const (
	phaseIdle     = "idle"
	phaseRunning  = "running"
	phasePausing  = "pausing"
	phasePaused   = "paused"
	phaseStopping = "stopping"
	phaseDone     = "done"
)

// End reasons recorded on the job row.
const (
	EndQueueDrained = "queue-drained"
	EndMaxPages     = "max-pages"
	EndMaxDownloads = "max-downloads"
	EndStopped      = "stopped"
	EndCancelled    = "cancelled"
)

const (
	// How long an idle worker sleeps before re-checking the queue.
	idleWait = 100 * time.Millisecond

	// Hubs remembered for planner state snapshots.
	maxTrackedHubs = 16

	// Planner budget assumed when the job has no page cap.
	defaultPlanBudget = 50
)

// Config carries the collaborators for one job's controller. Store,
// URLs, and Options are required; Cache, Gazetteer, Topics, Planner,
// and Bus degrade gracefully when absent.
type Config struct {
	JobID     int64
	Options   *config.CrawlOptions
	Process   *config.Config
	Store     *storage.Store
	URLs      *storage.URLStore
	Cache     *httpcache.Cache
	Gazetteer *gazetteer.Index
	Topics    *analyze.TopicIndex
	Planner   *planner.Planner
	Bus       *telemetry.Bus
	Logger    *zap.Logger
}

// Controller drives one crawl job. Start/Pause/Resume/Stop manage the
// worker pool; Wait blocks until the pool drains and settles the job
// row. RunStep lets a plan executor push targets through the same
// pipeline the workers use.
type Controller struct {
	jobID      int64
	opts       *config.CrawlOptions
	store      *storage.Store
	urls       *storage.URLStore
	queue      *queue.Queue
	pacer      *pacer.Pacer
	fetcher    *fetch.Fetcher
	robots     *robots.Evaluator
	pipeline   *fetch.Pipeline
	seeder     *seeder
	score      *scorer
	gaz        *gazetteer.Index
	bus        *telemetry.Bus
	logger     *zap.Logger
	workers    int
	seedURLID  int64
	seedURL    string
	seedHost   string
	seedScheme string

	mu          sync.Mutex
	phase       string
	finalStatus string
	endReason   string
	stopCh      chan struct{}
	stopOnce    *sync.Once
	hubs        []planner.Hub
	country     string

	wg     sync.WaitGroup
	active atomic.Int32

	visited   atomic.Int64
	downloads atomic.Int64
	saved     atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	articles  atomic.Int64
}

// Stats is a point-in-time view of a running or finished crawl.
type Stats struct {
	Phase      string
	Visited    int64
	Downloads  int64
	Saved      int64
	Skipped    int64
	Failed     int64
	Articles   int64
	Queued     int
	QueueSizes map[string]int
}

// New builds a controller for a prepared job. The seed is interned up
// front so the job fails fast on an unusable URL.
func New(cfg Config) (*Controller, error) {
	if cfg.Options == nil {
		return nil, errkind.New(errkind.InvalidInput, "crawl options are required")
	}
	if cfg.Store == nil || cfg.URLs == nil {
		return nil, errkind.New(errkind.InvalidInput, "controller requires storage")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("crawler").With(zap.Int64("job_id", cfg.JobID))

	process := cfg.Process
	if process == nil {
		process = config.Default()
	}

	seedID, err := cfg.URLs.Intern(cfg.Options.Seed)
	if err != nil {
		return nil, errkind.Wrapf(errkind.InvalidInput, err, "seed %q", cfg.Options.Seed)
	}
	seedURL, err := cfg.URLs.Resolve(seedID)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(seedURL)
	if err != nil || parsed.Host == "" {
		return nil, errkind.Newf(errkind.InvalidInput, "seed %q has no host", seedURL)
	}

	c := &Controller{
		jobID:      cfg.JobID,
		opts:       cfg.Options,
		store:      cfg.Store,
		urls:       cfg.URLs,
		gaz:        cfg.Gazetteer,
		bus:        cfg.Bus,
		logger:     logger,
		seedURLID:  seedID,
		seedURL:    seedURL,
		seedHost:   strings.ToLower(parsed.Host),
		seedScheme: parsed.Scheme,
		phase:      phaseIdle,
	}

	c.queue = queue.New(cfg.JobID, cfg.Store, logger)
	c.pacer = pacer.New(process.Pacing, logger)
	c.fetcher = fetch.NewFetcher(process, logger)
	if cfg.Options.MaxBodyBytes > 0 {
		c.fetcher.SetMaxBodySize(cfg.Options.MaxBodyBytes)
	}
	c.score = newScorer(cfg.Gazetteer, cfg.Topics)

	if cfg.Options.RespectRobotsTxt || c.sitemapSeeded() {
		c.robots = robots.NewEvaluator(cfg.Cache, c.fetcher.FetchBytes, process.UserAgent, logger)
	}

	c.pipeline = fetch.NewPipeline(fetch.PipelineConfig{
		JobID:    cfg.JobID,
		SeedHost: c.seedHost,
		Options:  cfg.Options,
		Presets:  process.Compression,
		Store:    cfg.Store,
		URLs:     cfg.URLs,
		Cache:    cfg.Cache,
		Fetcher:  c.fetcher,
		Pacer:    c.pacer,
		Robots:   c.robots,
		Analyzer: analyze.New(cfg.Gazetteer, cfg.Topics),
		Queue:    c.queue,
		Priority: c.score.Priority,
		Bus:      cfg.Bus,
		Logger:   logger,
	})

	c.seeder = &seeder{
		gaz:      cfg.Gazetteer,
		topics:   cfg.Topics,
		planner:  cfg.Planner,
		simulate: cfg.Options.PlannerEnabled && cfg.Planner != nil,
		score:    c.score,
		queue:    c.queue,
		urls:     cfg.URLs,
		limit:    defaultSeedCandidates,
		logger:   logger,
	}

	c.workers = cfg.Options.Concurrency
	if c.workers < 1 {
		c.workers = 1
	}
	return c, nil
}

func (c *Controller) sitemapSeeded() bool {
	return c.opts.CrawlType == config.CrawlSitemap || c.opts.CrawlType == config.CrawlSitemapOnly
}

// Start seeds the queue and launches the worker pool. It returns once
// the pool is running; use Wait to observe completion.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return errkind.Newf(errkind.PreconditionFailed, "crawl %d already started", c.jobID)
	}
	c.phase = phaseRunning
	c.stopCh = make(chan struct{})
	c.stopOnce = new(sync.Once)
	c.mu.Unlock()

	if err := c.store.SetJobStatus(c.jobID, storage.JobRunning); err != nil {
		return err
	}

	if c.opts.CrawlType != config.CrawlSitemapOnly {
		c.queue.Enqueue(&queue.Request{
			URLID:    c.seedURLID,
			URL:      c.seedURL,
			Host:     c.seedHost,
			Depth:    0,
			Bucket:   queue.Acquisition,
			Priority: c.score.Priority(queue.Acquisition, c.seedURL, 0),
		})
	}

	if c.sitemapSeeded() {
		c.wg.Add(1)
		c.active.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.active.Add(-1)
			fetched, seeded := c.seedFromSitemaps(ctx)
			c.publish(telemetry.Milestone(c.jobID, "sitemap-seeded", map[string]any{
				"sitemaps": fetched,
				"urls":     seeded,
			}))
			c.logger.Info("sitemap seeding done", zap.Int("sitemaps", fetched), zap.Int("urls", seeded))
		}()
	}

	c.publish(telemetry.Milestone(c.jobID, "crawl-started", map[string]any{
		"seed":       c.seedURL,
		"crawl_type": string(c.opts.CrawlType),
		"workers":    c.workers,
	}))
	c.logger.Info("crawl started",
		zap.String("seed", c.seedURL),
		zap.String("crawl_type", string(c.opts.CrawlType)),
		zap.Int("workers", c.workers))

	c.spawnWorkers(ctx)
	return nil
}

func (c *Controller) spawnWorkers(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
}

// worker pulls ready requests until the queue drains, a budget trips,
// or the pool is told to stop. Draining requires both an empty queue
// and no request in flight anywhere in the pool, since an in-flight
// fetch may still discover links.
func (c *Controller) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	logger := c.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			c.noteEnd(EndCancelled)
			c.haltPool()
			return
		case <-c.currentStop():
			return
		default:
		}

		if reason := c.budgetTripped(); reason != "" {
			c.noteEnd(reason)
			c.haltPool()
			logger.Info("budget reached", zap.String("reason", reason))
			return
		}

		c.active.Add(1)
		req := c.queue.DequeueReady(time.Now(), c.pacer)
		if req == nil {
			c.active.Add(-1)
			if c.queue.Len() == 0 && c.active.Load() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				c.noteEnd(EndCancelled)
				c.haltPool()
				return
			case <-c.currentStop():
				return
			case <-time.After(idleWait):
			}
			continue
		}

		c.process(ctx, req)
		c.active.Add(-1)
	}
}

// budgetTripped reports which resource budget, if any, has been spent.
func (c *Controller) budgetTripped() string {
	if c.opts.MaxPages > 0 && c.visited.Load() >= int64(c.opts.MaxPages) {
		return EndMaxPages
	}
	if c.opts.MaxDownloads > 0 && c.downloads.Load() >= int64(c.opts.MaxDownloads) {
		return EndMaxDownloads
	}
	return ""
}

// process settles one request through the pipeline and records the
// outcome: queue bookkeeping, counters, telemetry, hub tracking, and
// adaptive seeding on article finds.
func (c *Controller) process(ctx context.Context, req *queue.Request) *fetch.Result {
	res := c.pipeline.Execute(ctx, req)

	c.queue.MarkOutcome(req.URLID, req.Depth, actionFor(res))

	switch res.Outcome {
	case fetch.OutcomeFetched:
		c.downloads.Add(1)
		c.visited.Add(1)
	case fetch.OutcomeServedFromCache, fetch.OutcomeServedStale:
		c.visited.Add(1)
	case fetch.OutcomeSkipped:
		c.skipped.Add(1)
	case fetch.OutcomeFailed:
		c.failed.Add(1)
	}
	if res.Saved {
		c.saved.Add(1)
	}

	if res.Analysis != nil {
		if analyze.IsHub(res.Analysis.Classification) {
			c.noteHub(req.URLID, req.URL, res.Value)
		}
		c.noteCountry(res.Analysis.PlaceIDs)
		if res.Analysis.Classification == analyze.ClassArticle {
			c.noteArticle(req, res)
		}
	}

	c.publish(telemetry.Progress(c.jobID, int(c.visited.Load()), c.opts.MaxPages, "crawl", map[string]any{
		"saved":   c.saved.Load(),
		"skipped": c.skipped.Load(),
		"failed":  c.failed.Load(),
		"queued":  c.queue.Len(),
	}))

	c.logger.Debug("request settled",
		zap.String("url", req.URL),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("status", res.StatusCode),
		zap.Int("discovered", res.Discovered))
	return res
}

func actionFor(res *fetch.Result) string {
	switch res.Outcome {
	case fetch.OutcomeSkipped:
		return storage.EventSkipped
	case fetch.OutcomeFailed:
		return storage.EventFailed
	default:
		if res.Saved {
			return storage.EventSaved
		}
		return storage.EventVisited
	}
}

// noteArticle counts the find, emits milestone events at notable
// counts, and lets the seeder propose fresh hubs for the host.
func (c *Controller) noteArticle(req *queue.Request, res *fetch.Result) {
	n := c.articles.Add(1)
	switch {
	case n == 1:
		c.publish(telemetry.Milestone(c.jobID, "first-article", map[string]any{
			"url":   req.URL,
			"title": res.Analysis.Title,
		}))
	case n%100 == 0:
		c.publish(telemetry.Milestone(c.jobID, "articles", map[string]any{"count": n}))
	}
	if c.opts.CrawlType != config.CrawlSitemapOnly {
		c.seeder.seedFromArticle(c.PlanState(), req.URL, req.URLID)
	}
}

func (c *Controller) noteHub(urlID int64, rawURL string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.hubs {
		if c.hubs[i].URLID == urlID {
			if score > c.hubs[i].Score {
				c.hubs[i].Score = score
			}
			return
		}
	}
	c.hubs = append(c.hubs, planner.Hub{URLID: urlID, URL: rawURL, Score: score})
	if len(c.hubs) > maxTrackedHubs {
		// Drop the weakest entry rather than the oldest.
		low := 0
		for i := range c.hubs {
			if c.hubs[i].Score < c.hubs[low].Score {
				low = i
			}
		}
		c.hubs = append(c.hubs[:low], c.hubs[low+1:]...)
	}
}

// noteCountry pins the crawl's country from the first geocoded page so
// template expansion can render country-scoped hub paths.
func (c *Controller) noteCountry(placeIDs []int64) {
	if c.gaz == nil || len(placeIDs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.country != "" {
		return
	}
	for _, id := range placeIDs {
		if p := c.gaz.Place(id); p != nil && p.CountryCode != "" {
			c.country = p.CountryCode
			return
		}
	}
}

// PlanState snapshots the crawl the way the planner sees it.
func (c *Controller) PlanState() *planner.State {
	c.mu.Lock()
	hubs := append([]planner.Hub(nil), c.hubs...)
	country := c.country
	c.mu.Unlock()

	visited := int(c.visited.Load())
	budget := defaultPlanBudget
	if c.opts.MaxPages > 0 {
		budget = c.opts.MaxPages - visited
		if budget < 0 {
			budget = 0
		}
	}
	return &planner.State{
		Domain:       c.seedHost,
		Scheme:       c.seedScheme,
		Country:      country,
		SeedURL:      c.seedURL,
		SeedURLID:    c.seedURLID,
		KnownHubs:    hubs,
		VisitedCount: visited,
		BudgetLeft:   budget,
	}
}

// RunStep fetches one plan step target through the job pipeline and
// reports the realized value. Plan targets skip the pending set; the
// settled outcome still reaches the event log so resume bookkeeping
// holds.
func (c *Controller) RunStep(ctx context.Context, step *storage.PlanStep) (float64, error) {
	rawURL, err := c.urls.Resolve(step.TargetURLID)
	if err != nil {
		return 0, err
	}
	host := ""
	if u, perr := url.Parse(rawURL); perr == nil {
		host = strings.ToLower(u.Host)
	}
	req := &queue.Request{
		URLID:         step.TargetURLID,
		URL:           rawURL,
		Host:          host,
		Depth:         0,
		Bucket:        queue.PlanDirected,
		Priority:      c.score.Priority(queue.PlanDirected, rawURL, 0),
		ExpectedValue: step.ExpectedValue,
		PlanID:        step.PlanID,
		PlanSeq:       step.Seq,
	}
	res := c.process(ctx, req)
	return res.Value, res.Err
}

// Pause stops the worker pool after in-flight requests settle. The
// pending set stays in memory and in the event log, so the job can
// resume here or in a later process.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.phase != phaseRunning {
		phase := c.phase
		c.mu.Unlock()
		return errkind.Newf(errkind.PreconditionFailed, "crawl %d is %s, not running", c.jobID, phase)
	}
	c.phase = phasePausing
	c.mu.Unlock()

	c.haltPool()
	c.wg.Wait()

	c.mu.Lock()
	c.phase = phasePaused
	c.mu.Unlock()

	if err := c.store.SetJobStatus(c.jobID, storage.JobPaused); err != nil {
		return err
	}
	c.publish(telemetry.Milestone(c.jobID, "crawl-paused", map[string]any{
		"visited": c.visited.Load(),
		"queued":  c.queue.Len(),
	}))
	c.logger.Info("crawl paused", zap.Int("queued", c.queue.Len()))
	return nil
}

// Resume restarts the pool. A controller built fresh for a persisted
// job resumes the same way: the pending set is rebuilt from the event
// log, and URLs already completed stay completed.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phasePaused && c.phase != phaseIdle {
		phase := c.phase
		c.mu.Unlock()
		return errkind.Newf(errkind.PreconditionFailed, "crawl %d is %s, not paused", c.jobID, phase)
	}
	c.phase = phaseRunning
	c.endReason = ""
	c.stopCh = make(chan struct{})
	c.stopOnce = new(sync.Once)
	c.mu.Unlock()

	restored, err := c.queue.Rehydrate(c.urls)
	if err != nil {
		c.mu.Lock()
		c.phase = phasePaused
		c.mu.Unlock()
		return errkind.Wrapf(errkind.StorageFailure, err, "rebuild queue for job %d", c.jobID)
	}
	c.visited.Store(int64(c.queue.VisitedCount()))

	if err := c.store.SetJobStatus(c.jobID, storage.JobRunning); err != nil {
		return err
	}
	c.publish(telemetry.Milestone(c.jobID, "crawl-resumed", map[string]any{
		"restored": restored,
		"queued":   c.queue.Len(),
	}))
	c.logger.Info("crawl resumed", zap.Int("restored", restored), zap.Int("queued", c.queue.Len()))

	c.spawnWorkers(ctx)
	return nil
}

// Stop ends the job. The pending set is preserved in the event log,
// but the job row moves to a terminal state and will not be offered
// for resume.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.phase {
	case phaseRunning:
		c.phase = phaseStopping
		c.mu.Unlock()
		c.haltPool()
		c.wg.Wait()
		c.mu.Lock()
	case phasePaused:
	default:
		phase := c.phase
		c.mu.Unlock()
		return errkind.Newf(errkind.PreconditionFailed, "crawl %d is %s, nothing to stop", c.jobID, phase)
	}
	c.finalizeLocked(storage.JobCancelled, EndStopped)
	c.mu.Unlock()
	return nil
}

// Wait blocks until the worker pool exits, then settles the job row
// for natural endings. Pause and Stop own their transitions; Wait
// defers to them.
func (c *Controller) Wait() (string, error) {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseRunning:
		reason := c.endReason
		if reason == "" {
			reason = EndQueueDrained
		}
		status := storage.JobCompleted
		if reason == EndCancelled {
			status = storage.JobCancelled
		}
		c.finalizeLocked(status, reason)
		return c.finalStatus, nil
	case phasePausing, phasePaused:
		return storage.JobPaused, nil
	case phaseStopping:
		return storage.JobCancelled, nil
	default:
		return c.finalStatus, nil
	}
}

// finalizeLocked writes the terminal job state. Callers hold c.mu.
func (c *Controller) finalizeLocked(status, reason string) {
	if c.phase == phaseDone {
		return
	}
	c.phase = phaseDone
	c.finalStatus = status

	if err := c.store.SetJobStatus(c.jobID, status); err != nil {
		c.logger.Warn("job status write failed", zap.Error(err))
	}
	if err := c.store.SetJobEndReason(c.jobID, reason); err != nil {
		c.logger.Warn("job end reason write failed", zap.Error(err))
	}
	c.fetcher.Close()

	name := "crawl-completed"
	if status == storage.JobCancelled {
		name = "crawl-cancelled"
	}
	c.publish(telemetry.Milestone(c.jobID, name, map[string]any{
		"reason":   reason,
		"visited":  c.visited.Load(),
		"saved":    c.saved.Load(),
		"failed":   c.failed.Load(),
		"articles": c.articles.Load(),
	}))
	c.logger.Info("crawl finished",
		zap.String("status", status),
		zap.String("reason", reason),
		zap.Int64("visited", c.visited.Load()),
		zap.Int64("saved", c.saved.Load()))
}

// noteEnd records the first end reason; later causes lose.
func (c *Controller) noteEnd(reason string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()
}

// haltPool closes the current stop channel exactly once.
func (c *Controller) haltPool() {
	c.mu.Lock()
	once, ch := c.stopOnce, c.stopCh
	c.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(ch) })
}

func (c *Controller) currentStop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh
}

// Stats reports current counters and queue depth.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	return Stats{
		Phase:      phase,
		Visited:    c.visited.Load(),
		Downloads:  c.downloads.Load(),
		Saved:      c.saved.Load(),
		Skipped:    c.skipped.Load(),
		Failed:     c.failed.Load(),
		Articles:   c.articles.Load(),
		Queued:     c.queue.Len(),
		QueueSizes: c.queue.SizeByBucket(),
	}
}

// Queue exposes the job's pending set for inspection.
func (c *Controller) Queue() *queue.Queue { return c.queue }

// Pacer exposes per-host pacing state, mostly for cost estimation.
func (c *Controller) Pacer() *pacer.Pacer { return c.pacer }

// CloseTransport releases idle fetcher connections. Terminal phases
// close the transport themselves; call this when parking a paused
// controller that will not resume in this process.
func (c *Controller) CloseTransport() { c.fetcher.Close() }

func (c *Controller) publish(ev telemetry.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
