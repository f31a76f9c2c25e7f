// Package engine is the process-wide control surface. It wires storage,
// the URL store, the HTTP cache, the gazetteer, the planner, the
// telemetry bus, planning sessions, and the background task manager,
// and exposes the operations callers drive: plan/confirm/cancel,
// start/pause/resume/stop crawl, staged ingestion, and task control.
// Control operations validate synchronously and return InvalidInput or
// PreconditionFailed before touching shared state; everything that can
// go wrong later surfaces on the bus.
package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/crawler"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/ingest"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/plansession"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/tasks"
	"github.com/harvest-crawler/harvest/internal/telemetry"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

// Background tasks get their own small pool, disjoint from crawl
// workers.
const maxConcurrentTasks = 2

// activeCrawl is one job this process is driving. Crawl jobs carry a
// controller; ingestion jobs only a cancel. done closes when the
// current run settles (paused or terminal); a resume installs a fresh
// entry with a fresh done channel.
type activeCrawl struct {
	ctrl   *crawler.Controller
	cancel func()
	planID int64
	done   chan struct{}
}

// Engine owns the shared singletons and the per-job bookkeeping.
type Engine struct {
	cfg      *config.Config
	store    *storage.Store
	urls     *storage.URLStore
	cache    *httpcache.Cache
	gaz      *gazetteer.Index
	resolver *gazetteer.Resolver
	topics   *analyze.TopicIndex
	bus      *telemetry.Bus
	detach   func()
	planner  *planner.Planner
	executor *planner.Executor
	sessions *plansession.Manager
	tasks    *tasks.Manager
	logger   *zap.Logger

	// startMu serialises job creation so the single-active-crawl gate
	// cannot be raced past.
	startMu sync.Mutex

	mu     sync.Mutex
	closed bool
	active map[int64]*activeCrawl

	wg sync.WaitGroup
}

// New opens storage, loads the gazetteer, recovers state left behind by
// a dead process, and returns a ready engine. The caller owns Close.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.New(cfg.DatabasePath, cfg.ContentDir, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		return nil, err
	}

	norm := urlutil.DefaultNormalizer(cfg.TrackingParams)
	norm.MapIndexFiles = cfg.MapIndexFiles
	urls, err := storage.NewURLStore(store, norm)
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := telemetry.NewBus(logger)
	detach := telemetry.AttachArchiver(bus, store, logger)
	cache := httpcache.New(store, cfg.Compression, cfg.Cache, logger)

	gaz := gazetteer.NewIndex(logger)
	if err := gaz.LoadFrom(store); err != nil {
		detach()
		bus.Close()
		store.Close()
		return nil, err
	}
	resolver := gazetteer.NewResolver(store, gaz, logger)
	topics := analyze.DefaultTopics()

	heur := planner.NewHeuristics(store, logger)
	strat := planner.New(cfg.Planning, heur, logger,
		planner.StructureReasoner{},
		planner.GazetteerReasoner{Gaz: gaz, Topics: topics})
	exec := planner.NewExecutor(strat, store, urls, bus, cfg.Planning, logger)

	sessions := plansession.NewManager(cfg.Planning, bus, logger)

	tm := tasks.NewManager(store, bus, maxConcurrentTasks, logger)
	analyzer := analyze.New(gaz, topics)
	tm.Register(tasks.KindCompress, tasks.CompressFactory(store, cfg.Compression))
	tm.Register(tasks.KindAnalyse, tasks.AnalyseFactory(store, urls, analyzer))
	tm.Register(tasks.KindExport, tasks.ExportFactory(store, urls))
	tm.Register(tasks.KindVacuum, tasks.VacuumFactory(store, cache))

	e := &Engine{
		cfg:      cfg,
		store:    store,
		urls:     urls,
		cache:    cache,
		gaz:      gaz,
		resolver: resolver,
		topics:   topics,
		bus:      bus,
		detach:   detach,
		planner:  strat,
		executor: exec,
		sessions: sessions,
		tasks:    tm,
		logger:   logger.Named("engine"),
		active:   make(map[int64]*activeCrawl),
	}

	if err := e.recover(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// recover settles rows a dead process left mid-flight: running task
// rows become paused, running ingestion runs become failed so their
// sources unlock. Interrupted crawl jobs stay as they are; they show up
// in ListIncompleteCrawls and resume on demand.
func (e *Engine) recover() error {
	parked, err := e.tasks.RehydrateRunning()
	if err != nil {
		return err
	}
	if len(parked) > 0 {
		e.logger.Info("parked interrupted tasks", zap.Int("count", len(parked)))
	}

	settled, err := ingest.RecoverStale(e.store, e.logger)
	if err != nil {
		return err
	}
	if settled > 0 {
		e.logger.Info("released stale ingestion locks", zap.Int("count", settled))
	}
	return nil
}

// Bus exposes the telemetry bus for subscribers.
func (e *Engine) Bus() *telemetry.Bus { return e.bus }

// Store exposes the storage layer for read-side callers.
func (e *Engine) Store() *storage.Store { return e.store }

func (e *Engine) ensureOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errkind.New(errkind.PreconditionFailed, "engine is closed")
	}
	return nil
}

// gateActiveJobs enforces the single-active-crawl default. Callers hold
// startMu.
func (e *Engine) gateActiveJobs() error {
	if e.cfg.AllowMultipleJobs {
		return nil
	}
	n, err := e.store.ActiveJobCount()
	if err != nil {
		return err
	}
	if n > 0 {
		return errkind.Newf(errkind.PreconditionFailed,
			"another job is active (%d); enable allow_multiple_jobs to run several", n)
	}
	return nil
}

// Close parks running crawls as paused, stops background tasks the same
// way, and releases every shared resource. Paused state survives in
// storage; a later process resumes it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	parked := make(map[int64]*activeCrawl, len(e.active))
	for id, ac := range e.active {
		parked[id] = ac
	}
	e.mu.Unlock()

	for id, ac := range parked {
		if ac.ctrl != nil {
			if err := ac.ctrl.Pause(); err != nil && !errkind.Is(err, errkind.PreconditionFailed) {
				e.logger.Warn("pause on close failed", zap.Int64("job_id", id), zap.Error(err))
			}
		}
		ac.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	for _, ac := range e.active {
		if ac.ctrl != nil {
			ac.ctrl.CloseTransport()
		}
	}
	e.active = make(map[int64]*activeCrawl)
	e.mu.Unlock()

	e.tasks.Close()
	e.sessions.Close()
	e.detach()
	e.bus.Close()
	return e.store.Close()
}
