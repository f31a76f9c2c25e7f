package engine

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/plansession"
)

// Budget assumed for the strategic search when the job has no page cap.
const defaultPlanBudget = 50

// Plan opens a preview session and kicks off the strategic search on
// its own goroutine. The caller gets the session ID back immediately
// and follows plan-status/plan-stage/plan-preview events on the bus;
// the search outlives the caller's context and is bounded by the
// planner budget and the session TTL.
func (e *Engine) Plan(ctx context.Context, opts *config.CrawlOptions) (string, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	if opts == nil {
		return "", errkind.New(errkind.InvalidInput, "crawl options are required")
	}
	if opts.CrawlType == config.CrawlGeography {
		return "", errkind.New(errkind.InvalidInput, "geography ingestion has no preview; use start_ingestion")
	}
	if err := opts.Validate(); err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, err, "crawl options")
	}
	if err := opts.CompilePatterns(); err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, err, "crawl options")
	}

	domain, err := seedDomain(opts.Seed)
	if err != nil {
		return "", err
	}

	snap, err := e.sessions.Create(domain, opts)
	if err != nil {
		return "", err
	}

	searchCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.sessions.BindAbort(snap.ID, abort); err != nil {
		abort()
		return "", err
	}

	e.wg.Add(1)
	go e.runPlanningSession(searchCtx, abort, snap.ID, opts)
	return snap.ID, nil
}

// runPlanningSession assembles the pre-crawl state, runs the strategic
// search, and settles the session with a blueprint or a failure.
func (e *Engine) runPlanningSession(ctx context.Context, abort context.CancelFunc, sessionID string, opts *config.CrawlOptions) {
	defer e.wg.Done()
	defer abort()

	state, err := e.initialPlanState(opts)
	if err != nil {
		e.failSession(sessionID, err)
		return
	}
	e.stage(sessionID, "seed-analysis", map[string]any{
		"domain":      state.Domain,
		"known_hubs":  len(state.KnownHubs),
		"budget_left": state.BudgetLeft,
	})

	e.stage(sessionID, "strategic-search", map[string]any{
		"lookahead":    e.cfg.Planning.MaxLookahead,
		"max_branches": e.cfg.Planning.MaxBranches,
	})
	bp, err := e.planner.Strategic(ctx, state)
	if err != nil {
		e.failSession(sessionID, err)
		return
	}

	if err := e.sessions.CompleteWithBlueprint(sessionID, bp); err != nil {
		// The session was cancelled or expired while we searched.
		e.logger.Debug("planning result dropped",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (e *Engine) stage(sessionID, stage string, details map[string]any) {
	if err := e.sessions.AppendStageEvent(sessionID, stage, details); err != nil {
		e.logger.Debug("stage event dropped",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (e *Engine) failSession(sessionID string, cause error) {
	e.logger.Warn("planning failed",
		zap.String("session_id", sessionID), zap.Error(cause))
	if err := e.sessions.Fail(sessionID, cause); err != nil {
		e.logger.Debug("session fail dropped",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// initialPlanState is the view the strategic search starts from before
// any page is fetched: the seed is the only known hub and nothing is
// visited.
func (e *Engine) initialPlanState(opts *config.CrawlOptions) (*planner.State, error) {
	seedID, err := e.urls.Intern(opts.Seed)
	if err != nil {
		return nil, errkind.Wrapf(errkind.InvalidInput, err, "seed %q", opts.Seed)
	}
	seedURL, err := e.urls.Resolve(seedID)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(seedURL)
	if err != nil || parsed.Host == "" {
		return nil, errkind.Newf(errkind.InvalidInput, "seed %q has no host", seedURL)
	}

	budget := opts.MaxPages
	if budget <= 0 {
		budget = defaultPlanBudget
	}
	return &planner.State{
		Domain:     strings.ToLower(parsed.Host),
		Scheme:     parsed.Scheme,
		SeedURL:    seedURL,
		SeedURLID:  seedID,
		KnownHubs:  []planner.Hub{{URLID: seedID, URL: seedURL, Score: 1}},
		BudgetLeft: budget,
	}, nil
}

// seedDomain extracts the lowercase host of a raw seed URL.
func seedDomain(seed string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(seed))
	if err != nil || u.Host == "" {
		return "", errkind.Newf(errkind.InvalidInput, "seed %q has no host", seed)
	}
	return strings.ToLower(u.Host), nil
}

// ConfirmPlan turns a ready session into a crawl job. The active-job
// gate runs before the session is consumed, so confirming against a
// busy engine leaves the session confirmable for later.
func (e *Engine) ConfirmPlan(ctx context.Context, sessionID string) (int64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()
	if err := e.gateActiveJobs(); err != nil {
		return 0, err
	}

	conf, err := e.sessions.Confirm(sessionID)
	if err != nil {
		return 0, err
	}
	jobID, err := e.launchCrawl(ctx, conf.Options, conf.Blueprint)
	if err != nil {
		return 0, err
	}
	e.logger.Info("plan confirmed",
		zap.String("session_id", sessionID),
		zap.String("domain", conf.Domain),
		zap.Int64("job_id", jobID))
	return jobID, nil
}

// CancelPlan ends an active session and aborts its in-flight search.
func (e *Engine) CancelPlan(sessionID string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.sessions.Cancel(sessionID)
}

// GetPlanSession returns a read-only snapshot of a session.
func (e *Engine) GetPlanSession(sessionID string) (*plansession.Snapshot, error) {
	return e.sessions.Get(sessionID)
}
