package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/pacer"
	"github.com/harvest-crawler/harvest/internal/parse"
	"github.com/harvest-crawler/harvest/internal/queue"
	"github.com/harvest-crawler/harvest/internal/robots"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// Outcome classifies how a queued URL was settled.
type Outcome string

const (
	OutcomeFetched         Outcome = "fetched"
	OutcomeServedFromCache Outcome = "served-from-cache"
	OutcomeServedStale     Outcome = "served-stale"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeFailed          Outcome = "failed"
)

// Result is what one pipeline pass produced for a queued URL.
type Result struct {
	Outcome    Outcome
	StatusCode int
	ContentID  int64
	Analysis   *storage.Analysis
	Discovered int
	Saved      bool
	Value      float64
	Reason     string
	Err        error
}

// QueueWriter is the narrow queue capability the pipeline uses to file
// discovered URLs.
type QueueWriter interface {
	Enqueue(req *queue.Request) bool
}

// PriorityFn scores a discovered URL for the queue.
type PriorityFn func(bucket queue.Bucket, rawURL string, depth int) float64

// PipelineConfig carries the collaborators for one job's pipeline.
type PipelineConfig struct {
	JobID    int64
	SeedHost string
	Options  *config.CrawlOptions
	Presets  config.Compression
	Store    *storage.Store
	URLs     *storage.URLStore
	Cache    *httpcache.Cache
	Fetcher  *Fetcher
	Pacer    *pacer.Pacer
	Robots   *robots.Evaluator
	Analyzer *analyze.Analyzer
	Queue    QueueWriter
	Priority PriorityFn
	Bus      *telemetry.Bus
	Logger   *zap.Logger
}

// Pipeline settles one queued URL at a time: cache consultation, paced
// fetch, persistence, analysis, and link discovery. Safe for use from
// multiple workers.
type Pipeline struct {
	jobID       int64
	seedHost    string
	opts        *config.CrawlOptions
	presets     config.Compression
	store       *storage.Store
	urls        *storage.URLStore
	cache       *httpcache.Cache
	fetcher     *Fetcher
	pacer       *pacer.Pacer
	robots      *robots.Evaluator
	analyzer    *analyze.Analyzer
	queue       QueueWriter
	priority    PriorityFn
	bus         *telemetry.Bus
	followLinks bool
	logger      *zap.Logger
	now         func() time.Time
}

// NewPipeline wires a pipeline for one job.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	priority := cfg.Priority
	if priority == nil {
		priority = func(queue.Bucket, string, int) float64 { return 1 }
	}
	return &Pipeline{
		jobID:       cfg.JobID,
		seedHost:    strings.ToLower(cfg.SeedHost),
		opts:        cfg.Options,
		presets:     cfg.Presets,
		store:       cfg.Store,
		urls:        cfg.URLs,
		cache:       cfg.Cache,
		fetcher:     cfg.Fetcher,
		pacer:       cfg.Pacer,
		robots:      cfg.Robots,
		analyzer:    cfg.Analyzer,
		queue:       cfg.Queue,
		priority:    priority,
		bus:         cfg.Bus,
		followLinks: cfg.Options.CrawlType != config.CrawlSitemapOnly,
		logger:      logger.Named("pipeline"),
		now:         time.Now,
	}
}

// Execute settles req according to the job's cache policy. It never
// panics on collaborator failure; the Result carries the outcome.
func (p *Pipeline) Execute(ctx context.Context, req *queue.Request) *Result {
	cacheReq := httpcache.Request{Method: http.MethodGet, URL: req.URL}

	if p.cache == nil {
		return p.fetchNetwork(ctx, req, cacheReq, nil)
	}

	var stale *httpcache.Entry
	switch p.opts.CachePolicy {
	case config.CacheOnly:
		// With no network to fall back on, TTL expiry does not
		// disqualify an entry; only the caller's age ceiling does.
		entry, _, err := p.cache.Lookup(cacheReq)
		if err != nil {
			p.logger.Warn("cache lookup failed", zap.String("url", req.URL), zap.Error(err))
		}
		if entry != nil && p.withinMaxAge(entry) {
			return p.adopt(req, entry, OutcomeServedFromCache)
		}
		return &Result{Outcome: OutcomeSkipped, Reason: "cache-only-miss"}

	case config.PreferCache:
		entry, status, err := p.cache.Lookup(cacheReq)
		if err != nil {
			p.logger.Warn("cache lookup failed", zap.String("url", req.URL), zap.Error(err))
		}
		if entry != nil {
			if status == httpcache.StatusHit && p.withinMaxAge(entry) {
				return p.adopt(req, entry, OutcomeServedFromCache)
			}
			stale = entry
		}

	case config.PreferFresh:
		if p.opts.FallbackToCache {
			entry, _, err := p.cache.Lookup(cacheReq)
			if err == nil {
				stale = entry
			}
		}

	case config.NetworkOnly:
		// The cache is not consulted and success is not written back.
	}

	return p.fetchNetwork(ctx, req, cacheReq, stale)
}

// withinMaxAge applies the per-job freshness ceiling on top of the
// cache's own TTL.
func (p *Pipeline) withinMaxAge(entry *httpcache.Entry) bool {
	if p.opts.MaxCacheAge <= 0 {
		return true
	}
	return entry.Age(p.now()) <= p.opts.MaxCacheAge
}

func (p *Pipeline) fetchNetwork(ctx context.Context, req *queue.Request, cacheReq httpcache.Request, stale *httpcache.Entry) *Result {
	scheme, host := splitSchemeHost(req.URL)

	if p.robots != nil && p.opts.RespectRobotsTxt {
		if !p.robots.Allowed(ctx, scheme, host, req.URL) {
			p.publish(telemetry.Problem(p.jobID, telemetry.SeverityInfo, string(errkind.PolicyBlocked), "robots disallow", req.URLID))
			return &Result{Outcome: OutcomeSkipped, Reason: "robots-disallowed"}
		}
		if d := p.robots.Delay(ctx, scheme, host); d > 0 {
			p.pacer.SetHostMinInterval(host, d)
		}
	}

	lease, err := p.pacer.Acquire(ctx, host)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Reason: "pacer", Err: err}
	}

	resp := p.fetcher.Do(ctx, req.URL)
	if resp.RetryAfter > 0 {
		lease.SetRetryAfter(p.now().Add(resp.RetryAfter))
	}

	switch {
	case resp.Err != nil:
		if errkind.Retryable(resp.Err) {
			lease.Release(pacer.TransientError)
		} else {
			lease.Release(pacer.HardError)
		}
		p.recordAttempt(req, resp, 0, string(errkind.Of(resp.Err)), resp.Err.Error())
		if stale != nil && p.opts.FallbackToCache && errkind.Retryable(resp.Err) {
			return p.adopt(req, stale, OutcomeServedStale)
		}
		p.publish(telemetry.Problem(p.jobID, telemetry.SeverityWarning, string(errkind.Of(resp.Err)), resp.Err.Error(), req.URLID))
		return &Result{Outcome: OutcomeFailed, StatusCode: resp.StatusCode, Reason: string(errkind.Of(resp.Err)), Err: resp.Err}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		lease.Release(pacer.TransientError)
		ferr := errkind.Newf(errkind.TransientNetwork, "http %d", resp.StatusCode)
		p.recordAttempt(req, resp, 0, string(errkind.TransientNetwork), ferr.Error())
		if stale != nil && p.opts.FallbackToCache {
			return p.adopt(req, stale, OutcomeServedStale)
		}
		p.publish(telemetry.Problem(p.jobID, telemetry.SeverityWarning, string(errkind.TransientNetwork), ferr.Error(), req.URLID))
		return &Result{Outcome: OutcomeFailed, StatusCode: resp.StatusCode, Reason: string(errkind.TransientNetwork), Err: ferr}
	}

	lease.Release(pacer.OK)
	return p.persistSuccess(req, resp, cacheReq)
}

// persistSuccess stores a completed response, including 3xx and 4xx
// terminal states, then analyses and discovers.
func (p *Pipeline) persistSuccess(req *queue.Request, resp *Response, cacheReq httpcache.Request) *Result {
	res := &Result{Outcome: OutcomeFetched, StatusCode: resp.StatusCode}

	subType := SubTypeOf(resp.ContentType)
	headers := flattenHeaders(resp.Headers)

	var contentID int64
	if len(resp.Body) > 0 {
		id, err := p.store.PutContent(resp.Body, subType, p.presets.PresetFor(subType))
		if err != nil {
			p.publish(telemetry.Problem(p.jobID, telemetry.SeverityError, string(errkind.Of(err)), err.Error(), req.URLID))
			return &Result{Outcome: OutcomeFailed, StatusCode: resp.StatusCode, Reason: string(errkind.Of(err)), Err: err}
		}
		contentID = id
		res.ContentID = id
		res.Saved = true
	}

	category := ""
	if resp.StatusCode >= 400 {
		category = string(errkind.PermanentHTTP)
	}
	p.recordAttempt(req, resp, contentID, category, "")

	if resp.StatusCode == http.StatusOK && len(resp.Body) > 0 && p.opts.CachePolicy != config.NetworkOnly {
		cacheReq.SubType = subType
		if err := p.cache.Store(cacheReq, resp.StatusCode, headers, resp.Body); err != nil {
			p.logger.Warn("cache store failed", zap.String("url", req.URL), zap.Error(err))
		}
	}

	analysis, page := p.analyzeBody(req, resp.FinalURL, resp.StatusCode, headers, resp.Body, contentID)
	res.Analysis = analysis

	if p.followLinks && resp.StatusCode < 300 && page != nil {
		res.Discovered = p.discover(req, page)
	}
	res.Value = realizedValue(analysis, res.Discovered)
	return res
}

// adopt serves a cached entry as the settled outcome. The original
// response row is reused; one is added only when the cache was seeded
// outside the crawl.
func (p *Pipeline) adopt(req *queue.Request, entry *httpcache.Entry, outcome Outcome) *Result {
	res := &Result{Outcome: outcome, StatusCode: entry.StatusCode}

	subType := SubTypeOf(entry.Headers["Content-Type"])

	var contentID int64
	if len(entry.Body) > 0 {
		id, err := p.store.PutContent(entry.Body, subType, p.presets.PresetFor(subType))
		if err != nil {
			p.publish(telemetry.Problem(p.jobID, telemetry.SeverityError, string(errkind.Of(err)), err.Error(), req.URLID))
			return &Result{Outcome: OutcomeFailed, StatusCode: entry.StatusCode, Reason: string(errkind.Of(err)), Err: err}
		}
		contentID = id
		res.ContentID = id
	}

	if prior, err := p.store.LatestResponse(req.URLID); err == nil && prior == nil {
		rec := &storage.HTTPResponse{
			URLID:      req.URLID,
			StatusCode: entry.StatusCode,
			FetchedAt:  p.now(),
			Headers:    entry.Headers,
			ContentID:  contentID,
			FinalURLID: req.URLID,
			BodyBytes:  int64(len(entry.Body)),
			FromCache:  true,
		}
		if _, werr := p.store.PutHTTPResponse(rec); werr != nil {
			p.logger.Warn("response write failed", zap.Int64("url_id", req.URLID), zap.Error(werr))
		}
	}

	analysis, page := p.analyzeBody(req, req.URL, entry.StatusCode, entry.Headers, entry.Body, contentID)
	res.Analysis = analysis

	if p.followLinks && entry.StatusCode < 300 && page != nil {
		res.Discovered = p.discover(req, page)
	}
	res.Value = realizedValue(analysis, res.Discovered)
	return res
}

// analyzeBody parses HTML when the response looks like a page, then
// classifies. A parse failure keeps the raw response and continues
// with an unparsed analysis.
func (p *Pipeline) analyzeBody(req *queue.Request, finalURL string, status int, headers map[string]string, body []byte, contentID int64) (*storage.Analysis, *parse.Page) {
	var page *parse.Page
	if status < 400 && len(body) > 0 && strings.Contains(strings.ToLower(headers["Content-Type"]), "html") {
		parsed, err := parse.ParseHTML(finalURL, body)
		if err != nil {
			p.publish(telemetry.Problem(p.jobID, telemetry.SeverityWarning, string(errkind.ParseFailure), err.Error(), req.URLID))
		} else {
			page = parsed
		}
	}

	analysis := p.analyzer.Analyze(&analyze.Input{
		URL:        finalURL,
		URLID:      req.URLID,
		ContentID:  contentID,
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Page:       page,
	})
	if contentID != 0 {
		if err := p.store.PutAnalysis(analysis); err != nil {
			p.logger.Warn("analysis write failed", zap.Int64("url_id", req.URLID), zap.Error(err))
		}
	}
	return analysis, page
}

// discover persists the outbound link graph and enqueues the links
// that pass crawl policy. Returns the number enqueued.
func (p *Pipeline) discover(req *queue.Request, page *parse.Page) int {
	if len(page.Links) == 0 {
		return 0
	}

	links := make([]*storage.Link, 0, len(page.Links))
	enqueued := 0
	depth := req.Depth + 1

	for _, l := range page.Links {
		target, err := url.Parse(l.URL)
		if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
			continue
		}

		dstID, err := p.urls.Intern(l.URL)
		if err != nil {
			continue
		}
		links = append(links, &storage.Link{
			SrcURLID:   req.URLID,
			DstURLID:   dstID,
			Anchor:     l.Text,
			Rel:        l.Rel,
			NoFollow:   l.NoFollow,
			DepthDelta: 1,
		})

		if l.NoFollow || depth > p.opts.MaxDepth {
			continue
		}
		host := strings.ToLower(target.Host)
		if p.opts.SameHostOnly && host != p.seedHost {
			continue
		}
		if !p.opts.ShouldCrawl(l.URL) {
			continue
		}

		if p.queue.Enqueue(&queue.Request{
			URLID:          dstID,
			URL:            l.URL,
			Host:           host,
			Depth:          depth,
			Bucket:         queue.Discovery,
			Priority:       p.priority(queue.Discovery, l.URL, depth),
			DiscoveredFrom: req.URLID,
		}) {
			enqueued++
		}
	}

	if len(links) > 0 {
		if err := p.store.PutLinks(links); err != nil {
			p.logger.Warn("link write failed", zap.Int64("url_id", req.URLID), zap.Error(err))
		}
	}
	return enqueued
}

// recordAttempt persists the response row for a network attempt,
// successful or not.
func (p *Pipeline) recordAttempt(req *queue.Request, resp *Response, contentID int64, category, message string) {
	finalID := req.URLID
	if resp.FinalURL != "" && resp.FinalURL != req.URL {
		if id, err := p.urls.Intern(resp.FinalURL); err == nil {
			finalID = id
		}
	}
	rec := &storage.HTTPResponse{
		URLID:         req.URLID,
		StatusCode:    resp.StatusCode,
		FetchedAt:     p.now(),
		Headers:       flattenHeaders(resp.Headers),
		ContentID:     contentID,
		FinalURLID:    finalID,
		RedirectHops:  resp.RedirectHops,
		TTFB:          resp.TTFB,
		Duration:      resp.Duration,
		BodyBytes:     resp.BodySize,
		ErrorCategory: category,
		ErrorMessage:  message,
	}
	if _, err := p.store.PutHTTPResponse(rec); err != nil {
		p.logger.Warn("response write failed", zap.Int64("url_id", req.URLID), zap.Error(err))
	}
}

func (p *Pipeline) publish(ev telemetry.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

// realizedValue scores what a settled fetch actually produced, in the
// same units the planner estimates with: one point per discovered
// URL, ten for an article, five for a hub.
func realizedValue(a *storage.Analysis, discovered int) float64 {
	v := float64(discovered)
	if a == nil {
		return v
	}
	if a.Classification == analyze.ClassArticle {
		v += 10
	} else if analyze.IsHub(a.Classification) {
		v += 5
	}
	return v
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func splitSchemeHost(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "https", ""
	}
	return u.Scheme, strings.ToLower(u.Host)
}
