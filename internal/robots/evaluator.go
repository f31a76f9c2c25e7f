package robots

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/httpcache"
)

// FetchFunc retrieves a robots.txt over the network. The crawler wires
// in the fetcher so this package stays free of transport concerns.
type FetchFunc func(ctx context.Context, rawURL string) (status int, body []byte, err error)

// hostPolicy is the evaluated stance toward one host.
type hostPolicy struct {
	parsed     *RobotsTxt
	failClosed bool
	loadedAt   time.Time
}

// Evaluator answers Allowed/Delay per host, loading robots.txt through
// the cache facade. Missing or unreachable files allow everything;
// a 401 or 403 disallows everything for that host.
type Evaluator struct {
	cache  *httpcache.Cache
	fetch  FetchFunc
	agent  string
	logger *zap.Logger

	mu      sync.RWMutex
	byHost  map[string]*hostPolicy
	refresh time.Duration
}

// NewEvaluator builds an evaluator for the given user agent.
func NewEvaluator(cache *httpcache.Cache, fetch FetchFunc, agent string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		cache:   cache,
		fetch:   fetch,
		agent:   agent,
		logger:  logger.Named("robots"),
		byHost:  make(map[string]*hostPolicy),
		refresh: time.Hour,
	}
}

// Allowed reports whether the configured agent may fetch rawURL.
func (e *Evaluator) Allowed(ctx context.Context, scheme, host, rawURL string) bool {
	p := e.policy(ctx, scheme, host)
	if p.failClosed {
		return false
	}
	if p.parsed == nil {
		return true
	}
	return p.parsed.IsAllowed(e.agent, PathOf(rawURL))
}

// Delay returns the host's crawl-delay for the configured agent.
func (e *Evaluator) Delay(ctx context.Context, scheme, host string) time.Duration {
	p := e.policy(ctx, scheme, host)
	if p.parsed == nil {
		return 0
	}
	return p.parsed.Delay(e.agent)
}

// Sitemaps returns sitemap URLs declared by the host's robots.txt.
func (e *Evaluator) Sitemaps(ctx context.Context, scheme, host string) []string {
	p := e.policy(ctx, scheme, host)
	if p.parsed == nil {
		return nil
	}
	return p.parsed.Sitemaps
}

func (e *Evaluator) policy(ctx context.Context, scheme, host string) *hostPolicy {
	e.mu.RLock()
	p, ok := e.byHost[host]
	e.mu.RUnlock()
	if ok && time.Since(p.loadedAt) < e.refresh {
		return p
	}

	p = e.load(ctx, scheme, host)

	e.mu.Lock()
	e.byHost[host] = p
	e.mu.Unlock()
	return p
}

// load resolves robots.txt via cache, then network, storing outcomes
// (including 4xx) so repeated decisions stay cheap.
func (e *Evaluator) load(ctx context.Context, scheme, host string) *hostPolicy {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req := httpcache.Request{Method: "GET", URL: robotsURL, SubType: "robots"}

	entry, status, err := e.cache.Lookup(req)
	if err != nil {
		e.logger.Warn("robots cache lookup failed", zap.String("host", host), zap.Error(err))
	}
	if entry != nil && status == httpcache.StatusHit {
		return e.evaluate(host, entry.StatusCode, entry.Body)
	}

	if e.fetch != nil {
		code, body, ferr := e.fetch(ctx, robotsURL)
		if ferr == nil {
			if serr := e.cache.Store(req, code, map[string]string{"X-Robots-Status": strconv.Itoa(code)}, body); serr != nil {
				e.logger.Warn("robots cache store failed", zap.String("host", host), zap.Error(serr))
			}
			return e.evaluate(host, code, body)
		}
		e.logger.Debug("robots fetch failed", zap.String("host", host), zap.Error(ferr))
	}

	// Serve stale over nothing.
	if entry != nil {
		return e.evaluate(host, entry.StatusCode, entry.Body)
	}
	return &hostPolicy{loadedAt: time.Now()}
}

func (e *Evaluator) evaluate(host string, status int, body []byte) *hostPolicy {
	p := &hostPolicy{loadedAt: time.Now()}
	switch {
	case status == 401 || status == 403:
		p.failClosed = true
		e.logger.Info("robots.txt denies access", zap.String("host", host), zap.Int("status", status))
	case status >= 200 && status < 300:
		p.parsed = Parse(string(body))
	default:
		// 404 and server errors allow everything.
	}
	return p
}
