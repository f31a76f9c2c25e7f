package fetch

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/pacer"
	"github.com/harvest-crawler/harvest/internal/queue"
	"github.com/harvest-crawler/harvest/internal/robots"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/testutil"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

// collectSink records enqueued requests, deduplicating by URL ID the
// way the real queue does.
type collectSink struct {
	reqs []*queue.Request
}

func (c *collectSink) Enqueue(req *queue.Request) bool {
	for _, r := range c.reqs {
		if r.URLID == req.URLID {
			return false
		}
	}
	c.reqs = append(c.reqs, req)
	return true
}

type pipeEnv struct {
	cfg   *config.Config
	store *storage.Store
	urls  *storage.URLStore
	cache *httpcache.Cache
	sink  *collectSink
	opts  *config.CrawlOptions
	pipe  *Pipeline
}

func newPipeEnv(t *testing.T, seed string) *pipeEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "harvest.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	urls, err := storage.NewURLStore(store, urlutil.DefaultNormalizer(config.DefaultTrackingParams))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	cfg.RespectRobotsTxt = false
	cfg.Pacing = config.Pacing{MinInterval: time.Millisecond, BackoffCeiling: 50 * time.Millisecond, HostInFlight: 4}

	opts := config.NewCrawlOptions(cfg, seed, config.CrawlBasic)
	require.NoError(t, opts.CompilePatterns())

	env := &pipeEnv{
		cfg:   cfg,
		store: store,
		urls:  urls,
		cache: httpcache.New(store, cfg.Compression, cfg.Cache, zap.NewNop()),
		sink:  &collectSink{},
		opts:  opts,
	}
	env.rebuild(t)
	return env
}

// rebuild recreates the pipeline after opts changes.
func (e *pipeEnv) rebuild(t *testing.T) {
	t.Helper()
	gaz := gazetteer.NewIndex(zap.NewNop())
	fetcher := NewFetcher(e.cfg, zap.NewNop())
	t.Cleanup(fetcher.Close)

	var ev *robots.Evaluator
	if e.opts.RespectRobotsTxt {
		ev = robots.NewEvaluator(e.cache, fetcher.FetchBytes, e.cfg.UserAgent, zap.NewNop())
	}

	e.pipe = NewPipeline(PipelineConfig{
		JobID:    1,
		SeedHost: hostOf(t, e.opts.Seed),
		Options:  e.opts,
		Presets:  e.cfg.Compression,
		Store:    e.store,
		URLs:     e.urls,
		Cache:    e.cache,
		Fetcher:  fetcher,
		Pacer:    pacer.New(e.cfg.Pacing, zap.NewNop()),
		Robots:   ev,
		Analyzer: analyze.New(gaz, analyze.DefaultTopics()),
		Queue:    e.sink,
	})
}

func (e *pipeEnv) request(t *testing.T, rawURL string, depth int) *queue.Request {
	t.Helper()
	id, err := e.urls.Intern(rawURL)
	require.NoError(t, err)
	return &queue.Request{
		URLID:  id,
		URL:    rawURL,
		Host:   hostOf(t, rawURL),
		Depth:  depth,
		Bucket: queue.Discovery,
	}
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	host, err := urlutil.ExtractHost(rawURL)
	require.NoError(t, err)
	return host
}

func TestPipelineFetchPersistsAndDiscovers(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/", `<html><head><title>Home</title></head><body>
		<a href="/world">World</a>
		<a href="/politics">Politics</a>
		<a href="https://elsewhere.example.com/out">Out</a>
	</body></html>`)

	env := newPipeEnv(t, srv.URL()+"/")
	req := env.request(t, srv.URL()+"/", 0)

	res := env.pipe.Execute(context.Background(), req)

	require.Equal(t, OutcomeFetched, res.Outcome)
	assert.Equal(t, 200, res.StatusCode)
	assert.NotZero(t, res.ContentID)
	assert.True(t, res.Saved)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, "Home", res.Analysis.Title)

	// Cross-host link is persisted but not enqueued.
	assert.Equal(t, 2, res.Discovered)
	assert.Len(t, env.sink.reqs, 2)
	for _, r := range env.sink.reqs {
		assert.Equal(t, 1, r.Depth)
		assert.Equal(t, queue.Discovery, r.Bucket)
		assert.Equal(t, req.URLID, r.DiscoveredFrom)
	}

	out, err := env.store.Outlinks(req.URLID, 10)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	resp, err := env.store.LatestResponse(req.URLID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, resp.ErrorCategory)
	assert.Greater(t, resp.BodyBytes, int64(0))
}

func TestPipelineSecondPassServedFromCache(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/page", `<html><head><title>Cached</title></head><body><p>stable body</p></body></html>`)

	env := newPipeEnv(t, srv.URL()+"/page")
	req := env.request(t, srv.URL()+"/page", 0)

	first := env.pipe.Execute(context.Background(), req)
	require.Equal(t, OutcomeFetched, first.Outcome)
	require.Equal(t, 1, srv.Hits("/page"))

	second := env.pipe.Execute(context.Background(), req)
	require.Equal(t, OutcomeServedFromCache, second.Outcome)
	assert.Equal(t, 200, second.StatusCode)
	assert.Equal(t, 1, srv.Hits("/page"), "second pass must not touch the network")

	// The original response row is reused, not duplicated.
	n, err := env.store.ResponseCount(req.URLID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipelineCacheOnly(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/warm", `<html><head><title>Warm</title></head><body><p>cached earlier</p></body></html>`)

	env := newPipeEnv(t, srv.URL()+"/warm")
	warm := env.request(t, srv.URL()+"/warm", 0)
	require.Equal(t, OutcomeFetched, env.pipe.Execute(context.Background(), warm).Outcome)

	env.opts.CachePolicy = config.CacheOnly
	env.rebuild(t)

	res := env.pipe.Execute(context.Background(), warm)
	assert.Equal(t, OutcomeServedFromCache, res.Outcome)
	assert.Equal(t, 1, srv.Hits("/warm"))

	cold := env.request(t, srv.URL()+"/cold", 0)
	res = env.pipe.Execute(context.Background(), cold)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "cache-only-miss", res.Reason)
	assert.Equal(t, 0, srv.Hits("/cold"))

	// Skips leave no response row behind.
	n, err := env.store.ResponseCount(cold.URLID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPipelineStaleFallback(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/story", `<html><head><title>Story</title></head><body><p>original text</p></body></html>`)

	env := newPipeEnv(t, srv.URL()+"/story")
	req := env.request(t, srv.URL()+"/story", 0)
	require.Equal(t, OutcomeFetched, env.pipe.Execute(context.Background(), req).Outcome)

	srv.SetError("/story", 503)
	env.opts.CachePolicy = config.PreferFresh
	env.opts.FallbackToCache = true
	env.rebuild(t)

	res := env.pipe.Execute(context.Background(), req)
	require.Equal(t, OutcomeServedStale, res.Outcome)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, "Story", res.Analysis.Title)

	// The failed attempt is still on record.
	resp, err := env.store.LatestResponse(req.URLID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, string(errkind.TransientNetwork), resp.ErrorCategory)

	env.opts.FallbackToCache = false
	env.rebuild(t)

	res = env.pipe.Execute(context.Background(), req)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errkind.Retryable(res.Err))
}

func TestPipelineRobotsDisallowSkips(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.BuildNewsSite()

	env := newPipeEnv(t, srv.URL()+"/")
	env.opts.RespectRobotsTxt = true
	env.rebuild(t)

	req := env.request(t, srv.URL()+"/private/editorial-calendar", 1)
	res := env.pipe.Execute(context.Background(), req)

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "robots-disallowed", res.Reason)
	assert.Equal(t, 0, srv.Hits("/private/editorial-calendar"))

	allowed := env.request(t, srv.URL()+"/world", 1)
	res = env.pipe.Execute(context.Background(), allowed)
	assert.Equal(t, OutcomeFetched, res.Outcome)
}

func TestPipelineClientErrorRecordedNotRetried(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()

	env := newPipeEnv(t, srv.URL()+"/")
	req := env.request(t, srv.URL()+"/missing", 0)

	res := env.pipe.Execute(context.Background(), req)

	require.Equal(t, OutcomeFetched, res.Outcome)
	assert.Equal(t, 404, res.StatusCode)
	assert.Nil(t, res.Err)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, analyze.ClassError, res.Analysis.Classification)
	assert.Empty(t, env.sink.reqs)

	resp, err := env.store.LatestResponse(req.URLID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, string(errkind.PermanentHTTP), resp.ErrorCategory)
}

func TestPipelineNetworkErrorFails(t *testing.T) {
	srv := testutil.NewServer()
	base := srv.URL()
	srv.Close()

	env := newPipeEnv(t, base+"/")
	req := env.request(t, base+"/gone", 0)

	res := env.pipe.Execute(context.Background(), req)

	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.True(t, errkind.Retryable(res.Err))

	resp, err := env.store.LatestResponse(req.URLID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 0, resp.StatusCode)
	assert.Equal(t, string(errkind.TransientNetwork), resp.ErrorCategory)
	assert.NotEmpty(t, resp.ErrorMessage)
}

func TestPipelineDiscoveryPolicyFilters(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/hub", `<html><body>
		<a href="/keep/one">One</a>
		<a href="/skip/two" rel="nofollow">Two</a>
		<a href="/admin/three">Three</a>
	</body></html>`)

	env := newPipeEnv(t, srv.URL()+"/hub")
	env.opts.ExcludePatterns = []string{`/admin/`}
	require.NoError(t, env.opts.CompilePatterns())
	env.rebuild(t)

	req := env.request(t, srv.URL()+"/hub", 0)
	res := env.pipe.Execute(context.Background(), req)

	require.Equal(t, OutcomeFetched, res.Outcome)
	assert.Equal(t, 1, res.Discovered)
	require.Len(t, env.sink.reqs, 1)
	assert.Contains(t, env.sink.reqs[0].URL, "/keep/one")

	// All three links land in the graph regardless of policy.
	out, err := env.store.Outlinks(req.URLID, 10)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestPipelineDepthCeilingStopsDiscovery(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddPage("/deep", `<html><body><a href="/deeper">Deeper</a></body></html>`)

	env := newPipeEnv(t, srv.URL()+"/deep")
	req := env.request(t, srv.URL()+"/deep", env.opts.MaxDepth)

	res := env.pipe.Execute(context.Background(), req)

	require.Equal(t, OutcomeFetched, res.Outcome)
	assert.Zero(t, res.Discovered)
	assert.Empty(t, env.sink.reqs)
}

func TestFetcherRedirectChain(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.SetRedirect("/old", "/new")
	srv.AddPage("/new", `<html><head><title>Moved</title></head><body>here</body></html>`)

	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	f := NewFetcher(cfg, zap.NewNop())
	defer f.Close()

	resp := f.Do(context.Background(), srv.URL()+"/old")

	require.NoError(t, resp.Err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, srv.URL()+"/new", resp.FinalURL)
	require.Len(t, resp.RedirectHops, 1)
	assert.Equal(t, 301, resp.RedirectHops[0].StatusCode)
	assert.Greater(t, resp.TTFB, time.Duration(0))
}

func TestFetcherRedirectLoopGivesUp(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.SetRedirect("/a", "/b")
	srv.SetRedirect("/b", "/a")

	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	f := NewFetcher(cfg, zap.NewNop())
	defer f.Close()

	resp := f.Do(context.Background(), srv.URL()+"/a")

	require.Error(t, resp.Err)
	assert.True(t, errkind.Is(resp.Err, errkind.PermanentHTTP))
	assert.Len(t, resp.RedirectHops, maxRedirects+1)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))

	at := now.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, parseRetryAfter(at.Format(time.RFC1123), now))
}

func TestSubTypeOf(t *testing.T) {
	cases := map[string]string{
		"text/html":                "html",
		"application/xhtml+xml":    "html",
		"application/json":         "json-entities",
		"application/sparql+json":  "json-entities",
		"text/plain":               "text",
		"application/octet-stream": "binary",
		"image/png":                "binary",
		"":                         "binary",
	}
	for ct, want := range cases {
		assert.Equal(t, want, SubTypeOf(ct), ct)
	}
}

func TestFetcherDecodesGzipBodies(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()

	srv.AddRawPage("/zipped", &testutil.Page{
		Content:     gzipString(t, "<html><head><title>Packed</title></head><body>ok</body></html>"),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  200,
		Headers:     map[string]string{"Content-Encoding": "gzip"},
	})

	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	f := NewFetcher(cfg, zap.NewNop())
	defer f.Close()

	resp := f.Do(context.Background(), srv.URL()+"/zipped")

	require.NoError(t, resp.Err)
	assert.Contains(t, string(resp.Body), "<title>Packed</title>")
}

func gzipString(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.String()
}
