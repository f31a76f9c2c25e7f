package httpcache

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/storage"
)

func newTestCache(t *testing.T, maxBytes int64) (*Cache, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.New(filepath.Join(dir, "cache.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	policy := cfg.Cache
	policy.MaxBytes = maxBytes
	c := New(s, cfg.Compression, policy, zap.NewNop())

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("GET", "https://example.com/x", map[string]string{"lang": "en", "q": "news"})
	b := Fingerprint("GET", "https://example.com/x", map[string]string{"q": "news", "lang": "en"})
	assert.Equal(t, a, b, "param order must not matter")

	c := Fingerprint("POST", "https://example.com/x", map[string]string{"q": "news", "lang": "en"})
	assert.NotEqual(t, a, c, "method participates in the key")

	d := Fingerprint("GET", "https://example.com/y", nil)
	assert.Len(t, d, 64)
	assert.NotEqual(t, a, d)
}

func TestLookupMissStoreHit(t *testing.T) {
	c, _ := newTestCache(t, 0)
	req := Request{Method: "GET", URL: "https://example.com/page", SubType: "html"}

	_, status, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)

	body := bytes.Repeat([]byte("<p>cached content</p>"), 40)
	require.NoError(t, c.Store(req, 200, map[string]string{"Content-Type": "text/html"}, body))

	entry, status, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)
	assert.Equal(t, body, entry.Body)
	assert.Equal(t, 200, entry.StatusCode)
	assert.Equal(t, "text/html", entry.Headers["Content-Type"])
}

func TestLookupExpiredStillReturnsEntry(t *testing.T) {
	c, clock := newTestCache(t, 0)
	req := Request{Method: "GET", URL: "https://example.com/stale", SubType: "sparql-results"}
	require.NoError(t, c.Store(req, 200, nil, []byte(`{"results":[]}`)))

	// sparql-results TTL is one day.
	*clock = clock.Add(25 * time.Hour)
	entry, status, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
	require.NotNil(t, entry, "stale entries serve fallback reads")
	assert.Equal(t, []byte(`{"results":[]}`), entry.Body)
	assert.Equal(t, 25*time.Hour, entry.Age(*clock))
}

func TestStoreEvictsOverCeiling(t *testing.T) {
	c, clock := newTestCache(t, 600)

	// Random bodies so compression cannot shrink below the ceiling.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 6; i++ {
		body := make([]byte, 200)
		rng.Read(body)
		req := Request{Method: "GET", URL: "https://example.com/p" + string(rune('a'+i)), SubType: "html"}
		require.NoError(t, c.Store(req, 200, nil, body))
		*clock = clock.Add(time.Minute)
	}

	_, total, err := c.Stats()
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(600))

	// Oldest entry is gone, newest survives.
	_, status, err := c.Lookup(Request{Method: "GET", URL: "https://example.com/pa", SubType: "html"})
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	_, status, err = c.Lookup(Request{Method: "GET", URL: "https://example.com/pf", SubType: "html"})
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 0)

	reqs := []Request{
		{Method: "GET", URL: "https://example.com/a", SubType: "html"},
		{Method: "GET", URL: "https://example.com/b", SubType: "html"},
		{Method: "GET", URL: "https://other.com/c", SubType: "html"},
	}
	for _, r := range reqs {
		require.NoError(t, c.Store(r, 200, nil, []byte("x")))
	}

	require.NoError(t, c.Invalidate(reqs[0]))
	_, status, _ := c.Lookup(reqs[0])
	assert.Equal(t, StatusMiss, status)

	n, err := c.InvalidateURLPrefix("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, status, _ = c.Lookup(reqs[2])
	assert.Equal(t, StatusHit, status)
}

func TestPurgeExpired(t *testing.T) {
	c, clock := newTestCache(t, 0)
	require.NoError(t, c.Store(Request{Method: "GET", URL: "https://example.com/r", SubType: "robots"}, 200, nil, []byte("User-agent: *")))

	*clock = clock.Add(48 * time.Hour)
	n, err := c.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
