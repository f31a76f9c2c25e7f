package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/telemetry"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestURLStore(t *testing.T, s *Store) *URLStore {
	t.Helper()
	us, err := NewURLStore(s, urlutil.DefaultNormalizer(config.DefaultTrackingParams))
	require.NoError(t, err)
	return us
}

// --- URLs ---

func TestURLStoreInternIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	id1, err := us.Intern("https://example.com/news/story?utm_source=x")
	require.NoError(t, err)
	id2, err := us.Intern("https://EXAMPLE.com/news/story")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "equivalent forms must intern to one id")

	canonical, err := us.Resolve(id1)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/news/story", canonical)

	host, err := us.HostOf(id1)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
}

func TestURLStoreRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	_, err := us.Intern("not a url")
	assert.Equal(t, errkind.InvalidInput, errkind.Of(err))

	_, err = us.Intern("ftp://example.com/file")
	assert.Equal(t, errkind.InvalidInput, errkind.Of(err))

	_, err = us.Resolve(9999)
	assert.Equal(t, errkind.InvalidInput, errkind.Of(err))
}

func TestURLStoreWarmsFromDisk(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)
	id, err := us.Intern("https://example.com/a")
	require.NoError(t, err)

	// A fresh URLStore over the same DB sees the same mapping.
	us2 := newTestURLStore(t, s)
	id2, err := us2.Intern("https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, us2.Count())
}

// --- Content tiers ---

func TestPutContentTiers(t *testing.T) {
	s := newTestStore(t)
	s.SetContentLimits(64, 256)

	small := []byte("<html><body>tiny</body></html>")
	id, err := s.PutContent(small, "html", "none")
	require.NoError(t, err)

	data, meta, err := s.GetContent(id)
	require.NoError(t, err)
	assert.Equal(t, small, data)
	assert.Equal(t, TierInline, meta.StorageType)

	// Incompressible-ish payload larger than the inline limit lands in a bucket.
	medium := bytes.Repeat([]byte("abcdefgh"), 20)
	id2, err := s.PutContent(medium, "html", "none")
	require.NoError(t, err)
	data2, meta2, err := s.GetContent(id2)
	require.NoError(t, err)
	assert.Equal(t, medium, data2)
	assert.Equal(t, TierBucket, meta2.StorageType)

	// Past the bucket limit the body becomes its own file.
	large := bytes.Repeat([]byte("ijklmnop"), 64)
	id3, err := s.PutContent(large, "html", "none")
	require.NoError(t, err)
	data3, meta3, err := s.GetContent(id3)
	require.NoError(t, err)
	assert.Equal(t, large, data3)
	assert.Equal(t, TierFile, meta3.StorageType)
}

func TestPutContentDedupesBySHA(t *testing.T) {
	s := newTestStore(t)

	body := []byte("<html>same body twice</html>")
	id1, err := s.PutContent(body, "html", "zstd-3")
	require.NoError(t, err)
	id2, err := s.PutContent(body, "html", "zstd-3")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestPutContentCompressedRoundTrip(t *testing.T) {
	s := newTestStore(t)

	body := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	for _, preset := range []string{"gzip-6", "zstd-3", "brotli-4"} {
		id, err := s.PutContent(append(body, []byte(preset)...), "html", preset)
		require.NoError(t, err, preset)
		data, meta, err := s.GetContent(id)
		require.NoError(t, err, preset)
		assert.Equal(t, append(body, []byte(preset)...), data, preset)
		assert.Less(t, meta.CompressedSize, meta.UncompressedSize, preset)
	}
}

func TestRecompressContent(t *testing.T) {
	s := newTestStore(t)

	body := bytes.Repeat([]byte("compress me again "), 100)
	id, err := s.PutContent(body, "html", "gzip-6")
	require.NoError(t, err)

	require.NoError(t, s.RecompressContent(id, "zstd-19"))
	data, meta, err := s.GetContent(id)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, 59, meta.CompressionTypeID)

	// Same preset is a no-op.
	require.NoError(t, s.RecompressContent(id, "zstd-19"))
}

func TestPruneOrphanContents(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	kept, err := s.PutContent([]byte("referenced body"), "html", "none")
	require.NoError(t, err)
	_, err = s.PutContent([]byte("orphan body"), "html", "none")
	require.NoError(t, err)

	urlID, err := us.Intern("https://example.com/page")
	require.NoError(t, err)
	_, err = s.PutHTTPResponse(&HTTPResponse{URLID: urlID, StatusCode: 200, ContentID: kept})
	require.NoError(t, err)

	n, err := s.PruneOrphanContents()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = s.GetContent(kept)
	assert.NoError(t, err)
}

// --- Responses, analyses, links ---

func TestResponsesLatestWins(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	urlID, err := us.Intern("https://example.com/story")
	require.NoError(t, err)

	_, err = s.PutHTTPResponse(&HTTPResponse{URLID: urlID, StatusCode: 503, ErrorCategory: "transient-network"})
	require.NoError(t, err)
	_, err = s.PutHTTPResponse(&HTTPResponse{
		URLID:      urlID,
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "text/html"},
		RedirectHops: []RedirectHop{
			{URL: "http://example.com/story", StatusCode: 301},
		},
		TTFB:      120 * time.Millisecond,
		Duration:  340 * time.Millisecond,
		BodyBytes: 5120,
	})
	require.NoError(t, err)

	latest, err := s.LatestResponse(urlID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 200, latest.StatusCode)
	assert.Equal(t, "text/html", latest.Headers["Content-Type"])
	require.Len(t, latest.RedirectHops, 1)
	assert.Equal(t, 301, latest.RedirectHops[0].StatusCode)

	n, err := s.ResponseCount(urlID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAnalysisUpsert(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	urlID, err := us.Intern("https://example.com/article")
	require.NoError(t, err)
	contentID, err := s.PutContent([]byte("<html>article</html>"), "html", "none")
	require.NoError(t, err)

	require.NoError(t, s.PutAnalysis(&Analysis{
		ContentID:      contentID,
		URLID:          urlID,
		Classification: "article",
		Title:          "First pass",
		SimHash:        0xDEADBEEFCAFE0123,
	}))
	require.NoError(t, s.PutAnalysis(&Analysis{
		ContentID:      contentID,
		URLID:          urlID,
		Classification: "article",
		Title:          "Second pass",
		WordCount:      420,
		PlaceIDs:       []int64{7, 9},
		Signals:        map[string]any{"og:type": "article"},
		SimHash:        0xDEADBEEFCAFE0123,
	}))

	a, err := s.GetAnalysis(contentID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Second pass", a.Title)
	assert.Equal(t, 420, a.WordCount)
	assert.Equal(t, []int64{7, 9}, a.PlaceIDs)
	assert.Equal(t, uint64(0xDEADBEEFCAFE0123), a.SimHash)
}

func TestLinksGraph(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	src, err := us.Intern("https://example.com/")
	require.NoError(t, err)
	dst1, err := us.Intern("https://example.com/a")
	require.NoError(t, err)
	dst2, err := us.Intern("https://example.com/b")
	require.NoError(t, err)

	links := []*Link{
		{SrcURLID: src, DstURLID: dst1, Anchor: "Story A"},
		{SrcURLID: src, DstURLID: dst2, Anchor: "Story B", NoFollow: true},
		{SrcURLID: src, DstURLID: dst1, Anchor: "dup edge"},
	}
	require.NoError(t, s.PutLinks(links))

	out, err := s.Outlinks(src, 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	n, err := s.InlinkCount(dst1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- Jobs and queue events ---

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	seed, err := us.Intern("https://example.com/")
	require.NoError(t, err)

	jobID, err := s.CreateJob(seed, "basic", `{"max_depth":3}`)
	require.NoError(t, err)

	require.NoError(t, s.SetJobStatus(jobID, JobRunning))
	j, err := s.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, j.Status)
	assert.False(t, j.StartedAt.IsZero())
	assert.True(t, j.EndedAt.IsZero())

	incomplete, err := s.IncompleteJobs()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)

	require.NoError(t, s.SetJobEndReason(jobID, "max-pages"))
	require.NoError(t, s.SetJobStatus(jobID, JobCompleted))
	j, err = s.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, "max-pages", j.EndReason)
	assert.False(t, j.EndedAt.IsZero())

	incomplete, err = s.IncompleteJobs()
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestPendingQueueEventsReconstruction(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	seed, _ := us.Intern("https://example.com/")
	jobID, err := s.CreateJob(seed, "basic", "")
	require.NoError(t, err)

	var ids [4]int64
	for i := range ids {
		ids[i], err = us.Intern(fmt.Sprintf("https://example.com/p%d", i))
		require.NoError(t, err)
	}

	// url0: enqueued then visited -> not pending
	require.NoError(t, s.LogQueueEvent(jobID, EventEnqueued, ids[0], 1, "discovery", 200))
	require.NoError(t, s.LogQueueEvent(jobID, EventVisited, ids[0], 1, "discovery", 200))
	// url1: discovered then re-enqueued at higher priority -> pending once, latest wins
	require.NoError(t, s.LogQueueEvent(jobID, EventDiscovered, ids[1], 2, "discovery", 180))
	require.NoError(t, s.LogQueueEvent(jobID, EventEnqueued, ids[1], 2, "acquisition", 510))
	// url2: enqueued then failed -> not pending
	require.NoError(t, s.LogQueueEvent(jobID, EventEnqueued, ids[2], 1, "discovery", 200))
	require.NoError(t, s.LogQueueEvent(jobID, EventFailed, ids[2], 1, "discovery", 200))
	// url3: just enqueued -> pending
	require.NoError(t, s.LogQueueEvent(jobID, EventEnqueued, ids[3], 3, "plan-directed", 1000))

	pending, err := s.PendingQueueEvents(jobID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byURL := map[int64]*PendingEntry{}
	for _, p := range pending {
		byURL[p.URLID] = p
	}
	require.Contains(t, byURL, ids[1])
	assert.Equal(t, "acquisition", byURL[ids[1]].Bucket)
	assert.Equal(t, 510.0, byURL[ids[1]].Priority)
	require.Contains(t, byURL, ids[3])
	assert.Equal(t, "plan-directed", byURL[ids[3]].Bucket)

	visited, err := s.VisitedURLs(jobID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{ids[0]: 1}, visited)

	n, err := s.QueueEventCount(jobID, EventVisited)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveEvent(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)
	seed, _ := us.Intern("https://example.com/")
	jobID, err := s.CreateJob(seed, "basic", "")
	require.NoError(t, err)

	ev := telemetry.Milestone(jobID, "first_article_found", map[string]any{"url_id": seed})
	require.NoError(t, s.ArchiveEvent(ev))

	n, err := s.MilestoneCount(jobID, "first_article_found")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	prob := telemetry.Problem(jobID, telemetry.SeverityWarning, "fetch-failed", "503 from host", seed)
	require.NoError(t, s.ArchiveEvent(prob))
}

// --- Places and ingestion ---

func TestPlaceDedupLookups(t *testing.T) {
	s := newTestStore(t)

	countryID, err := s.InsertPlace(&Place{Kind: "country", CountryCode: "fr", Lat: 46.2, Lng: 2.2})
	require.NoError(t, err)
	nameID, err := s.AddPlaceName(countryID, "France", "france", "en", "label")
	require.NoError(t, err)
	require.NoError(t, s.SetCanonicalName(countryID, nameID))
	require.NoError(t, s.AddExternalID(countryID, "wikidata", "Q142"))

	cityID, err := s.InsertPlace(&Place{Kind: "city", CountryCode: "fr", Lat: 48.8566, Lng: 2.3522, Population: 2100000})
	require.NoError(t, err)
	_, err = s.AddPlaceName(cityID, "Paris", "paris", "en", "label")
	require.NoError(t, err)
	require.NoError(t, s.AddHierarchyEdge(countryID, cityID, "contains"))

	p, err := s.FindPlaceByExternalID("wikidata", "Q142")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, countryID, p.ID)

	p, err = s.FindPlaceByName("paris", "fr", "city")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, cityID, p.ID)

	p, err = s.FindPlaceNear(48.86, 2.35, 0.05, "city")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, cityID, p.ID)

	p, err = s.FindPlaceNear(40.0, 2.35, 0.05, "city")
	require.NoError(t, err)
	assert.Nil(t, p)

	// Duplicate name insert returns the existing row id.
	again, err := s.AddPlaceName(cityID, "Paris", "paris", "en", "label")
	require.NoError(t, err)
	names, err := s.AllPlaceNames()
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.NotZero(t, again)
}

func TestExternalIDConflictRejected(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.InsertPlace(&Place{Kind: "city", CountryCode: "de"})
	b, _ := s.InsertPlace(&Place{Kind: "city", CountryCode: "de"})
	require.NoError(t, s.AddExternalID(a, "geonames", "2950159"))

	// Same binding again is fine.
	require.NoError(t, s.AddExternalID(a, "geonames", "2950159"))
	// Rebinding to another place is not.
	err := s.AddExternalID(b, "geonames", "2950159")
	assert.Equal(t, errkind.PreconditionFailed, errkind.Of(err))
}

func TestIngestionRunIdempotence(t *testing.T) {
	s := newTestStore(t)

	runID, err := s.StartIngestionRun("restcountries", "v3.1", false)
	require.NoError(t, err)

	// A second run of the same source while one is running is refused.
	_, err = s.StartIngestionRun("restcountries", "v3.1", false)
	assert.Equal(t, errkind.PreconditionFailed, errkind.Of(err))

	require.NoError(t, s.CompleteIngestionRun(runID, 250, 0, 0))

	// Completed version refuses a rerun without force.
	_, err = s.StartIngestionRun("restcountries", "v3.1", false)
	assert.Equal(t, errkind.PreconditionFailed, errkind.Of(err))

	done, err := s.HasCompletedRun("restcountries", "v3.1")
	require.NoError(t, err)
	assert.True(t, done)

	// force reruns; a new version runs without force.
	runID2, err := s.StartIngestionRun("restcountries", "v3.1", true)
	require.NoError(t, err)
	require.NoError(t, s.FailIngestionRun(runID2, "timeout"))

	_, err = s.StartIngestionRun("restcountries", "v3.2", false)
	require.NoError(t, err)
}

// --- Plans ---

func TestPlanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	us := newTestURLStore(t, s)

	u1, _ := us.Intern("https://example.com/news")
	u2, _ := us.Intern("https://example.com/world")

	planID, err := s.PutPlan(&Plan{
		Domain:           "example.com",
		Goal:             "maximize fresh articles",
		EstimatedValue:   42.5,
		EstimatedCost:    6,
		Probability:      0.8,
		Lookahead:        3,
		BranchesExplored: 17,
	}, []*PlanStep{
		{Seq: 0, ActionType: "fetch-hub", TargetURLID: u1, ExpectedValue: 30, Cost: 1, Probability: 0.9},
		{Seq: 1, ActionType: "fetch-hub", TargetURLID: u2, ExpectedValue: 12.5, Cost: 1, Probability: 0.7},
	})
	require.NoError(t, err)

	p, steps, err := s.GetPlan(planID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "example.com", p.Domain)
	require.Len(t, steps, 2)
	assert.Equal(t, "fetch-hub", steps[0].ActionType)
	assert.Equal(t, u2, steps[1].TargetURLID)

	require.NoError(t, s.PutPlanOutcome(&PlanOutcome{
		PlanID: planID, StepsCompleted: 2, ActualValue: 38, PerformanceRatio: 0.89,
	}))
	require.NoError(t, s.PutStepResult(&StepResult{
		PlanID: planID, Seq: 0, ActionType: "fetch-hub", ExpectedValue: 30, ActualValue: 28, Ratio: 0.93,
	}))

	results, err := s.StepResultsForDomain("example.com", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.93, results[0].Ratio, 1e-9)

	n, err := s.CompletedOutcomeCount("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHeuristicUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertHeuristic(&Heuristic{Domain: "example.com", Pattern: "/news/", Weight: 1.4, Samples: 5}))
	require.NoError(t, s.UpsertHeuristic(&Heuristic{Domain: "example.com", Pattern: "/news/", Weight: 1.6, Samples: 10}))

	hs, err := s.GetHeuristics("example.com")
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.InDelta(t, 1.6, hs[0].Weight, 1e-9)
	assert.Equal(t, 10, hs[0].Samples)
}

// --- Background tasks ---

func TestTaskLifecycleAndRehydration(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateTask("task-1", "compress", `{"preset":"zstd-19"}`))
	require.NoError(t, s.SetTaskStatus("task-1", TaskRunning, ""))
	require.NoError(t, s.UpdateTaskProgress("task-1", `{"done":40,"total":100}`, `{"after_id":40}`))

	require.NoError(t, s.CreateTask("task-2", "analyse", ""))
	require.NoError(t, s.SetTaskStatus("task-2", TaskCompleted, ""))

	paused, err := s.RehydrateRunningTasks()
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "task-1", paused[0].ID)
	assert.Equal(t, `{"after_id":40}`, paused[0].CursorJSON)

	tk, err := s.GetTask("task-2")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, tk.Status)
	assert.False(t, tk.EndedAt.IsZero())

	all, err := s.ListTasks("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Cache rows ---

func TestCachePutGetTouch(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CachePut(&CacheEntry{
		Key: "k1", Method: "GET", URL: "https://example.com/robots.txt", SubType: "robots",
		StatusCode: 200, Headers: map[string]string{"Content-Type": "text/plain"},
		Body: []byte("User-agent: *"), CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour), LastAccess: now,
	}))

	e, err := s.CacheGet("k1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(1), e.HitCount)
	assert.Equal(t, "text/plain", e.Headers["Content-Type"])

	e, err = s.CacheGet("k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.HitCount)

	e, err = s.CacheGet("missing")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestCacheEvictionAndPurge(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.CachePut(&CacheEntry{
			Key:        fmt.Sprintf("k%d", i),
			URL:        fmt.Sprintf("https://example.com/p%d", i),
			SubType:    "html",
			Body:       bytes.Repeat([]byte{byte('a' + i)}, 100),
			CreatedAt:  base,
			ExpiresAt:  base.Add(2 * time.Hour),
			LastAccess: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	total, err := s.CacheTotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(400), total)

	// Evicting to 250 bytes drops the two least recently used entries.
	n, err := s.CacheEvictLRU(250)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e, err := s.CacheGet("k0")
	require.NoError(t, err)
	assert.Nil(t, e)
	e, err = s.CacheGet("k3")
	require.NoError(t, err)
	assert.NotNil(t, e)

	// Expire everything and purge.
	removed, err := s.CachePurgeExpired(base.Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	entries, bytesStored, err := s.CacheStats()
	require.NoError(t, err)
	assert.Zero(t, entries)
	assert.Zero(t, bytesStored)
}

func TestCacheDeleteByURLPrefix(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i, u := range []string{"https://a.com/x", "https://a.com/y", "https://b.com/z"} {
		require.NoError(t, s.CachePut(&CacheEntry{
			Key: fmt.Sprintf("p%d", i), URL: u, SubType: "html", Body: []byte("b"),
			CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccess: now,
		}))
	}

	n, err := s.CacheDeleteByURLPrefix("https://a.com/")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, _, err := s.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, 1, entries)
}
