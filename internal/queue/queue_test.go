package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-crawler/harvest/internal/storage"
)

// fakeLog records queue events in memory and replays pending entries.
type fakeLog struct {
	mu      sync.Mutex
	events  []storage.QueueEvent
	pending []*storage.PendingEntry
	visited map[int64]int
}

func (f *fakeLog) LogQueueEvent(jobID int64, action string, urlID int64, depth int, bucket string, priority float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, storage.QueueEvent{
		JobID: jobID, Action: action, URLID: urlID, Depth: depth, Bucket: bucket, Priority: priority,
	})
	return nil
}

func (f *fakeLog) PendingQueueEvents(jobID int64) ([]*storage.PendingEntry, error) {
	return f.pending, nil
}

func (f *fakeLog) VisitedURLs(jobID int64) (map[int64]int, error) {
	if f.visited == nil {
		return map[int64]int{}, nil
	}
	return f.visited, nil
}

func (f *fakeLog) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Action
	}
	return out
}

// fakeResolver serves canonical URLs for rehydration.
type fakeResolver map[int64]string

func (f fakeResolver) Resolve(id int64) (string, error) { return f[id], nil }
func (f fakeResolver) HostOf(id int64) (string, error)  { return "example.com", nil }

// gateFunc adapts a func to HostGate.
type gateFunc func(host string, now time.Time) bool

func (g gateFunc) Permitted(host string, now time.Time) bool { return g(host, now) }

var openGate = gateFunc(func(string, time.Time) bool { return true })

func req(id int64, host string, depth int, b Bucket, prio float64) *Request {
	return &Request{URLID: id, URL: "https://" + host + "/p", Host: host, Depth: depth, Bucket: b, Priority: prio}
}

func TestEnqueueDedup(t *testing.T) {
	q := New(1, &fakeLog{}, nil)

	assert.True(t, q.Enqueue(req(10, "a.com", 1, Discovery, 200)))
	assert.False(t, q.Enqueue(req(10, "a.com", 1, Discovery, 200)), "already pending")
	assert.Equal(t, 1, q.Len())

	q.MarkOutcome(10, 1, storage.EventVisited)
	assert.False(t, q.Enqueue(req(10, "a.com", 1, Discovery, 200)), "visited at equal depth")
	assert.False(t, q.Enqueue(req(10, "a.com", 3, Discovery, 200)), "visited at shallower depth")
	assert.True(t, q.Enqueue(req(10, "a.com", 0, Discovery, 200)), "shallower re-visit is allowed")
}

func TestBucketPrecedence(t *testing.T) {
	q := New(1, &fakeLog{}, nil)

	require.True(t, q.Enqueue(req(1, "a.com", 1, Discovery, 999)))
	require.True(t, q.Enqueue(req(2, "a.com", 1, Acquisition, 10)))
	require.True(t, q.Enqueue(req(3, "a.com", 1, PlanDirected, 1)))

	assert.Equal(t, int64(3), q.DequeueReady(time.Now(), openGate).URLID, "plan bucket first regardless of priority")
	assert.Equal(t, int64(2), q.DequeueReady(time.Now(), openGate).URLID)
	assert.Equal(t, int64(1), q.DequeueReady(time.Now(), openGate).URLID)
	assert.Nil(t, q.DequeueReady(time.Now(), openGate))
}

func TestPriorityAndTieBreaks(t *testing.T) {
	q := New(1, &fakeLog{}, nil)

	r1 := req(1, "a.com", 1, Acquisition, 500)
	r2 := req(2, "a.com", 1, Acquisition, 700)
	r3 := req(3, "a.com", 1, Acquisition, 500)
	r3.ExpectedValue = 9
	r4 := req(4, "a.com", 1, Acquisition, 500) // same as r1, enqueued later

	for _, r := range []*Request{r1, r2, r3, r4} {
		require.True(t, q.Enqueue(r))
	}

	assert.Equal(t, int64(2), q.DequeueReady(time.Now(), openGate).URLID, "highest priority")
	assert.Equal(t, int64(3), q.DequeueReady(time.Now(), openGate).URLID, "expected value breaks priority tie")
	assert.Equal(t, int64(1), q.DequeueReady(time.Now(), openGate).URLID, "enqueue order breaks the rest")
	assert.Equal(t, int64(4), q.DequeueReady(time.Now(), openGate).URLID)
}

func TestDequeueSkipsBlockedHosts(t *testing.T) {
	q := New(1, &fakeLog{}, nil)

	require.True(t, q.Enqueue(req(1, "blocked.com", 1, Acquisition, 900)))
	require.True(t, q.Enqueue(req(2, "open.com", 1, Acquisition, 100)))

	gate := gateFunc(func(host string, _ time.Time) bool { return host != "blocked.com" })

	got := q.DequeueReady(time.Now(), gate)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.URLID, "blocked host is skipped, not dropped")

	assert.Nil(t, q.DequeueReady(time.Now(), gate))
	assert.Equal(t, 1, q.Len(), "blocked request stays queued")

	got = q.DequeueReady(time.Now(), openGate)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.URLID)
}

func TestUpgradePendingRequest(t *testing.T) {
	q := New(1, &fakeLog{}, nil)

	require.True(t, q.Enqueue(req(1, "a.com", 2, Discovery, 200)))
	require.True(t, q.Enqueue(req(2, "a.com", 1, Acquisition, 600)))

	// A plan adopts URL 1: same URL, higher bucket.
	planned := req(1, "a.com", 2, PlanDirected, 1000)
	planned.ExpectedValue = 12
	planned.PlanID = 7
	assert.False(t, q.Enqueue(planned), "upgrade still reports dedup")

	got := q.DequeueReady(time.Now(), openGate)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.URLID, "upgraded request now leads")
	assert.Equal(t, PlanDirected, got.Bucket)
	assert.Equal(t, int64(7), got.PlanID)

	sizes := q.SizeByBucket()
	assert.Equal(t, 0, sizes["discovery"])
	assert.Equal(t, 1, sizes["acquisition"])
}

func TestInFlightBlocksReEnqueue(t *testing.T) {
	q := New(1, &fakeLog{}, nil)
	require.True(t, q.Enqueue(req(1, "a.com", 1, Discovery, 100)))

	got := q.DequeueReady(time.Now(), openGate)
	require.NotNil(t, got)
	assert.False(t, q.Enqueue(req(1, "a.com", 1, Discovery, 100)), "in-flight URL must not re-enter")

	q.MarkOutcome(1, 1, storage.EventSaved)
	d, ok := q.Visited(1)
	assert.True(t, ok)
	assert.Equal(t, 1, d)
}

func TestEventTrail(t *testing.T) {
	log := &fakeLog{}
	q := New(1, log, nil)

	require.True(t, q.Enqueue(req(1, "a.com", 0, Discovery, 100)))
	got := q.DequeueReady(time.Now(), openGate)
	require.NotNil(t, got)
	q.MarkOutcome(1, 0, storage.EventVisited)

	assert.Equal(t, []string{storage.EventEnqueued, storage.EventVisited}, log.actions())
}

func TestStatsHelpers(t *testing.T) {
	q := New(1, &fakeLog{}, nil)
	require.True(t, q.Enqueue(req(1, "a.com", 1, Discovery, 100)))
	require.True(t, q.Enqueue(req(2, "a.com", 1, Acquisition, 100)))
	require.True(t, q.Enqueue(req(3, "b.com", 1, Acquisition, 100)))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 2, q.PendingForHost("a.com"))
	assert.ElementsMatch(t, []string{"a.com", "b.com"}, q.Domains())
	assert.Equal(t, map[string]int{"discovery": 1, "acquisition": 2, "plan-directed": 0}, q.SizeByBucket())
}

func TestRehydrate(t *testing.T) {
	log := &fakeLog{
		pending: []*storage.PendingEntry{
			{URLID: 1, Depth: 1, Bucket: "acquisition", Priority: 510},
			{URLID: 2, Depth: 2, Bucket: "discovery", Priority: 180},
			{URLID: 2, Depth: 2, Bucket: "discovery", Priority: 180}, // duplicate event
			{URLID: 3, Depth: 3, Bucket: "plan-directed", Priority: 1000},
			{URLID: 4, Depth: 2, Bucket: "discovery", Priority: 100}, // already visited
		},
		visited: map[int64]int{4: 1, 9: 0},
	}
	q := New(1, log, nil)

	resolver := fakeResolver{
		1: "https://example.com/a",
		2: "https://example.com/b",
		3: "https://example.com/c",
		4: "https://example.com/d",
	}
	restored, err := q.Rehydrate(resolver)
	require.NoError(t, err)
	assert.Equal(t, 3, restored, "duplicates collapse, visited entries drop")

	assert.Equal(t, int64(3), q.DequeueReady(time.Now(), openGate).URLID)
	assert.Equal(t, int64(1), q.DequeueReady(time.Now(), openGate).URLID)
	assert.Equal(t, int64(2), q.DequeueReady(time.Now(), openGate).URLID)

	_, seen := q.Visited(9)
	assert.True(t, seen, "visited map restored")
	assert.False(t, q.Enqueue(req(9, "example.com", 2, Discovery, 10)))
}
