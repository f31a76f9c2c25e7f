// Package queue implements the per-job pending set: three priority
// buckets over URL-deduplicated requests, with every state change
// appended to the persistent queue event log so a paused job can be
// rebuilt exactly.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/storage"
)

// Bucket orders request classes. Higher buckets always dequeue first.
type Bucket int

const (
	Discovery Bucket = iota
	Acquisition
	PlanDirected
)

func (b Bucket) String() string {
	switch b {
	case Acquisition:
		return "acquisition"
	case PlanDirected:
		return "plan-directed"
	default:
		return "discovery"
	}
}

// ParseBucket maps a persisted bucket name back; unknown names fall to
// Discovery.
func ParseBucket(s string) Bucket {
	switch s {
	case "acquisition":
		return Acquisition
	case "plan-directed":
		return PlanDirected
	default:
		return Discovery
	}
}

// Request is one pending fetch.
type Request struct {
	URLID          int64
	URL            string
	Host           string
	Depth          int
	Bucket         Bucket
	Priority       float64
	ExpectedValue  float64
	PlanID         int64
	PlanSeq        int
	DiscoveredFrom int64

	enqueueSeq uint64
	heapIndex  int
}

// EventLog is the slice of storage the queue appends to and rebuilds
// from.
type EventLog interface {
	LogQueueEvent(jobID int64, action string, urlID int64, depth int, bucket string, priority float64) error
	PendingQueueEvents(jobID int64) ([]*storage.PendingEntry, error)
	VisitedURLs(jobID int64) (map[int64]int, error)
}

// URLResolver maps interned URL ids back to canonical form and host.
type URLResolver interface {
	Resolve(id int64) (string, error)
	HostOf(id int64) (string, error)
}

// HostGate is the pacer capability the queue needs: may a request to
// this host start now.
type HostGate interface {
	Permitted(host string, now time.Time) bool
}

type state int

const (
	statePending state = iota
	stateInFlight
)

type entry struct {
	req *Request
	st  state
}

// Queue is the per-job request set. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	jobID   int64
	buckets [3]requestHeap
	entries map[int64]*entry // url id -> queued request
	visited map[int64]int    // url id -> shallowest completed depth
	seq     uint64
	events  EventLog
	logger  *zap.Logger
}

// New builds an empty queue for one job.
func New(jobID int64, events EventLog, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		jobID:   jobID,
		entries: make(map[int64]*entry),
		visited: make(map[int64]int),
		events:  events,
		logger:  logger.Named("queue"),
	}
}

// Enqueue adds a request. It returns false when the URL is already
// pending, in flight, or was completed at this depth or shallower. A
// pending request re-offered with a higher bucket or priority is
// upgraded in place (still returning false).
func (q *Queue) Enqueue(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if depth, done := q.visited[req.URLID]; done && depth <= req.Depth {
		return false
	}

	if e, ok := q.entries[req.URLID]; ok {
		if e.st == statePending && q.upgradeLocked(e.req, req) {
			q.logEvent(storage.EventEnqueued, e.req)
		}
		return false
	}

	q.seq++
	req.enqueueSeq = q.seq
	heap.Push(&q.buckets[req.Bucket], req)
	q.entries[req.URLID] = &entry{req: req, st: statePending}
	q.logEvent(storage.EventEnqueued, req)
	return true
}

// upgradeLocked raises cur to the stronger of the two offers.
func (q *Queue) upgradeLocked(cur, offer *Request) bool {
	if offer.Bucket < cur.Bucket || (offer.Bucket == cur.Bucket && offer.Priority <= cur.Priority) {
		return false
	}
	if offer.Bucket != cur.Bucket {
		heap.Remove(&q.buckets[cur.Bucket], cur.heapIndex)
		cur.Bucket = offer.Bucket
		cur.Priority = offer.Priority
		cur.ExpectedValue = offer.ExpectedValue
		cur.PlanID = offer.PlanID
		cur.PlanSeq = offer.PlanSeq
		heap.Push(&q.buckets[cur.Bucket], cur)
		return true
	}
	cur.Priority = offer.Priority
	if offer.ExpectedValue > cur.ExpectedValue {
		cur.ExpectedValue = offer.ExpectedValue
	}
	heap.Fix(&q.buckets[cur.Bucket], cur.heapIndex)
	return true
}

// DequeueReady pops the highest-priority request whose host may start
// now, scanning buckets high to low. Returns nil when nothing is ready.
func (q *Queue) DequeueReady(now time.Time, gate HostGate) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for b := PlanDirected; b >= Discovery; b-- {
		h := &q.buckets[b]
		var blocked []*Request
		for h.Len() > 0 {
			req := heap.Pop(h).(*Request)
			if gate == nil || gate.Permitted(req.Host, now) {
				for _, r := range blocked {
					heap.Push(h, r)
				}
				q.entries[req.URLID].st = stateInFlight
				return req
			}
			blocked = append(blocked, req)
		}
		for _, r := range blocked {
			heap.Push(h, r)
		}
	}
	return nil
}

// MarkOutcome completes a request: the URL leaves the pending set and
// (except for transient retry bookkeeping handled by the caller) will
// not be accepted again at this depth or deeper.
func (q *Queue) MarkOutcome(urlID int64, depth int, action string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[urlID]; ok {
		if e.st == statePending {
			heap.Remove(&q.buckets[e.req.Bucket], e.req.heapIndex)
		}
		delete(q.entries, urlID)
	}
	if prev, ok := q.visited[urlID]; !ok || depth < prev {
		q.visited[urlID] = depth
	}
	if err := q.events.LogQueueEvent(q.jobID, action, urlID, depth, "", 0); err != nil {
		q.logger.Warn("queue event write failed", zap.String("action", action), zap.Error(err))
	}
}

// Visited reports the depth a URL completed at.
func (q *Queue) Visited(urlID int64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.visited[urlID]
	return d, ok
}

// VisitedCount counts URLs this job has completed.
func (q *Queue) VisitedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visited)
}

// Len counts requests waiting in buckets (in-flight excluded).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buckets[0].Len() + q.buckets[1].Len() + q.buckets[2].Len()
}

// SizeByBucket reports per-bucket pending counts.
func (q *Queue) SizeByBucket() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int{
		Discovery.String():    q.buckets[Discovery].Len(),
		Acquisition.String():  q.buckets[Acquisition].Len(),
		PlanDirected.String(): q.buckets[PlanDirected].Len(),
	}
}

// Domains lists distinct hosts with pending requests.
func (q *Queue) Domains() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range q.entries {
		if e.st != statePending {
			continue
		}
		if _, dup := seen[e.req.Host]; dup {
			continue
		}
		seen[e.req.Host] = struct{}{}
		out = append(out, e.req.Host)
	}
	return out
}

// PendingForHost counts pending requests for one host.
func (q *Queue) PendingForHost(host string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.st == statePending && e.req.Host == host {
			n++
		}
	}
	return n
}

// Rehydrate rebuilds the pending set and visited map from the event
// log. Duplicate events collapse; requests already present are kept.
// Returns the number of requests restored.
func (q *Queue) Rehydrate(resolver URLResolver) (int, error) {
	pending, err := q.events.PendingQueueEvents(q.jobID)
	if err != nil {
		return 0, err
	}
	visited, err := q.events.VisitedURLs(q.jobID)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, depth := range visited {
		if prev, ok := q.visited[id]; !ok || depth < prev {
			q.visited[id] = depth
		}
	}

	restored := 0
	for _, p := range pending {
		if _, dup := q.entries[p.URLID]; dup {
			continue
		}
		if depth, done := q.visited[p.URLID]; done && depth <= p.Depth {
			continue
		}
		rawURL, err := resolver.Resolve(p.URLID)
		if err != nil {
			q.logger.Warn("dropping unresolvable queue entry", zap.Int64("url_id", p.URLID), zap.Error(err))
			continue
		}
		host, err := resolver.HostOf(p.URLID)
		if err != nil {
			continue
		}
		req := &Request{
			URLID:    p.URLID,
			URL:      rawURL,
			Host:     host,
			Depth:    p.Depth,
			Bucket:   ParseBucket(p.Bucket),
			Priority: p.Priority,
		}
		q.seq++
		req.enqueueSeq = q.seq
		heap.Push(&q.buckets[req.Bucket], req)
		q.entries[req.URLID] = &entry{req: req, st: statePending}
		restored++
	}
	return restored, nil
}

func (q *Queue) logEvent(action string, req *Request) {
	if err := q.events.LogQueueEvent(q.jobID, action, req.URLID, req.Depth, req.Bucket.String(), req.Priority); err != nil {
		q.logger.Warn("queue event write failed", zap.String("action", action), zap.Error(err))
	}
}

// requestHeap orders by priority desc, expected value desc, enqueue
// seq asc.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ExpectedValue != b.ExpectedValue {
		return a.ExpectedValue > b.ExpectedValue
	}
	return a.enqueueSeq < b.enqueueSeq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*Request)
	req.heapIndex = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.heapIndex = -1
	*h = old[:n-1]
	return req
}
