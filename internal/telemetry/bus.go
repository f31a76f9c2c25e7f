package telemetry

import (
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks on lossy
// subscribers: when a lossy buffer is full the oldest event is dropped.
// Reliable subscribers (persistence) are sent to without dropping and
// must consume promptly.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *zap.Logger
}

type subscriber struct {
	ch       chan Event
	reliable bool
	match    func(Event) bool
}

// SubscribeOption adjusts one subscription.
type SubscribeOption func(*subscriber)

// WithBuffer sets the channel buffer size.
func WithBuffer(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Reliable marks the subscription as must-not-drop. Use only for
// consumers that drain continuously.
func Reliable() SubscribeOption {
	return func(s *subscriber) { s.reliable = true }
}

// WithJob filters the subscription to one job's events.
func WithJob(jobID int64) SubscribeOption {
	return func(s *subscriber) {
		prev := s.match
		s.match = func(ev Event) bool { return prev(ev) && ev.JobID == jobID }
	}
}

// WithSession filters the subscription to one planning session.
func WithSession(sessionID string) SubscribeOption {
	return func(s *subscriber) {
		prev := s.match
		s.match = func(ev Event) bool { return prev(ev) && ev.SessionID == sessionID }
	}
}

// WithKinds filters the subscription to the given event kinds.
func WithKinds(kinds ...Kind) SubscribeOption {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(s *subscriber) {
		prev := s.match
		s.match = func(ev Event) bool {
			if !prev(ev) {
				return false
			}
			_, ok := set[ev.Kind]
			return ok
		}
	}
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.Named("telemetry"),
	}
}

// Subscribe registers a consumer. The returned cancel func closes the
// channel and must be called exactly once.
func (b *Bus) Subscribe(opts ...SubscribeOption) (<-chan Event, func()) {
	sub := &subscriber{
		ch:    make(chan Event, defaultBuffer),
		match: func(Event) bool { return true },
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.match(ev) {
			continue
		}
		if sub.reliable {
			sub.ch <- ev
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop the oldest, then try once more.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.logger.Debug("event dropped", zap.String("kind", string(ev.Kind)))
			}
		}
	}
}

// Close shuts the bus down; subsequent Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Archiver persists events. The storage layer implements it for
// milestones and problems.
type Archiver interface {
	ArchiveEvent(ev Event) error
}

// AttachArchiver consumes milestone and problem events on a reliable
// subscription and writes them through a. The returned stop func waits
// for the drain goroutine to finish.
func AttachArchiver(b *Bus, a Archiver, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch, cancel := b.Subscribe(Reliable(), WithKinds(KindMilestone, KindProblem))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := a.ArchiveEvent(ev); err != nil {
				logger.Warn("archive event failed",
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
