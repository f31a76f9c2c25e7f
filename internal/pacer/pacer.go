// Package pacer schedules per-host network access: minimum intervals
// between request starts, exponential backoff on transient failures,
// Retry-After compliance, and an in-flight cap per host.
package pacer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/harvest-crawler/harvest/internal/config"
)

// Outcome tells the pacer how a leased request ended.
type Outcome int

const (
	// OK decays any backoff toward the minimum interval.
	OK Outcome = iota
	// TransientError doubles the backoff up to the ceiling (429, 503,
	// network errors).
	TransientError
	// HardError leaves pacing unchanged (404 and friends: the server
	// answered fine).
	HardError
	// Skipped returns the start slot: no network request was made.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case TransientError:
		return "transient-error"
	case HardError:
		return "hard-error"
	default:
		return "skipped"
	}
}

type hostState struct {
	sem               *semaphore.Weighted
	lastStart         time.Time
	minInterval       time.Duration
	consecutiveErrors int
	backoff           time.Duration
	retryAfterUntil   time.Time
	inFlight          int
}

// nextAllowed is the earliest instant a new request to this host may
// start. Zero for a host never fetched (unless Retry-After binds).
func (hs *hostState) nextAllowed() time.Time {
	var next time.Time
	if !hs.lastStart.IsZero() {
		interval := hs.minInterval
		if hs.backoff > interval {
			interval = hs.backoff
		}
		next = hs.lastStart.Add(interval)
	}
	if hs.retryAfterUntil.After(next) {
		next = hs.retryAfterUntil
	}
	return next
}

// Pacer is the per-job host scheduler. Safe for concurrent use.
type Pacer struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	logger *zap.Logger

	minInterval time.Duration
	ceiling     time.Duration
	inFlightCap int64
	global      *rate.Limiter
}

// New builds a pacer from pacing config. A GlobalRPS of zero leaves
// cross-host throughput unlimited.
func New(cfg config.Pacing, logger *zap.Logger) *Pacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	ceiling := cfg.BackoffCeiling
	if ceiling < minInterval {
		ceiling = 5 * time.Minute
	}
	slots := int64(cfg.HostInFlight)
	if slots < 1 {
		slots = 1
	}
	p := &Pacer{
		hosts:       make(map[string]*hostState),
		logger:      logger.Named("pacer"),
		minInterval: minInterval,
		ceiling:     ceiling,
		inFlightCap: slots,
	}
	if cfg.GlobalRPS > 0 {
		burst := int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
		p.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return p
}

func (p *Pacer) host(host string) *hostState {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		hs = &hostState{
			sem:         semaphore.NewWeighted(p.inFlightCap),
			minInterval: p.minInterval,
		}
		p.hosts[host] = hs
	}
	return hs
}

// NextAllowed reports when the next request to host may start. The
// zero time means immediately.
func (p *Pacer) NextAllowed(host string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		return time.Time{}
	}
	return hs.nextAllowed()
}

// Permitted reports whether a request to host could start at now:
// interval elapsed and an in-flight slot free. The queue uses it to
// skip blocked hosts without committing a lease.
func (p *Pacer) Permitted(host string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		return true
	}
	return hs.inFlight < int(p.inFlightCap) && !hs.nextAllowed().After(now)
}

// SetHostMinInterval raises the host's minimum interval (robots
// crawl-delay). It never lowers it.
func (p *Pacer) SetHostMinInterval(host string, d time.Duration) {
	hs := p.host(host)
	p.mu.Lock()
	if d > hs.minInterval {
		hs.minInterval = d
	}
	p.mu.Unlock()
}

// Lease is one granted request slot. Exactly one Release per lease
// takes effect; extra calls are no-ops.
type Lease struct {
	p         *Pacer
	host      string
	hs        *hostState
	startedAt time.Time
	prevStart time.Time
	once      sync.Once
}

// Host returns the host this lease was granted for.
func (l *Lease) Host() string { return l.host }

// SetRetryAfter records a server-provided earliest retry instant. It
// only ever moves the boundary later.
func (l *Lease) SetRetryAfter(until time.Time) {
	l.p.mu.Lock()
	if until.After(l.hs.retryAfterUntil) {
		l.hs.retryAfterUntil = until
	}
	l.p.mu.Unlock()
}

// Release ends the lease with the request outcome.
func (l *Lease) Release(outcome Outcome) {
	l.once.Do(func() {
		p := l.p
		hs := l.hs

		p.mu.Lock()
		hs.inFlight--
		switch outcome {
		case OK:
			hs.consecutiveErrors = 0
			if hs.backoff > 0 {
				hs.backoff /= 2
				if hs.backoff <= hs.minInterval {
					hs.backoff = 0
				}
			}
		case TransientError:
			hs.consecutiveErrors++
			if hs.backoff <= 0 {
				hs.backoff = 2 * hs.minInterval
			} else {
				hs.backoff *= 2
			}
			if hs.backoff > p.ceiling {
				hs.backoff = p.ceiling
			}
			p.logger.Debug("host backoff",
				zap.String("host", l.host),
				zap.Duration("backoff", hs.backoff),
				zap.Int("consecutive_errors", hs.consecutiveErrors))
		case HardError:
			hs.consecutiveErrors++
		case Skipped:
			// Return the slot so an unfetched URL doesn't delay the host.
			if hs.lastStart.Equal(l.startedAt) {
				hs.lastStart = l.prevStart
			}
		}
		p.mu.Unlock()

		hs.sem.Release(1)
	})
}

// Acquire blocks until a request to host may start, then claims the
// slot. The caller must Release the lease on every path.
func (p *Pacer) Acquire(ctx context.Context, host string) (*Lease, error) {
	hs := p.host(host)

	if err := hs.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.global != nil {
		if err := p.global.Wait(ctx); err != nil {
			hs.sem.Release(1)
			return nil, err
		}
	}

	for {
		p.mu.Lock()
		now := time.Now()
		next := hs.nextAllowed()
		if !next.After(now) {
			lease := &Lease{p: p, host: host, hs: hs, startedAt: now, prevStart: hs.lastStart}
			hs.lastStart = now
			hs.inFlight++
			p.mu.Unlock()
			return lease, nil
		}
		wait := next.Sub(now)
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			hs.sem.Release(1)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Snapshot reports a host's pacing state for telemetry.
func (p *Pacer) Snapshot(host string) (backoff time.Duration, consecutiveErrors, inFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		return 0, 0, 0
	}
	return hs.backoff, hs.consecutiveErrors, hs.inFlight
}

// Hosts lists every host the pacer has state for.
func (p *Pacer) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	return out
}
