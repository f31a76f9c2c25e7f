package pacer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
)

func newTestPacer(minInterval time.Duration, inFlight int) *Pacer {
	return New(config.Pacing{
		MinInterval:    minInterval,
		BackoffCeiling: time.Minute,
		HostInFlight:   inFlight,
	}, zap.NewNop())
}

func TestAcquireSerializesHostStarts(t *testing.T) {
	p := newTestPacer(40*time.Millisecond, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(ctx, "example.com")
			require.NoError(t, err)
			mu.Lock()
			starts = append(starts, lease.startedAt)
			mu.Unlock()
			lease.Release(OK)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 3)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, 40*time.Millisecond, "consecutive starts must honor the interval")
	}
}

func TestHostsAreIndependent(t *testing.T) {
	p := newTestPacer(time.Hour, 1)
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "a.example")
	require.NoError(t, err)
	defer l1.Release(OK)

	// A different host is not delayed by a.example's interval.
	done := make(chan struct{})
	go func() {
		l2, err := p.Acquire(ctx, "b.example")
		assert.NoError(t, err)
		l2.Release(OK)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second host blocked by first host's pacing")
	}
}

func TestBackoffDoublesAndDecays(t *testing.T) {
	p := newTestPacer(100*time.Millisecond, 1)
	ctx := context.Background()

	release := func(o Outcome) {
		l, err := p.Acquire(ctx, "h.example")
		require.NoError(t, err)
		l.Release(o)
		// Clear pacing delay so the test doesn't sleep between acquires.
		p.mu.Lock()
		p.hosts["h.example"].lastStart = time.Time{}
		p.hosts["h.example"].retryAfterUntil = time.Time{}
		p.mu.Unlock()
	}

	release(TransientError)
	backoff, errs, _ := p.Snapshot("h.example")
	assert.Equal(t, 200*time.Millisecond, backoff)
	assert.Equal(t, 1, errs)

	release(TransientError)
	backoff, errs, _ = p.Snapshot("h.example")
	assert.Equal(t, 400*time.Millisecond, backoff)
	assert.Equal(t, 2, errs)

	release(OK)
	backoff, errs, _ = p.Snapshot("h.example")
	assert.Equal(t, 200*time.Millisecond, backoff)
	assert.Zero(t, errs)

	release(OK)
	backoff, _, _ = p.Snapshot("h.example")
	assert.Zero(t, backoff, "backoff below the minimum interval clears")
}

func TestBackoffCeiling(t *testing.T) {
	p := newTestPacer(100*time.Millisecond, 1)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l, err := p.Acquire(ctx, "h.example")
		require.NoError(t, err)
		l.Release(TransientError)
		p.mu.Lock()
		p.hosts["h.example"].lastStart = time.Time{}
		p.mu.Unlock()
	}
	backoff, _, _ := p.Snapshot("h.example")
	assert.Equal(t, time.Minute, backoff)
}

func TestHardErrorLeavesPacingAlone(t *testing.T) {
	p := newTestPacer(10*time.Millisecond, 1)
	l, err := p.Acquire(context.Background(), "h.example")
	require.NoError(t, err)
	l.Release(HardError)

	backoff, errs, _ := p.Snapshot("h.example")
	assert.Zero(t, backoff)
	assert.Equal(t, 1, errs)
}

func TestSkippedReturnsTheSlot(t *testing.T) {
	p := newTestPacer(time.Hour, 1)
	ctx := context.Background()

	l, err := p.Acquire(ctx, "h.example")
	require.NoError(t, err)
	l.Release(Skipped)

	assert.True(t, p.Permitted("h.example", time.Now()),
		"a skipped lease must not start the hour-long interval")

	// And the next acquire is immediate.
	done := make(chan struct{})
	go func() {
		l2, err := p.Acquire(ctx, "h.example")
		assert.NoError(t, err)
		l2.Release(OK)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire after skip blocked")
	}
}

func TestRetryAfterWins(t *testing.T) {
	p := newTestPacer(10*time.Millisecond, 1)
	ctx := context.Background()

	l, err := p.Acquire(ctx, "h.example")
	require.NoError(t, err)
	until := time.Now().Add(time.Hour)
	l.SetRetryAfter(until)
	l.Release(TransientError)

	next := p.NextAllowed("h.example")
	assert.False(t, next.Before(until), "Retry-After must not be violated by a smaller backoff")
	assert.False(t, p.Permitted("h.example", time.Now()))
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPacer(10*time.Millisecond, 1)
	l, err := p.Acquire(context.Background(), "h.example")
	require.NoError(t, err)

	l.Release(TransientError)
	l.Release(TransientError)
	l.Release(OK)

	backoff, errs, inFlight := p.Snapshot("h.example")
	assert.Equal(t, 20*time.Millisecond, backoff, "only the first release counts")
	assert.Equal(t, 1, errs)
	assert.Zero(t, inFlight)
}

func TestInFlightCapBlocks(t *testing.T) {
	p := newTestPacer(time.Nanosecond, 1)
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "h.example")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l2, err := p.Acquire(ctx, "h.example")
		assert.NoError(t, err)
		close(acquired)
		l2.Release(OK)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the first lease is held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, p.Permitted("h.example", time.Now().Add(time.Hour)))

	l1.Release(OK)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	p := newTestPacer(time.Hour, 1)
	ctx := context.Background()

	l, err := p.Acquire(ctx, "h.example")
	require.NoError(t, err)
	defer l.Release(OK)

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(cctx, "h.example")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGlobalLimiter(t *testing.T) {
	p := New(config.Pacing{
		MinInterval:    time.Nanosecond,
		BackoffCeiling: time.Minute,
		HostInFlight:   4,
		GlobalRPS:      20,
	}, zap.NewNop())
	require.NotNil(t, p.global)

	// Burst of 20 permits, then 20/s refill: 25 acquires across distinct
	// hosts need at least ~200ms.
	start := time.Now()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		host := string(rune('a'+i%26)) + ".example"
		l, err := p.Acquire(ctx, host)
		require.NoError(t, err)
		l.Release(OK)
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
