package uploads

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/metrics"
	"github.com/soulseekd/soulseekd/pkg/soul"
	"github.com/soulseekd/soulseekd/pkg/users"
)

// refillInterval is the governor's token refill period: one-tenth of each
// group's per-second byte budget is added every tick.
const refillInterval = 100 * time.Millisecond

// bucket is one group's token supply. A zero capacity means unlimited.
type bucket struct {
	mu       sync.Mutex
	capacity int
	tokens   int

	// wake is closed and replaced whenever tokens become available, so
	// every waiter re-checks promptly.
	wake chan struct{}
}

func newBucket(speedLimitKiBps int) *bucket {
	capacity := speedLimitKiBps * 1024 / 10
	return &bucket{
		capacity: capacity,
		tokens:   capacity,
		wake:     make(chan struct{}),
	}
}

// tryTake grabs up to n tokens and returns how many it got. Unlimited
// buckets always grant in full.
func (b *bucket) tryTake(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 {
		return n
	}
	if b.tokens <= 0 {
		return 0
	}
	take := min(n, b.tokens)
	b.tokens -= take
	return take
}

// waitChan returns the channel closed on the next token arrival. Grab it
// before tryTake to avoid missing a wakeup between the two.
func (b *bucket) waitChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wake
}

// add returns n tokens, capped at capacity, and wakes waiters.
func (b *bucket) add(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 || n <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+n)
	b.broadcastLocked()
}

// refill tops the bucket up to capacity.
func (b *bucket) refill() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 {
		return
	}
	b.tokens = b.capacity
	b.broadcastLocked()
}

// broadcast wakes all waiters without adding tokens; used when the bucket
// is retired so waiters re-resolve against the replacement.
func (b *bucket) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked()
}

func (b *bucket) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Governor paces bytes handed to the protocol library with one token
// bucket per group, refilled every 100 ms, plus an optional process-wide
// ceiling.
type Governor struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	global  *rate.Limiter

	// classify resolves usernames to group names at acquire time, so a
	// user moving between groups is repriced on the next acquire.
	classify func(username string) string
	metrics  *metrics.UploadMetrics

	running atomic.Bool
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewGovernor builds buckets for every configured group.
func NewGovernor(cfg *Config, classify func(string) string, m *metrics.UploadMetrics) *Governor {
	g := &Governor{
		classify: classify,
		metrics:  m,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	g.buckets = buildBuckets(cfg)
	g.global = buildGlobalLimiter(cfg)
	return g
}

func buildBuckets(cfg *Config) map[string]*bucket {
	out := make(map[string]*bucket)
	for name, gc := range cfg.normalizedGroups() {
		out[name] = newBucket(gc.SpeedLimitKiBps)
	}
	return out
}

func buildGlobalLimiter(cfg *Config) *rate.Limiter {
	if cfg.SpeedLimitKiBps <= 0 {
		return nil
	}
	bytesPerSec := cfg.SpeedLimitKiBps * 1024
	return rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec/10, 1))
}

// Start launches the refill loop.
func (g *Governor) Start(ctx context.Context) {
	if !g.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(g.stopped)

		ticker := time.NewTicker(refillInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.refillAll()
			}
		}
	}()
}

// Stop halts the refill loop and waits for it to exit. Safe to call when
// the governor was never started.
func (g *Governor) Stop() {
	if !g.running.Load() {
		return
	}
	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
	<-g.stopped
}

func (g *Governor) refillAll() {
	g.mu.RLock()
	buckets := make([]*bucket, 0, len(g.buckets))
	for _, b := range g.buckets {
		buckets = append(buckets, b)
	}
	g.mu.RUnlock()

	for _, b := range buckets {
		b.refill()
	}
}

// bucketFor resolves the user's current bucket. A group whose bucket was
// removed by reconfiguration falls back to the default bucket so pending
// acquires are never stranded.
func (g *Governor) bucketFor(username string) (string, *bucket) {
	group := g.classify(username)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if b, ok := g.buckets[group]; ok {
		return group, b
	}
	return users.GroupDefault, g.buckets[users.GroupDefault]
}

// GetBytes grants up to requested bytes for the user's group, blocking
// until at least one byte is available or ctx is cancelled. Grants may be
// partial. The bucket is re-resolved on every wait cycle so reconfiguration
// takes effect mid-wait.
func (g *Governor) GetBytes(ctx context.Context, username string, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	start := time.Now()

	g.mu.RLock()
	global := g.global
	g.mu.RUnlock()
	if global != nil {
		requested = min(requested, global.Burst())
	}

	for {
		group, b := g.bucketFor(username)
		wake := b.waitChan()

		granted := b.tryTake(requested)
		if granted > 0 {
			if global != nil {
				if err := global.WaitN(ctx, granted); err != nil {
					b.add(granted)
					return 0, err
				}
			}
			g.metrics.RecordGrant(group, granted)
			g.metrics.ObserveGovernorWait(time.Since(start).Seconds())
			return granted, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wake:
		}
	}
}

// ReturnBytes refunds the granted-but-unsent portion to the user's current
// bucket. attempted is recorded for accounting only.
func (g *Governor) ReturnBytes(username string, attempted, granted, actual int) {
	refund := granted - actual
	if refund <= 0 {
		return
	}
	group, b := g.bucketFor(username)
	b.add(refund)
	g.metrics.RecordRefund(group, refund)
	logger.Debug("Governor refund",
		logger.Username(username),
		logger.Group(group),
		"attempted", attempted,
		"granted", granted,
		"actual", actual)
}

// Reconfigure rebuilds the bucket set from the new configuration. Retired
// buckets broadcast so their waiters re-resolve; waiters whose group is
// gone land on the default bucket.
func (g *Governor) Reconfigure(cfg *Config) {
	next := buildBuckets(cfg)
	nextGlobal := buildGlobalLimiter(cfg)

	g.mu.Lock()
	retired := g.buckets
	g.buckets = next
	g.global = nextGlobal
	g.mu.Unlock()

	// Every retired bucket broadcasts so its waiters re-resolve: same-named
	// groups land on the fresh (full) bucket, removed groups on default.
	for _, b := range retired {
		b.broadcast()
	}
	logger.Info("Governor buckets rebuilt", "buckets", len(next))
}

// userRateSource binds a username to the governor, satisfying the pacing
// contract the protocol library expects per transfer.
type userRateSource struct {
	governor *Governor
	username string
}

// ForUser returns the per-transfer pacing source for a user.
func (g *Governor) ForUser(username string) soul.RateSource {
	return &userRateSource{governor: g, username: username}
}

func (r *userRateSource) GetBytes(ctx context.Context, requested int) (int, error) {
	return r.governor.GetBytes(ctx, r.username, requested)
}

func (r *userRateSource) ReturnBytes(attempted, granted, actual int) {
	r.governor.ReturnBytes(r.username, attempted, granted, actual)
}
