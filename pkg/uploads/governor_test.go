package uploads

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseekd/soulseekd/pkg/users"
)

func newTestGovernor(t *testing.T, cfg Config, classify func(string) string) *Governor {
	t.Helper()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	if classify == nil {
		classify = staticClassifier(nil)
	}
	return NewGovernor(&cfg, classify, nil)
}

func TestBucketCapacity(t *testing.T) {
	// 10 KiB/s budget: one tenth per refill tick.
	b := newBucket(10)
	assert.Equal(t, 1024, b.capacity)
	assert.Equal(t, 1024, b.tryTake(4096), "a full bucket grants at most its capacity")
	assert.Equal(t, 0, b.tryTake(1))

	b.refill()
	assert.Equal(t, 512, b.tryTake(512))
	assert.Equal(t, 512, b.tryTake(4096), "partial grant of the remainder")
}

func TestBucketRefundCapsAtCapacity(t *testing.T) {
	b := newBucket(10)
	b.tryTake(1024)
	b.add(512)
	b.add(4096)
	assert.Equal(t, 1024, b.tryTake(4096), "refunds never exceed capacity")
}

func TestUnlimitedBucket(t *testing.T) {
	b := newBucket(0)
	assert.Equal(t, 1<<20, b.tryTake(1<<20))
}

func TestGetBytesPartialGrant(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	g := newTestGovernor(t, cfg, nil)

	granted, err := g.GetBytes(context.Background(), "alice", 4096)
	require.NoError(t, err)
	assert.Equal(t, 1024, granted)
}

func TestGetBytesBlocksUntilRefill(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	g := newTestGovernor(t, cfg, nil)

	// Drain the bucket, then block a waiter.
	_, err := g.GetBytes(context.Background(), "alice", 1024)
	require.NoError(t, err)

	result := make(chan int, 1)
	go func() {
		n, err := g.GetBytes(context.Background(), "alice", 100)
		if err != nil {
			result <- -1
			return
		}
		result <- n
	}()

	select {
	case <-result:
		t.Fatal("acquire returned from an empty bucket")
	case <-time.After(50 * time.Millisecond):
	}

	g.refillAll()

	select {
	case n := <-result:
		assert.Equal(t, 100, n)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by refill")
	}
}

func TestGetBytesCancellationIsPrompt(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	g := newTestGovernor(t, cfg, nil)
	_, err := g.GetBytes(context.Background(), "alice", 1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := g.GetBytes(ctx, "alice", 100)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not wake the waiter")
	}
}

func TestReturnBytesRefundsUnused(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	g := newTestGovernor(t, cfg, nil)

	granted, err := g.GetBytes(context.Background(), "alice", 1024)
	require.NoError(t, err)
	require.Equal(t, 1024, granted)

	// The caller sent only 24 of the 1024 granted bytes.
	g.ReturnBytes("alice", 1024, 1024, 24)

	granted, err = g.GetBytes(context.Background(), "alice", 4096)
	require.NoError(t, err)
	assert.Equal(t, 1000, granted)
}

func TestOrphanedGroupFallsBackToDefault(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			"friends": {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	classify := staticClassifier(map[string]string{"carol": "vanished"})
	g := newTestGovernor(t, cfg, classify)

	// carol's classified group has no bucket; the default bucket serves
	// her acquire instead of stranding it.
	granted, err := g.GetBytes(context.Background(), "carol", 512)
	require.NoError(t, err)
	assert.Equal(t, 512, granted)
}

func TestReconfigureWakesWaitersOnRemovedBucket(t *testing.T) {
	assignments := map[string]string{"carol": "friends"}
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			"friends": {Priority: 1, Slots: 1, SpeedLimitKiBps: 10},
		},
	}
	g := newTestGovernor(t, cfg, staticClassifier(assignments))

	_, err := g.GetBytes(context.Background(), "carol", 1024)
	require.NoError(t, err)

	result := make(chan int, 1)
	go func() {
		n, _ := g.GetBytes(context.Background(), "carol", 256)
		result <- n
	}()
	time.Sleep(20 * time.Millisecond)

	// The friends group disappears; the pending acquire must complete
	// against the default bucket rather than hang.
	next := Config{GlobalSlots: 1}
	next.ApplyDefaults()
	g.Reconfigure(&next)

	select {
	case n := <-result:
		assert.Equal(t, 256, n)
	case <-time.After(time.Second):
		t.Fatal("waiter stranded after reconfiguration")
	}
}

func TestGlobalCeilingClipsRequests(t *testing.T) {
	cfg := Config{
		GlobalSlots:     1,
		SpeedLimitKiBps: 10,
	}
	g := newTestGovernor(t, cfg, nil)

	granted, err := g.GetBytes(context.Background(), "alice", 1<<20)
	require.NoError(t, err)
	assert.LessOrEqual(t, granted, 1024, "grant clipped to the global burst")
	assert.Positive(t, granted)
}
