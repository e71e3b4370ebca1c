package uploads

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseekd/soulseekd/pkg/users"
)

// staticClassifier maps usernames to groups for tests; unknown users are
// default.
func staticClassifier(assignments map[string]string) func(string) string {
	return func(username string) string {
		if g, ok := assignments[username]; ok {
			return g
		}
		return users.GroupDefault
	}
}

func newTestQueue(t *testing.T, cfg Config, classify func(string) string) *Queue {
	t.Helper()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	if classify == nil {
		classify = staticClassifier(nil)
	}
	return NewQueue(&cfg, classify, nil)
}

func released(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func awaitStart(t *testing.T, q *Queue, username, filename string) <-chan struct{} {
	t.Helper()
	ch, err := q.AwaitStart(username, filename)
	require.NoError(t, err)
	return ch
}

func TestFIFOOrdering(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyFIFO},
		},
	}
	q := newTestQueue(t, cfg, nil)

	q.Enqueue("alice", "a.mp3")
	q.Enqueue("alice", "b.mp3")
	q.Enqueue("bob", "c.mp3")

	a := awaitStart(t, q, "alice", "a.mp3")
	b := awaitStart(t, q, "alice", "b.mp3")
	c := awaitStart(t, q, "bob", "c.mp3")

	assert.True(t, released(a), "earliest arrival releases first")
	assert.False(t, released(b))
	assert.False(t, released(c))

	q.Complete("alice", "a.mp3")
	assert.True(t, released(b))
	assert.False(t, released(c))

	q.Complete("alice", "b.mp3")
	assert.True(t, released(c))
}

func TestRoundRobinRotatesAcrossUsers(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyRoundRobin},
		},
	}
	q := newTestQueue(t, cfg, nil)

	// A fixed clock makes every upload ready at the same instant, which
	// exercises the cross-user tie-break.
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return instant }

	q.Enqueue("alice", "a1")
	q.Enqueue("alice", "a2")
	q.Enqueue("alice", "a3")
	q.Enqueue("bob", "b1")

	a1 := awaitStart(t, q, "alice", "a1")
	a2 := awaitStart(t, q, "alice", "a2")
	a3 := awaitStart(t, q, "alice", "a3")
	b1 := awaitStart(t, q, "bob", "b1")

	require.True(t, released(a1))

	// After alice's release, bob has been served least recently and his
	// upload rotates in ahead of alice's remaining files.
	q.Complete("alice", "a1")
	assert.True(t, released(b1))
	assert.False(t, released(a2))

	q.Complete("bob", "b1")
	assert.True(t, released(a2))
	assert.False(t, released(a3))

	q.Complete("alice", "a2")
	assert.True(t, released(a3))
}

func TestPriorityGroupGoesFirst(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1},
		},
	}
	classify := staticClassifier(map[string]string{"vip": users.GroupPrivileged})
	q := newTestQueue(t, cfg, classify)

	q.Enqueue("carol", "d1")
	d1 := awaitStart(t, q, "carol", "d1")
	require.True(t, released(d1), "d1 takes the only global slot")

	q.Enqueue("carol", "d2")
	d2 := awaitStart(t, q, "carol", "d2")

	q.Enqueue("vip", "p1")
	p1 := awaitStart(t, q, "vip", "p1")

	// No pre-emption: the privileged upload waits for the slot.
	assert.False(t, released(p1))
	assert.False(t, released(d2))

	q.Complete("carol", "d1")
	assert.True(t, released(p1), "privileged releases before default")
	assert.False(t, released(d2))
}

func TestGlobalSlotCeiling(t *testing.T) {
	cfg := Config{
		GlobalSlots: 2,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 5},
		},
	}
	q := newTestQueue(t, cfg, nil)

	channels := make([]<-chan struct{}, 0, 4)
	for _, f := range []string{"a", "b", "c", "d"} {
		q.Enqueue("alice", f)
		channels = append(channels, awaitStart(t, q, "alice", f))
	}

	releasedCount := 0
	for _, ch := range channels {
		if released(ch) {
			releasedCount++
		}
	}
	assert.Equal(t, 2, releasedCount, "global ceiling bounds total releases")

	info, err := q.GetGroupInfo(users.GroupDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, info.UsedSlots)
}

func TestSlotConservation(t *testing.T) {
	cfg := Config{GlobalSlots: 3}
	q := newTestQueue(t, cfg, nil)

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue("alice", f)
		awaitStart(t, q, "alice", f)
	}
	for _, f := range []string{"a", "b", "c", "d", "e"} {
		q.Complete("alice", f)
	}

	info, err := q.GetGroupInfo(users.GroupDefault)
	require.NoError(t, err)
	assert.Zero(t, info.UsedSlots, "all slots returned after completion")

	// Completing an unknown upload neither panics nor underflows.
	q.Complete("alice", "ghost")
	info, _ = q.GetGroupInfo(users.GroupDefault)
	assert.Zero(t, info.UsedSlots)
}

func TestAwaitStartUnknownUpload(t *testing.T) {
	q := newTestQueue(t, Config{}, nil)
	_, err := q.AwaitStart("alice", "missing")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestEstimatePositionFIFO(t *testing.T) {
	cfg := Config{
		GlobalSlots: 10,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyFIFO},
		},
	}
	q := newTestQueue(t, cfg, nil)

	q.Enqueue("alice", "a")
	q.Enqueue("bob", "b")
	q.Enqueue("alice", "c")

	pos, err := q.EstimatePosition("alice", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	pos, err = q.EstimatePosition("bob", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = q.EstimatePosition("alice", "c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, err = q.EstimatePosition("carol", "x")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestEstimatePositionRoundRobin(t *testing.T) {
	cfg := Config{
		GlobalSlots: 10,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyRoundRobin},
		},
	}
	q := newTestQueue(t, cfg, nil)

	// alice: 3 files, bob: 1 file, carol: 2 files.
	q.Enqueue("alice", "a1")
	q.Enqueue("alice", "a2")
	q.Enqueue("alice", "a3")
	q.Enqueue("bob", "b1")
	q.Enqueue("carol", "c1")
	q.Enqueue("carol", "c2")

	// alice's third file: two of her own ahead, plus min(2, 1) of bob's
	// and min(2, 2) of carol's interleaved.
	pos, err := q.EstimatePosition("alice", "a3")
	require.NoError(t, err)
	assert.Equal(t, 5, pos)

	// bob's only file schedules in the first rotation.
	pos, err = q.EstimatePosition("bob", "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestEstimatePositionMonotonic(t *testing.T) {
	cfg := Config{
		GlobalSlots: 1,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyFIFO},
		},
	}
	q := newTestQueue(t, cfg, nil)

	q.Enqueue("alice", "a")
	q.Enqueue("bob", "b")
	q.Enqueue("carol", "c")

	before, err := q.EstimatePosition("carol", "c")
	require.NoError(t, err)

	awaitStart(t, q, "alice", "a")
	q.Complete("alice", "a")

	after, err := q.EstimatePosition("carol", "c")
	require.NoError(t, err)
	assert.LessOrEqual(t, after, before)
}

func TestForecastPosition(t *testing.T) {
	cfg := Config{
		GlobalSlots: 10,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 1, Strategy: StrategyRoundRobin},
		},
	}
	q := newTestQueue(t, cfg, nil)

	pos, err := q.ForecastPosition("newcomer")
	require.NoError(t, err)
	assert.Equal(t, 0, pos, "free slot forecasts an immediate start")

	q.Enqueue("alice", "a1")
	awaitStart(t, q, "alice", "a1")
	q.Enqueue("bob", "b1")

	pos, err = q.ForecastPosition("newcomer")
	require.NoError(t, err)
	assert.Equal(t, 3, pos, "round-robin forecasts distinct users + 1")
}

func TestReconfigurePreservesUsedSlots(t *testing.T) {
	cfg := Config{
		GlobalSlots: 5,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 2},
		},
	}
	q := newTestQueue(t, cfg, nil)

	q.Enqueue("alice", "a")
	awaitStart(t, q, "alice", "a")

	info, err := q.GetGroupInfo(users.GroupDefault)
	require.NoError(t, err)
	require.Equal(t, 1, info.UsedSlots)

	next := Config{
		GlobalSlots: 5,
		Groups: map[string]GroupConfig{
			users.GroupDefault: {Priority: 1, Slots: 4},
		},
	}
	next.ApplyDefaults()
	q.Reconfigure(&next)

	info, err = q.GetGroupInfo(users.GroupDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, info.UsedSlots, "held slots carry over the rebuild")
	assert.Equal(t, 4, info.Slots)
}

func TestReconfigureAlwaysKeepsBuiltIns(t *testing.T) {
	q := newTestQueue(t, Config{GlobalSlots: 3}, nil)

	next := Config{
		GlobalSlots: 3,
		Groups: map[string]GroupConfig{
			"friends": {Priority: 1, Slots: 1},
		},
	}
	next.ApplyDefaults()
	q.Reconfigure(&next)

	for _, name := range users.BuiltInGroups() {
		_, err := q.GetGroupInfo(name)
		assert.NoError(t, err, "built-in group %q must survive", name)
	}

	info, err := q.GetGroupInfo(users.GroupPrivileged)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Priority, "privileged priority is pinned")
	assert.Equal(t, 3, info.Slots, "privileged slots equal the global ceiling")
}

func TestGroupChangeTakesEffectAtProcessTime(t *testing.T) {
	assignments := map[string]string{
		"carol": users.GroupLeechers,
		"bob":   users.GroupLeechers,
	}
	cfg := Config{
		GlobalSlots: 2,
		Groups: map[string]GroupConfig{
			users.GroupDefault:  {Priority: 2, Slots: 1},
			users.GroupLeechers: {Priority: 3, Slots: 1},
		},
	}
	q := newTestQueue(t, cfg, staticClassifier(assignments))

	// carol holds the single leecher slot.
	q.Enqueue("carol", "c1")
	c1 := awaitStart(t, q, "carol", "c1")
	require.True(t, released(c1))

	// bob is a leecher too; his group is full.
	q.Enqueue("bob", "b1")
	b1 := awaitStart(t, q, "bob", "b1")
	require.False(t, released(b1))

	// bob is reclassified into default; the next scheduling pass resolves
	// the new group and releases against its free slot.
	delete(assignments, "bob")
	q.Enqueue("alice", "nudge")
	assert.True(t, released(b1))
}
