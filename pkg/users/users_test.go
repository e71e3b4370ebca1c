package users

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	stats map[string]Stats
	err   error
	calls int
}

func (f *fakeFetcher) FetchStats(_ context.Context, username string) (Stats, error) {
	f.calls++
	if f.err != nil {
		return Stats{}, f.err
	}
	s, ok := f.stats[username]
	if !ok {
		return Stats{}, errors.New("unknown user")
	}
	return s, nil
}

func newTestClassifier(t *testing.T, cfg Config, fetcher StatsFetcher) *Classifier {
	t.Helper()
	c, err := NewClassifier(cfg, fetcher)
	require.NoError(t, err)
	return c
}

func TestClassifyRuleOrder(t *testing.T) {
	ctx := context.Background()

	cfg := Config{
		Groups: map[string][]string{
			"friends": {"carol"},
		},
		Leechers: LeecherThresholds{Enabled: true, MinFiles: 10, MinDirectories: 2},
	}
	cfg.Blacklist.Usernames = []string{"mallory"}

	fetcher := &fakeFetcher{stats: map[string]Stats{
		"alice": {Username: "alice", Privileged: true},
		"bob":   {Username: "bob", SharedFiles: 2, SharedDirs: 1},
		"dave":  {Username: "dave", SharedFiles: 500, SharedDirs: 40},
		// carol is privileged, but membership wins first.
		"carol": {Username: "carol", Privileged: true},
	}}
	c := newTestClassifier(t, cfg, fetcher)

	assert.Equal(t, GroupBlacklisted, c.Classify(ctx, "mallory"))
	assert.Equal(t, "friends", c.Classify(ctx, "carol"))
	assert.Equal(t, GroupPrivileged, c.Classify(ctx, "alice"))
	assert.Equal(t, GroupLeechers, c.Classify(ctx, "bob"))
	assert.Equal(t, GroupDefault, c.Classify(ctx, "dave"))
}

func TestClassifyFetchFailureDefaults(t *testing.T) {
	c := newTestClassifier(t, Config{
		Leechers: LeecherThresholds{Enabled: true, MinFiles: 10, MinDirectories: 2},
	}, &fakeFetcher{err: errors.New("peer offline")})

	assert.Equal(t, GroupDefault, c.Classify(context.Background(), "ghost"))
}

func TestClassifyUsesCache(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{stats: map[string]Stats{
		"alice": {Username: "alice", SharedFiles: 100, SharedDirs: 10},
	}}
	c := newTestClassifier(t, Config{}, fetcher)

	c.Classify(ctx, "alice")
	c.Classify(ctx, "alice")
	assert.Equal(t, 1, fetcher.calls, "second classification should hit the cache")
}

func TestClassifyStaleCacheOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: errors.New("peer offline")}
	c := newTestClassifier(t, Config{}, fetcher)

	c.UpdateStats(Stats{
		Username:   "alice",
		Privileged: true,
		UpdatedAt:  time.Now().Add(-time.Hour),
	})

	assert.Equal(t, GroupPrivileged, c.Classify(ctx, "alice"))
	assert.Equal(t, 1, fetcher.calls, "stale entry triggers a refresh attempt")
}

func TestLeecherRequiresBothThresholds(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{stats: map[string]Stats{
		// Below the file minimum but at the directory minimum.
		"bob": {Username: "bob", SharedFiles: 1, SharedDirs: 2},
	}}
	c := newTestClassifier(t, Config{
		Leechers: LeecherThresholds{Enabled: true, MinFiles: 10, MinDirectories: 2},
	}, fetcher)

	assert.Equal(t, GroupDefault, c.Classify(ctx, "bob"))
}

func TestClassifyCachedNeverFetches(t *testing.T) {
	fetcher := &fakeFetcher{stats: map[string]Stats{
		"alice": {Username: "alice", Privileged: true},
	}}
	c := newTestClassifier(t, Config{}, fetcher)

	assert.Equal(t, GroupDefault, c.ClassifyCached("alice"))
	assert.Zero(t, fetcher.calls)

	c.UpdateStats(Stats{Username: "alice", Privileged: true})
	assert.Equal(t, GroupPrivileged, c.ClassifyCached("alice"))
	assert.Zero(t, fetcher.calls)
}

func TestBlacklistByAddress(t *testing.T) {
	cfg := Config{}
	cfg.Blacklist.CIDRs = []string{"10.0.0.0/8", "192.168.1.5"}
	c := newTestClassifier(t, cfg, nil)

	assert.True(t, c.IsBlacklisted("anyone", net.ParseIP("10.1.2.3")))
	assert.True(t, c.IsBlacklisted("anyone", net.ParseIP("192.168.1.5")))
	assert.False(t, c.IsBlacklisted("anyone", net.ParseIP("192.168.1.6")))

	// Last recorded endpoint is consulted when no address is supplied.
	c.RecordEndpoint("lurker", net.ParseIP("10.9.9.9"))
	assert.True(t, c.IsBlacklisted("lurker", nil))
	assert.False(t, c.IsBlacklisted("stranger", nil))
}

func TestBlacklistInvalidCIDR(t *testing.T) {
	cfg := Config{}
	cfg.Blacklist.CIDRs = []string{"not-an-address"}
	_, err := NewClassifier(cfg, nil)
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	c := newTestClassifier(t, Config{}, nil)

	assert.False(t, c.IsWatched("alice"))
	c.Watch("alice")
	assert.True(t, c.IsWatched("alice"))
	assert.True(t, c.IsWatched("ALICE"), "watch set is case-insensitive")
}

func TestReconfigure(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t, Config{}, nil)
	assert.Equal(t, GroupDefault, c.Classify(ctx, "eve"))

	next := Config{}
	next.Blacklist.Usernames = []string{"eve"}
	require.NoError(t, c.Reconfigure(next))
	assert.Equal(t, GroupBlacklisted, c.Classify(ctx, "eve"))

	bad := Config{}
	bad.Blacklist.CIDRs = []string{"bogus"}
	assert.Error(t, c.Reconfigure(bad))
	// Failed reload leaves the previous rules in force.
	assert.Equal(t, GroupBlacklisted, c.Classify(ctx, "eve"))
}
