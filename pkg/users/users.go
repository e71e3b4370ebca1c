// Package users classifies remote usernames into scheduling groups.
//
// Every scheduling and admission decision in the daemon starts with "which
// group is this user in": the queue resolves slots per group, the governor
// resolves buckets per group, and admission resolves limits per group.
// Classification is cheap and cached; peer statistics are fetched on demand
// from the network and kept in an LRU so hot-path callers never block twice
// for the same user.
package users

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/soulseekd/soulseekd/internal/logger"
)

// Built-in group names. User-defined groups from configuration sit between
// privileged and leechers in priority; blacklisted users never schedule.
const (
	GroupPrivileged  = "privileged"
	GroupDefault     = "default"
	GroupLeechers    = "leechers"
	GroupBlacklisted = "blacklisted"
)

// BuiltInGroups lists the groups that always exist regardless of
// configuration.
func BuiltInGroups() []string {
	return []string{GroupPrivileged, GroupDefault, GroupLeechers}
}

// Stats is the peer data classification is based on.
type Stats struct {
	Username    string
	Privileged  bool
	SharedFiles int
	SharedDirs  int
	UploadSpeed int
	UpdatedAt   time.Time
}

// StatsFetcher retrieves peer statistics from the network. Fetches are
// bounded by the supplied context; a failed fetch classifies the user as
// default until data arrives.
type StatsFetcher interface {
	FetchStats(ctx context.Context, username string) (Stats, error)
}

// LeecherThresholds configures the leecher heuristic. A user whose reported
// share falls below both minimums is classified into the leechers group.
type LeecherThresholds struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	MinFiles       int  `mapstructure:"min_files" yaml:"min_files" validate:"min=0"`
	MinDirectories int  `mapstructure:"min_directories" yaml:"min_directories" validate:"min=0"`
}

// Config holds the classification rules.
type Config struct {
	// Blacklist lists usernames and IP addresses or CIDR ranges that are
	// refused outright.
	Blacklist struct {
		Usernames []string `mapstructure:"usernames" yaml:"usernames"`
		CIDRs     []string `mapstructure:"cidrs" yaml:"cidrs"`
	} `mapstructure:"blacklist" yaml:"blacklist"`

	// Groups maps user-defined group names to their member usernames.
	Groups map[string][]string `mapstructure:"groups" yaml:"groups"`

	// Leechers configures the leecher heuristic.
	Leechers LeecherThresholds `mapstructure:"leechers" yaml:"leechers"`

	// FetchTimeout bounds on-demand statistic fetches. Zero means the
	// default of two seconds.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
}

const (
	defaultFetchTimeout = 2 * time.Second
	statsCacheSize      = 4096
	statsMaxAge         = 5 * time.Minute
)

// rules is the immutable compiled form of Config, swapped wholesale on
// reconfiguration so Classify never sees a half-applied rule set.
type rules struct {
	blacklistNames map[string]struct{}
	blacklistNets  []*net.IPNet
	memberships    map[string]string
	leechers       LeecherThresholds
	fetchTimeout   time.Duration
}

// Classifier maps usernames to group names.
type Classifier struct {
	mu    sync.RWMutex
	rules *rules

	fetcher StatsFetcher
	cache   *lru.Cache[string, Stats]

	// watched tracks users with an active or prior upload; their stats
	// are refreshed by server status pushes rather than on-demand fetches.
	watched *xsync.MapOf[string, struct{}]

	// endpoints records the most recent IP seen per username so the
	// blacklist can match by address as well as by name.
	endpoints *xsync.MapOf[string, net.IP]
}

// NewClassifier compiles the configuration and returns a ready classifier.
func NewClassifier(cfg Config, fetcher StatsFetcher) (*Classifier, error) {
	compiled, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Stats](statsCacheSize)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		rules:     compiled,
		fetcher:   fetcher,
		cache:     cache,
		watched:   xsync.NewMapOf[string, struct{}](),
		endpoints: xsync.NewMapOf[string, net.IP](),
	}, nil
}

func compile(cfg Config) (*rules, error) {
	r := &rules{
		blacklistNames: make(map[string]struct{}, len(cfg.Blacklist.Usernames)),
		memberships:    make(map[string]string),
		leechers:       cfg.Leechers,
		fetchTimeout:   cfg.FetchTimeout,
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}

	for _, name := range cfg.Blacklist.Usernames {
		r.blacklistNames[strings.ToLower(name)] = struct{}{}
	}

	for _, cidr := range cfg.Blacklist.CIDRs {
		// Bare addresses are accepted as single-host ranges.
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			r.blacklistNets = append(r.blacklistNets, &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(bits, bits),
			})
			continue
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		r.blacklistNets = append(r.blacklistNets, ipnet)
	}

	for group, members := range cfg.Groups {
		for _, member := range members {
			r.memberships[strings.ToLower(member)] = group
		}
	}
	return r, nil
}

// Reconfigure replaces the rule set. Cached statistics survive; group
// resolution changes take effect on the next Classify call.
func (c *Classifier) Reconfigure(cfg Config) error {
	compiled, err := compile(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	logger.Debug("Classifier rules reloaded",
		"blacklisted_names", len(compiled.blacklistNames),
		"blacklisted_ranges", len(compiled.blacklistNets),
		"memberships", len(compiled.memberships))
	return nil
}

func (c *Classifier) currentRules() *rules {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// RecordEndpoint remembers the most recent address a user connected from.
func (c *Classifier) RecordEndpoint(username string, ip net.IP) {
	if ip == nil {
		return
	}
	c.endpoints.Store(strings.ToLower(username), ip)
}

// IsBlacklisted reports whether the user is refused by name or by address.
// A nil ip checks only the name and the last recorded endpoint.
func (c *Classifier) IsBlacklisted(username string, ip net.IP) bool {
	r := c.currentRules()
	key := strings.ToLower(username)

	if _, ok := r.blacklistNames[key]; ok {
		return true
	}
	if ip == nil {
		if last, ok := c.endpoints.Load(key); ok {
			ip = last
		}
	}
	if ip == nil {
		return false
	}
	for _, ipnet := range r.blacklistNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Watch subscribes the user for status updates. Users with any upload
// history stay watched so classification keeps using fresh statistics.
func (c *Classifier) Watch(username string) {
	c.watched.Store(strings.ToLower(username), struct{}{})
}

// IsWatched reports whether the user is in the watched set.
func (c *Classifier) IsWatched(username string) bool {
	_, ok := c.watched.Load(strings.ToLower(username))
	return ok
}

// UpdateStats feeds fresh peer data into the cache, typically from a server
// status push for a watched user.
func (c *Classifier) UpdateStats(stats Stats) {
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now()
	}
	c.cache.Add(strings.ToLower(stats.Username), stats)
}

// Classify resolves the user's group. Rules are evaluated in order:
// blacklist, user-defined membership, privileged flag, leecher thresholds,
// default. A failed or missing stats fetch yields default.
func (c *Classifier) Classify(ctx context.Context, username string) string {
	r := c.currentRules()
	key := strings.ToLower(username)

	if c.IsBlacklisted(username, nil) {
		return GroupBlacklisted
	}
	if group, ok := r.memberships[key]; ok {
		return group
	}

	stats, ok := c.lookupStats(ctx, r, key, username)
	if !ok {
		return GroupDefault
	}
	if stats.Privileged {
		return GroupPrivileged
	}
	if r.leechers.Enabled &&
		stats.SharedFiles < r.leechers.MinFiles &&
		stats.SharedDirs < r.leechers.MinDirectories {
		return GroupLeechers
	}
	return GroupDefault
}

// ClassifyCached resolves the user's group using only already-cached
// statistics. It never fetches, so it is safe to call on hot paths and
// under scheduler locks; users without cached data classify as default.
func (c *Classifier) ClassifyCached(username string) string {
	r := c.currentRules()
	key := strings.ToLower(username)

	if c.IsBlacklisted(username, nil) {
		return GroupBlacklisted
	}
	if group, ok := r.memberships[key]; ok {
		return group
	}
	stats, ok := c.cache.Get(key)
	if !ok {
		return GroupDefault
	}
	if stats.Privileged {
		return GroupPrivileged
	}
	if r.leechers.Enabled &&
		stats.SharedFiles < r.leechers.MinFiles &&
		stats.SharedDirs < r.leechers.MinDirectories {
		return GroupLeechers
	}
	return GroupDefault
}

func (c *Classifier) lookupStats(ctx context.Context, r *rules, key, username string) (Stats, bool) {
	if stats, ok := c.cache.Get(key); ok {
		if time.Since(stats.UpdatedAt) < statsMaxAge || c.fetcher == nil {
			return stats, true
		}
	}
	if c.fetcher == nil {
		return Stats{}, false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	stats, err := c.fetcher.FetchStats(fetchCtx, username)
	if err != nil {
		// Stale data beats no data.
		if cached, ok := c.cache.Get(key); ok {
			return cached, true
		}
		logger.Debug("Peer stats fetch failed, classifying as default",
			logger.Username(username), logger.Err(err))
		return Stats{}, false
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now()
	}
	c.cache.Add(key, stats)
	return stats, true
}
