package uploads

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/metrics"
	"github.com/soulseekd/soulseekd/pkg/users"
)

var (
	// ErrUploadNotFound is returned when no queue entry matches the
	// requested user and filename.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrGroupNotFound is returned when a group name is unknown.
	ErrGroupNotFound = errors.New("group not found")
)

// Group is a scheduling group's live state. UsedSlots is owned by the queue
// and mutated only under its mutex.
type Group struct {
	Name      string
	Priority  int
	Slots     int
	UsedSlots int
	Strategy  Strategy
}

// GroupInfo is a point-in-time snapshot of a group.
type GroupInfo struct {
	Name      string
	Priority  int
	Slots     int
	UsedSlots int
	Strategy  Strategy
}

// Upload is an in-memory scheduling entry. It exists from Enqueue until
// Complete; the persistent record lives in the transfer store.
type Upload struct {
	Username string
	Filename string

	// Enqueued is when the entry was added; FIFO groups order by it.
	Enqueued time.Time

	// Ready is when the remote peer signalled it can receive; round-robin
	// groups order by it. Nil until AwaitStart.
	Ready *time.Time

	// Started is when the scheduler granted a slot. Nil while waiting.
	Started *time.Time

	// Group is the group the upload was charged to when it started. The
	// slot is returned to this group even if the user has since moved.
	Group string

	// started is closed when the scheduler grants a slot.
	started chan struct{}
}

// Queue owns the in-memory upload entries and the group slot accounting.
// One coarse mutex guards everything; operations are short.
type Queue struct {
	mu          sync.Mutex
	uploads     map[string][]*Upload
	groups      map[string]*Group
	globalSlots int

	// classify resolves a username to a group name without blocking.
	classify func(username string) string

	// lastRelease breaks round-robin ties between users whose uploads
	// became ready at the same instant: the user released longest ago
	// (or never) wins.
	lastRelease map[string]time.Time

	metrics *metrics.UploadMetrics
	now     func() time.Time
}

// NewQueue builds a queue from the configured groups.
func NewQueue(cfg *Config, classify func(string) string, m *metrics.UploadMetrics) *Queue {
	return &Queue{
		uploads:     make(map[string][]*Upload),
		groups:      buildGroups(cfg),
		globalSlots: cfg.GlobalSlots,
		classify:    classify,
		lastRelease: make(map[string]time.Time),
		metrics:     m,
		now:         time.Now,
	}
}

func buildGroups(cfg *Config) map[string]*Group {
	out := make(map[string]*Group)
	for name, gc := range cfg.normalizedGroups() {
		out[name] = &Group{
			Name:     name,
			Priority: gc.Priority,
			Slots:    gc.Slots,
			Strategy: gc.Strategy,
		}
	}
	return out
}

// Enqueue adds a scheduling entry for (username, filename) and runs the
// scheduler.
func (q *Queue) Enqueue(username, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.uploads[username] = append(q.uploads[username], &Upload{
		Username: username,
		Filename: filename,
		Enqueued: q.now(),
		started:  make(chan struct{}),
	})
	q.processLocked()
	q.publishGaugesLocked()
}

// AwaitStart marks the upload ready and returns a channel that is closed
// when the scheduler grants it a slot. Enqueue must have been called first.
func (q *Queue) AwaitStart(username, filename string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.findLocked(username, filename)
	if u == nil {
		return nil, ErrUploadNotFound
	}
	if u.Ready == nil {
		now := q.now()
		u.Ready = &now
	}
	q.processLocked()
	return u.started, nil
}

// Complete removes the upload and returns its slot to the group it was
// charged to. Unknown entries are ignored; completing an upload whose group
// was removed by reconfiguration abandons the slot harmlessly.
func (q *Queue) Complete(username, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.uploads[username]
	for i, u := range list {
		if u.Filename != filename {
			continue
		}
		if g, ok := q.groups[u.Group]; ok && u.Group != "" {
			if g.UsedSlots > 0 {
				g.UsedSlots--
			}
		}
		q.uploads[username] = append(list[:i], list[i+1:]...)
		if len(q.uploads[username]) == 0 {
			delete(q.uploads, username)
		}
		break
	}
	q.processLocked()
	q.publishGaugesLocked()
}

// GetGroupInfo returns a snapshot of the named group.
func (q *Queue) GetGroupInfo(name string) (GroupInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[name]
	if !ok {
		return GroupInfo{}, ErrGroupNotFound
	}
	return GroupInfo{
		Name:      g.Name,
		Priority:  g.Priority,
		Slots:     g.Slots,
		UsedSlots: g.UsedSlots,
		Strategy:  g.Strategy,
	}, nil
}

// Reconfigure swaps in groups built from the new configuration, carrying
// over UsedSlots for every group whose name persists. The swap happens
// under the queue mutex so the scheduler never observes a half-built set.
func (q *Queue) Reconfigure(cfg *Config) {
	next := buildGroups(cfg)

	q.mu.Lock()
	defer q.mu.Unlock()

	for name, g := range next {
		if prev, ok := q.groups[name]; ok {
			g.UsedSlots = prev.UsedSlots
		}
	}
	q.groups = next
	q.globalSlots = cfg.GlobalSlots
	logger.Info("Upload groups rebuilt", "groups", len(next), logger.Slots(cfg.GlobalSlots))

	q.processLocked()
	q.publishGaugesLocked()
}

func (q *Queue) findLocked(username, filename string) *Upload {
	for _, u := range q.uploads[username] {
		if u.Filename == filename {
			return u
		}
	}
	return nil
}

// resolveGroupLocked maps a username to a group known to the queue. Users
// classified into a group that no longer exists (or into the blacklisted
// pseudo-group) schedule as default.
func (q *Queue) resolveGroupLocked(username string) string {
	name := q.classify(username)
	if _, ok := q.groups[name]; ok && name != users.GroupBlacklisted {
		return name
	}
	return users.GroupDefault
}

func (q *Queue) totalUsedLocked() int {
	total := 0
	for _, g := range q.groups {
		total += g.UsedSlots
	}
	return total
}

// processLocked releases at most one ready upload per call: the winning
// upload of the highest-priority group with a free slot.
func (q *Queue) processLocked() {
	if q.totalUsedLocked() >= q.globalSlots {
		return
	}

	// Group membership is resolved now, not at enqueue time, so a user
	// that changed groups schedules against the new group.
	ready := make(map[string][]*Upload)
	for username, list := range q.uploads {
		group := q.resolveGroupLocked(username)
		for _, u := range list {
			if u.Ready != nil && u.Started == nil {
				ready[group] = append(ready[group], u)
			}
		}
	}
	if len(ready) == 0 {
		return
	}

	ordered := make([]*Group, 0, len(q.groups))
	for _, g := range q.groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	for _, g := range ordered {
		if g.UsedSlots >= g.Slots {
			continue
		}
		candidates := ready[g.Name]
		if len(candidates) == 0 {
			continue
		}

		winner := q.selectLocked(g, candidates)
		now := q.now()
		winner.Started = &now
		winner.Group = g.Name
		g.UsedSlots++
		q.lastRelease[winner.Username] = now
		close(winner.started)

		logger.Debug("Upload slot granted",
			logger.Username(winner.Username),
			logger.Filename(winner.Filename),
			logger.Group(g.Name),
			logger.UsedSlots(g.UsedSlots))
		return
	}
}

// selectLocked picks the winning upload for a group per its strategy.
func (q *Queue) selectLocked(g *Group, candidates []*Upload) *Upload {
	winner := candidates[0]
	for _, u := range candidates[1:] {
		if q.beats(g.Strategy, u, winner) {
			winner = u
		}
	}
	return winner
}

func (q *Queue) beats(strategy Strategy, a, b *Upload) bool {
	if strategy == StrategyRoundRobin {
		if !a.Ready.Equal(*b.Ready) {
			return a.Ready.Before(*b.Ready)
		}
		if a.Username != b.Username {
			// Equal readiness across users: the user who was served
			// longest ago (or never) rotates in first.
			ra, rb := q.lastRelease[a.Username], q.lastRelease[b.Username]
			if !ra.Equal(rb) {
				return ra.Before(rb)
			}
			return a.Username < b.Username
		}
		return a.Filename < b.Filename
	}

	if !a.Enqueued.Equal(b.Enqueued) {
		return a.Enqueued.Before(b.Enqueued)
	}
	return a.Filename < b.Filename
}

// EstimatePosition returns the 0-based queue position of the upload within
// its group, assuming the group runs in isolation. In-progress uploads
// count toward position.
func (q *Queue) EstimatePosition(username, filename string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	own := q.uploads[username]
	local := -1
	for i, u := range own {
		if u.Filename == filename {
			local = i
			break
		}
	}
	if local < 0 {
		return 0, ErrUploadNotFound
	}

	group := q.resolveGroupLocked(username)
	g := q.groups[group]

	if g.Strategy == StrategyRoundRobin {
		// Round-robin processes the user's earlier files first, and for
		// each other user interleaves at most that many of theirs.
		position := local
		for other, list := range q.uploads {
			if other == username || q.resolveGroupLocked(other) != group {
				continue
			}
			position += min(local, len(list))
		}
		return position, nil
	}

	all := make([]*Upload, 0, len(own))
	for other, list := range q.uploads {
		if q.resolveGroupLocked(other) != group {
			continue
		}
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Enqueued.Equal(all[j].Enqueued) {
			return all[i].Enqueued.Before(all[j].Enqueued)
		}
		return all[i].Filename < all[j].Filename
	})
	for i, u := range all {
		if u.Username == username && u.Filename == filename {
			return i, nil
		}
	}
	return 0, ErrUploadNotFound
}

// ForecastPosition estimates the position a new upload from the user would
// take if enqueued right now. A free slot in the user's group forecasts an
// immediate start.
func (q *Queue) ForecastPosition(username string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	group := q.resolveGroupLocked(username)
	g, ok := q.groups[group]
	if !ok {
		return 0, ErrGroupNotFound
	}
	if g.UsedSlots < g.Slots {
		return 0, nil
	}

	if g.Strategy == StrategyRoundRobin {
		distinct := 0
		for other := range q.uploads {
			if q.resolveGroupLocked(other) == group {
				distinct++
			}
		}
		return distinct + 1, nil
	}

	total := 0
	for other, list := range q.uploads {
		if q.resolveGroupLocked(other) == group {
			total += len(list)
		}
	}
	return total + 1, nil
}

// QueueLength returns the number of entries currently queued for the
// user's group, used by the user-info resolver.
func (q *Queue) QueueLength(username string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	group := q.resolveGroupLocked(username)
	total := 0
	for other, list := range q.uploads {
		if q.resolveGroupLocked(other) == group {
			total += len(list)
		}
	}
	return total
}

func (q *Queue) publishGaugesLocked() {
	if q.metrics == nil {
		return
	}
	depth := make(map[string]int, len(q.groups))
	for name := range q.groups {
		depth[name] = 0
	}
	for username, list := range q.uploads {
		depth[q.resolveGroupLocked(username)] += len(list)
	}
	for name, n := range depth {
		q.metrics.SetQueueDepth(name, n)
		q.metrics.SetUsedSlots(name, q.groups[name].UsedSlots)
	}
}
