package transfers

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/soulseekd/soulseekd/internal/logger"
)

// ShutdownException is written into records that were in flight when the
// process stopped. StartupCleanup stamps it on the next boot.
const ShutdownException = "Application shut down"

// Store persists Transfer records. It supports SQLite and PostgreSQL via the
// same codebase and creates its schema on open.
//
// Database errors are propagated to callers unmodified; there is no retry
// at this layer.
type Store struct {
	db *gorm.DB
}

// NewStore opens the configured database and returns a transfer store.
func NewStore(config *DatabaseConfig) (*Store, error) {
	db, err := openDatabase(config)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB returns the underlying GORM database connection. Useful for advanced
// queries and testing.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ListFilter narrows List queries. Zero fields are ignored.
type ListFilter struct {
	Username       string
	Filename       string
	States         []State
	IncludeRemoved bool
	Limit          int
}

// Summary is the aggregate result used by limit enforcement.
type Summary struct {
	Files int64
	Bytes int64
}

// AddOrSupersede inserts t, soft-deleting any prior non-removed record for
// the same (direction, username, filename) in the same transaction. This
// upholds the uniqueness invariant: at most one live record per triple.
func (s *Store) AddOrSupersede(ctx context.Context, t *Transfer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Transfer{}).
			Where("direction = ? AND username = ? AND filename = ? AND removed = ?",
				t.Direction, t.Username, t.Filename, false).
			Update("removed", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			logger.Debug("Superseded prior transfer record",
				logger.Username(t.Username), logger.Filename(t.Filename),
				"superseded", result.RowsAffected)
		}

		return tx.Create(t).Error
	})
}

// Get returns the record with the given id, removed or not.
func (s *Store) Get(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrTransferNotFound)
	}
	return &t, nil
}

// List returns records in a direction matching the filter. Removed records
// are excluded unless the filter requests them.
func (s *Store) List(ctx context.Context, direction Direction, filter ListFilter) ([]*Transfer, error) {
	q := s.db.WithContext(ctx).Where("direction = ?", direction)

	if !filter.IncludeRemoved {
		q = q.Where("removed = ?", false)
	}
	if filter.Username != "" {
		q = q.Where("username = ?", filter.Username)
	}
	if filter.Filename != "" {
		q = q.Where("filename = ?", filter.Filename)
	}
	if len(filter.States) > 0 {
		encoded := make([]string, len(filter.States))
		for i, st := range filter.States {
			encoded[i] = st.String()
		}
		q = q.Where("state IN ?", encoded)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var out []*Transfer
	if err := q.Order("requested_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindActive returns the non-removed, non-completed records for a
// (direction, username, filename) triple. Under the uniqueness invariant
// the result has at most one element; the slice return lets callers detect
// violations.
func (s *Store) FindActive(ctx context.Context, direction Direction, username, filename string) ([]*Transfer, error) {
	var out []*Transfer
	err := s.db.WithContext(ctx).
		Where("direction = ? AND username = ? AND filename = ? AND removed = ?",
			direction, username, filename, false).
		Where("state NOT IN ?", TerminalStateStrings()).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SummarizeQueued aggregates a user's records that have not yet ended
// (EndedAt is null), including removal-exempt in-flight ones. Used for the
// queued-scope limit check.
func (s *Store) SummarizeQueued(ctx context.Context, direction Direction, username string) (Summary, error) {
	var sum Summary
	err := s.db.WithContext(ctx).Model(&Transfer{}).
		Select("COUNT(*) AS files, COALESCE(SUM(size), 0) AS bytes").
		Where("direction = ? AND username = ? AND removed = ? AND ended_at IS NULL",
			direction, username, false).
		Scan(&sum).Error
	return sum, err
}

// SummarizeStartedSince aggregates a user's records started within the
// window that count against daily/weekly limits. Errored transfers are
// excluded here; they are counted by CountFailedSince instead. The state
// comparison uses explicit equality to the errored terminal state, never
// substring tests on the encoded column.
func (s *Store) SummarizeStartedSince(ctx context.Context, direction Direction, username string, since time.Time) (Summary, error) {
	var sum Summary
	err := s.db.WithContext(ctx).Model(&Transfer{}).
		Select("COUNT(*) AS files, COALESCE(SUM(size), 0) AS bytes").
		Where("direction = ? AND username = ? AND started_at >= ? AND state <> ?",
			direction, username, since, StateErrored.String()).
		Scan(&sum).Error
	return sum, err
}

// CountFailedSince counts a user's errored transfers started within the
// window, for failure-count limits.
func (s *Store) CountFailedSince(ctx context.Context, direction Direction, username string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Transfer{}).
		Where("direction = ? AND username = ? AND started_at >= ? AND state = ?",
			direction, username, since, StateErrored.String()).
		Count(&count).Error
	return count, err
}

// Prune soft-deletes terminal records in the given states whose EndedAt is
// older than age. Every state in the filter must be a completed state;
// pruning can never touch an in-flight record or one that ended within the
// window.
func (s *Store) Prune(ctx context.Context, direction Direction, age time.Duration, states []State) (int64, error) {
	if len(states) == 0 {
		return 0, ErrPruneFilter
	}
	encoded := make([]string, len(states))
	for i, st := range states {
		if !st.IsTerminal() {
			return 0, fmt.Errorf("%w: %q", ErrPruneFilter, st)
		}
		encoded[i] = st.String()
	}

	cutoff := time.Now().Add(-age)
	result := s.db.WithContext(ctx).Model(&Transfer{}).
		Where("direction = ? AND removed = ? AND state IN ? AND ended_at IS NOT NULL AND ended_at < ?",
			direction, false, encoded, cutoff).
		Update("removed", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Update blindly upserts the record by id.
func (s *Store) Update(ctx context.Context, t *Transfer) error {
	return s.db.WithContext(ctx).Save(t).Error
}

// StartupCleanup rewrites every record that was left in flight by an
// unclean shutdown: anything with a null EndedAt or a non-terminal state
// becomes Completed|Errored with the shutdown exception. This is the only
// recovery mechanism for interrupted uploads; the daemon never resumes them.
func (s *Store) StartupCleanup(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Transfer{}).
		Where("ended_at IS NULL OR state NOT IN ?", TerminalStateStrings()).
		Updates(map[string]any{
			"state":     StateErrored.String(),
			"ended_at":  now,
			"exception": ShutdownException,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.Info("Reconciled interrupted transfers from previous run",
			"records", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
