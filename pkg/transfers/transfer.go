// Package transfers holds the durable record of every upload and download
// the daemon has handled, backed by a relational store. Records are
// soft-deleted: limit accounting and history queries rely on removed rows
// staying in the table.
package transfers

import (
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes uploads (remote peer receives) from downloads
// (the operator receives).
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Transfer is the persistent record of a single transfer.
//
// Filename is the path exactly as the remote peer addressed it (the wire
// identifier); LocalPath is the physical location resolved when the transfer
// starts. The (Direction, Username, Filename) triple identifies a transfer
// on the network: at most one non-removed, non-completed record may exist
// per triple at any time (see Store.AddOrSupersede).
type Transfer struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Direction Direction `gorm:"index:idx_transfers_identity,priority:1;index:idx_transfers_state;index:idx_transfers_started;not null;size:10" json:"direction"`
	Username  string    `gorm:"index:idx_transfers_identity,priority:2;not null;size:255" json:"username"`
	Filename  string    `gorm:"index:idx_transfers_identity,priority:3;not null" json:"filename"`
	LocalPath string    `json:"local_path,omitempty"`

	Size             int64 `json:"size"`
	StartOffset      int64 `json:"start_offset"`
	BytesTransferred int64 `json:"bytes_transferred"`

	// StateString is the persisted encoding of State; use State()/SetState.
	StateString string `gorm:"column:state;index:idx_transfers_state,priority:2;not null" json:"state"`

	RequestedAt time.Time  `json:"requested_at"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `gorm:"index:idx_transfers_started,priority:2" json:"started_at,omitempty"`
	EndedAt     *time.Time `gorm:"index:idx_transfers_state,priority:3" json:"ended_at,omitempty"`

	// Exception is the human-readable failure reason, set only on errored
	// or cancelled records.
	Exception *string `json:"exception,omitempty"`

	// AverageSpeed is bytes per second over the whole transfer, terminal only.
	AverageSpeed float64 `json:"average_speed"`

	Removed bool `gorm:"index:idx_transfers_identity,priority:4;default:false" json:"removed"`
}

// TableName returns the table name for Transfer.
func (Transfer) TableName() string {
	return "transfers"
}

// NewUpload creates an upload record in the locally-queued state for a
// freshly admitted request.
func NewUpload(username, filename, localPath string, size int64) *Transfer {
	now := time.Now()
	return &Transfer{
		ID:          uuid.New().String(),
		Direction:   DirectionUpload,
		Username:    username,
		Filename:    filename,
		LocalPath:   localPath,
		Size:        size,
		StateString: StateQueuedLocally.String(),
		RequestedAt: now,
		EnqueuedAt:  &now,
	}
}

// State decodes the persisted state. A record with an unparseable state
// column is treated as errored rather than panicking; StartupCleanup
// rewrites such rows on the next boot.
func (t *Transfer) State() State {
	s, err := ParseState(t.StateString)
	if err != nil {
		return StateErrored
	}
	return s
}

// SetState validates the transition from the current state and applies it.
func (t *Transfer) SetState(next State) error {
	if err := t.State().CanTransitionTo(next); err != nil {
		return err
	}
	t.StateString = next.String()
	return nil
}

// IsComplete reports whether the record is terminal.
func (t *Transfer) IsComplete() bool {
	return t.State().IsTerminal()
}

// PercentComplete returns progress in [0, 100].
func (t *Transfer) PercentComplete() float64 {
	if t.Size <= 0 {
		return 0
	}
	return float64(t.BytesTransferred) / float64(t.Size) * 100
}

// AllModels returns the GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Transfer{},
	}
}
