// Package events is the in-process bus the core uses to notify higher
// layers without depending on them. Publishing never blocks: a subscriber
// that falls behind loses the oldest events in its buffer.
package events

import (
	"sync"
	"time"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/transfers"
)

// Kind identifies an event type.
type Kind string

const (
	KindUploadComplete Kind = "upload_complete"
	KindOptionsChanged Kind = "options_changed"
)

// Event is anything published on the bus.
type Event interface {
	EventKind() Kind
}

// UploadComplete is broadcast when an upload reaches a terminal state.
type UploadComplete struct {
	Timestamp  time.Time
	LocalPath  string
	RemotePath string
	Transfer   *transfers.Transfer
}

func (UploadComplete) EventKind() Kind { return KindUploadComplete }

// OptionsChanged is broadcast after a configuration change was applied.
type OptionsChanged struct {
	Timestamp time.Time

	// PendingRestart is set when a changed field only takes effect after
	// a process restart.
	PendingRestart bool

	// PendingReconnect is set when the protocol connection must be
	// re-established for a change to take effect.
	PendingReconnect bool
}

func (OptionsChanged) EventKind() Kind { return KindOptionsChanged }

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Bus fans events out to subscribers by kind.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]chan Event)}
}

// Subscribe returns a channel receiving events of the given kinds. The
// channel is never closed; subscribers are expected to live as long as the
// process.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	ch := make(chan Event, DefaultBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], ch)
	}
	return ch
}

// Publish delivers e to every subscriber of its kind. When a subscriber's
// buffer is full the oldest buffered event is dropped to make room, so a
// stuck consumer cannot stall the core.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := b.subs[e.EventKind()]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
				logger.Debug("Event subscriber lagging, dropped oldest", "kind", string(e.EventKind()))
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}
