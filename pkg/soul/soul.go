// Package soul defines the boundary between the daemon and the Soulseek
// wire-protocol library. The daemon does not implement the protocol; it
// hands the library an Upload call with callback hooks and implements the
// resolver callbacks the library invokes for incoming peer requests.
package soul

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Endpoint is a remote peer's network address.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Status is the transfer state as reported by the protocol library during
// an Upload call. The library guarantees in-order delivery of state changes
// for a single transfer.
type Status int

const (
	StatusNone Status = iota
	StatusQueued
	StatusInitializing
	StatusInProgress
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInitializing:
		return "Initializing"
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	default:
		return "None"
	}
}

// RateSource paces bytes handed to the wire. The library requests a byte
// budget before each write and returns whatever it did not use.
type RateSource interface {
	// GetBytes blocks until at least one byte is available or ctx is
	// cancelled, and returns the number granted (possibly less than
	// requested).
	GetBytes(ctx context.Context, requested int) (int, error)

	// ReturnBytes refunds granted minus actual, the portion the library
	// did not put on the wire.
	ReturnBytes(attempted, granted, actual int)
}

// StreamFactory opens the content stream for a transfer, positioned at the
// start offset negotiated with the remote peer.
type StreamFactory func(startOffset int64) (io.ReadSeekCloser, error)

// UploadOptions carries the hooks the daemon supplies to Upload.
//
// OnStateChanged and OnProgress may be invoked from library goroutines,
// concurrently with the Upload call, and a straggling report may arrive
// after Upload has returned. Callers must tolerate late invocations.
type UploadOptions struct {
	// Governor paces outgoing bytes.
	Governor RateSource

	// SlotAwaiter blocks until the local scheduler grants an upload slot.
	// The library calls it once the remote peer has acknowledged the
	// queued transfer and is ready to receive.
	SlotAwaiter func(ctx context.Context) error

	// SlotReleased is called exactly once when the transfer leaves its
	// slot, whatever the outcome.
	SlotReleased func()

	// OnStateChanged is called for every state transition, in order.
	OnStateChanged func(previous, current Status)

	// OnProgress is called as bytes move, with the cumulative count.
	OnProgress func(bytesTransferred int64)
}

// CompletedUpload is the library's terminal report for an Upload call.
type CompletedUpload struct {
	Username         string
	Filename         string
	Size             int64
	StartOffset      int64
	BytesTransferred int64
	StartedAt        time.Time
	EndedAt          time.Time

	// AverageSpeed is bytes per second over the transferred range.
	AverageSpeed float64
}

// Client is the protocol library surface the daemon invokes.
type Client interface {
	// Upload drives the byte-level transfer for a single file. It blocks
	// until the transfer reaches a terminal state or ctx is cancelled.
	Upload(ctx context.Context, username, filename string, size int64, factory StreamFactory, opts UploadOptions) (*CompletedUpload, error)

	// SendUploadSpeed reports the speed achieved by a successful upload
	// to the network, which uses it for queue-position estimates shown
	// to other peers.
	SendUploadSpeed(ctx context.Context, bytesPerSecond int) error

	// Disconnect tears down the connection, cancelling all in-flight
	// transfers.
	Disconnect(reason string)
}

// UserInfo answers a peer's user-info request.
type UserInfo struct {
	Description       string
	UploadSlots       int
	QueueLength       int
	HasFreeUploadSlot bool
	Picture           []byte
}

// Handlers are the resolver callbacks the daemon registers with the
// library for incoming peer requests. A nil handler makes the library
// answer with its protocol-level default.
type Handlers struct {
	// EnqueueUpload admits or rejects an incoming file request. The
	// error's message is propagated onto the wire verbatim.
	EnqueueUpload func(ctx context.Context, username string, endpoint Endpoint, filename string) error

	// PlaceInQueue resolves a peer's queue-position request; ok=false
	// means the transfer is unknown.
	PlaceInQueue func(ctx context.Context, username string, endpoint Endpoint, filename string) (position int, ok bool)

	// UserInfo resolves a peer's user-info request.
	UserInfo func(ctx context.Context, username string, endpoint Endpoint) UserInfo
}
