package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/events"
	"github.com/soulseekd/soulseekd/pkg/metrics"
	"github.com/soulseekd/soulseekd/pkg/shares"
	"github.com/soulseekd/soulseekd/pkg/soul"
	"github.com/soulseekd/soulseekd/pkg/transfers"
	"github.com/soulseekd/soulseekd/pkg/users"
)

// progressWriteInterval throttles progress persistence; the database sees
// at most one write per interval per transfer.
const progressWriteInterval = 250 * time.Millisecond

// Service is the upload orchestration core. It admits remote upload
// requests, schedules them through the queue, paces them through the
// governor, and drives each accepted upload to a terminal persisted state.
type Service struct {
	store      *transfers.Store
	queue      *Queue
	governor   *Governor
	classifier *users.Classifier
	shares     shares.Resolver
	client     soul.Client
	bus        *events.Bus
	metrics    *metrics.UploadMetrics

	cfg atomic.Pointer[Config]

	// cancels holds one cancellation handle per in-flight lifecycle task,
	// keyed by transfer id.
	cancels *xsync.MapOf[string, context.CancelFunc]

	// guard serializes concurrent admission calls per (user, file).
	guard *xsync.MapOf[string, struct{}]

	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	// reconfigMu serializes Reconfigure; duplicate notifications from the
	// config watcher are common.
	reconfigMu sync.Mutex
}

// NewService wires the upload core. The configuration is normalized and
// validated; the queue and governor are built from it.
func NewService(
	cfg Config,
	store *transfers.Store,
	classifier *users.Classifier,
	resolver shares.Resolver,
	client soul.Client,
	bus *events.Bus,
	m *metrics.UploadMetrics,
) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("upload configuration: %w", err)
	}

	s := &Service{
		store:      store,
		classifier: classifier,
		shares:     resolver,
		client:     client,
		bus:        bus,
		metrics:    m,
		cancels:    xsync.NewMapOf[string, context.CancelFunc](),
		guard:      xsync.NewMapOf[string, struct{}](),
	}
	s.cfg.Store(&cfg)
	s.queue = NewQueue(&cfg, classifier.ClassifyCached, m)
	s.governor = NewGovernor(&cfg, classifier.ClassifyCached, m)
	return s, nil
}

func (s *Service) config() *Config {
	return s.cfg.Load()
}

// Queue exposes the scheduler for resolvers and tests.
func (s *Service) Queue() *Queue {
	return s.queue
}

// Governor exposes the pacing source for wiring into the protocol client.
func (s *Service) Governor() *Governor {
	return s.governor
}

// Start launches the governor refill loop.
func (s *Service) Start(ctx context.Context) {
	s.governor.Start(ctx)
}

// Handlers returns the resolver callbacks to register with the protocol
// library.
func (s *Service) Handlers() soul.Handlers {
	return soul.Handlers{
		EnqueueUpload: s.EnqueueUpload,
		PlaceInQueue:  s.PlaceInQueue,
		UserInfo:      s.UserInfo,
	}
}

// PlaceInQueue answers a peer's queue-position request.
func (s *Service) PlaceInQueue(_ context.Context, username string, _ soul.Endpoint, filename string) (int, bool) {
	position, err := s.queue.EstimatePosition(username, filename)
	if err != nil {
		return 0, false
	}
	return position, true
}

// UserInfo answers a peer's user-info request from the requester's group.
func (s *Service) UserInfo(_ context.Context, username string, _ soul.Endpoint) soul.UserInfo {
	group := s.classifier.ClassifyCached(username)
	info, err := s.queue.GetGroupInfo(group)
	if err != nil {
		info, _ = s.queue.GetGroupInfo(users.GroupDefault)
	}
	forecast, err := s.queue.ForecastPosition(username)
	free := err == nil && forecast == 0

	return soul.UserInfo{
		UploadSlots:       info.Slots,
		QueueLength:       s.queue.QueueLength(username),
		HasFreeUploadSlot: free,
	}
}

// TryCancel signals the lifecycle task for the given transfer id. It
// returns whether a task was found and does not wait for it to stop.
func (s *Service) TryCancel(id string) bool {
	cancel, ok := s.cancels.Load(id)
	if ok {
		cancel()
	}
	return ok
}

// Reconfigure applies a changed configuration: the queue's groups are
// rebuilt preserving held slots, and the governor's buckets are rebuilt
// with orphaned waiters falling back to the default bucket. Identical
// configurations return immediately.
func (s *Service) Reconfigure(next Config) error {
	s.reconfigMu.Lock()
	defer s.reconfigMu.Unlock()

	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("upload configuration: %w", err)
	}
	if reflect.DeepEqual(*s.cfg.Load(), next) {
		return nil
	}

	s.cfg.Store(&next)
	s.queue.Reconfigure(&next)
	s.governor.Reconfigure(&next)
	return nil
}

// Shutdown stops accepting work, disconnects the protocol client, cancels
// every in-flight lifecycle task, and waits for them within ctx. Records
// still in flight are reconciled by StartupCleanup on the next boot.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	if s.client != nil {
		s.client.Disconnect(transfers.ShutdownException)
	}
	s.cancels.Range(func(_ string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.governor.Stop()
	return nil
}

// launch starts the lifecycle task for an admitted upload.
func (s *Service) launch(t *transfers.Transfer, resolved shares.Resolved) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels.Store(t.ID, cancel)

	s.wg.Add(1)
	go s.run(ctx, cancel, t, resolved)
}

// run drives one upload from queue registration to a terminal persisted
// state. All mutation of the transfer flows through a single channel
// consumed here, which linearizes the concurrent progress and state
// callbacks from the protocol library. The library may fire callbacks
// from its own goroutines even after Upload has returned; anything
// arriving after the terminal write is dropped.
func (s *Service) run(ctx context.Context, cancel context.CancelFunc, t *transfers.Transfer, resolved shares.Resolved) {
	defer s.wg.Done()
	defer cancel()
	defer s.cancels.Delete(t.ID)

	s.metrics.UploadStarted()
	defer s.metrics.UploadFinished()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			s.queue.Complete(t.Username, t.Filename)
		})
	}
	defer release()

	s.queue.Enqueue(t.Username, t.Filename)

	writes := make(chan func(), 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for apply := range writes {
			apply()
		}
	}()

	// enqueueWrite hands a mutation to the writer goroutine. Once the
	// terminal write is queued the channel is sealed and late callback
	// reports are discarded instead of hitting a closed channel.
	var writeMu sync.Mutex
	writesSealed := false
	enqueueWrite := func(apply func()) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if writesSealed {
			return
		}
		writes <- apply
	}

	persist := func() {
		if s.shuttingDown.Load() {
			return
		}
		if err := s.store.Update(context.Background(), t); err != nil {
			logger.Warn("Transfer persistence failed",
				logger.TransferID(t.ID), logger.Err(err))
		}
	}

	var progressMu sync.Mutex
	var lastProgressWrite time.Time

	opts := soul.UploadOptions{
		Governor: s.governor.ForUser(t.Username),
		SlotAwaiter: func(ctx context.Context) error {
			started, err := s.queue.AwaitStart(t.Username, t.Filename)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-started:
				return nil
			}
		},
		SlotReleased: release,
		OnStateChanged: func(_, current soul.Status) {
			state, ok := stateFromStatus(current)
			if !ok {
				return
			}
			enqueueWrite(func() {
				now := time.Now()
				if current == soul.StatusQueued && t.EnqueuedAt == nil {
					t.EnqueuedAt = &now
				}
				if current == soul.StatusInProgress && t.StartedAt == nil {
					t.StartedAt = &now
				}
				if err := t.SetState(state); err != nil {
					logger.Debug("Dropping out-of-order state report",
						logger.TransferID(t.ID), logger.State(state.String()), logger.Err(err))
					return
				}
				persist()
			})
		},
		OnProgress: func(transferred int64) {
			progressMu.Lock()
			if time.Since(lastProgressWrite) < progressWriteInterval {
				progressMu.Unlock()
				return
			}
			lastProgressWrite = time.Now()
			progressMu.Unlock()

			enqueueWrite(func() {
				t.BytesTransferred = transferred
				persist()
			})
		},
	}

	completed, err := s.client.Upload(ctx, t.Username, t.Filename, t.Size, s.streamFactory(t, resolved, enqueueWrite), opts)

	writeMu.Lock()
	writes <- func() {
		s.finish(ctx, t, completed, err)
	}
	writesSealed = true
	close(writes)
	writeMu.Unlock()
	<-writerDone
}

// streamFactory opens the content stream at the offset negotiated during
// handshaking. Only locally hosted files are served in this build. The
// factory runs on a library goroutine, so the negotiated offset reaches
// the transfer record through the write channel like every other mutation.
func (s *Service) streamFactory(t *transfers.Transfer, resolved shares.Resolved, enqueueWrite func(func())) soul.StreamFactory {
	return func(startOffset int64) (io.ReadSeekCloser, error) {
		if resolved.Host != shares.LocalHost {
			return nil, fmt.Errorf("file %q is hosted on %q: remote hosts are not supported", t.Filename, resolved.Host)
		}
		f, err := os.Open(t.LocalPath)
		if err != nil {
			return nil, err
		}
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		enqueueWrite(func() {
			t.StartOffset = startOffset
		})
		return f, nil
	}
}

// finish applies the terminal disposition. It runs on the transfer's write
// channel, after all callback writes.
func (s *Service) finish(ctx context.Context, t *transfers.Transfer, completed *soul.CompletedUpload, err error) {
	now := time.Now()
	t.EndedAt = &now

	var outcome string
	switch {
	case err == nil:
		if completed != nil {
			t.BytesTransferred = completed.BytesTransferred
			t.AverageSpeed = completed.AverageSpeed
			if !completed.EndedAt.IsZero() {
				t.EndedAt = &completed.EndedAt
			}
		}
		s.applyTerminal(t, transfers.StateSucceeded, "")
		outcome = "succeeded"
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		s.applyTerminal(t, transfers.StateCancelled, err.Error())
		outcome = "cancelled"
	default:
		s.applyTerminal(t, transfers.StateErrored, err.Error())
		outcome = "errored"
	}

	if s.shuttingDown.Load() {
		// The record stays in flight; StartupCleanup settles it next boot.
		return
	}
	if err := s.store.Update(context.Background(), t); err != nil {
		logger.Error("Failed to persist terminal transfer state",
			logger.TransferID(t.ID), logger.Err(err))
	}

	group := s.classifier.ClassifyCached(t.Username)
	s.metrics.RecordOutcome(outcome)
	s.metrics.RecordBytesSent(group, t.BytesTransferred)

	logger.Info("Upload finished",
		logger.Username(t.Username),
		logger.Filename(t.Filename),
		logger.State(t.StateString),
		logger.Bytes(t.BytesTransferred),
		logger.Speed(t.AverageSpeed))

	if outcome != "succeeded" {
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.UploadComplete{
			Timestamp:  now,
			LocalPath:  t.LocalPath,
			RemotePath: t.Filename,
			Transfer:   t,
		})
	}
	if s.client != nil && t.AverageSpeed > 0 {
		reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.SendUploadSpeed(reportCtx, int(t.AverageSpeed)); err != nil {
			logger.Debug("Failed to report upload speed", logger.Err(err))
		}
	}
}

func (s *Service) applyTerminal(t *transfers.Transfer, state transfers.State, exception string) {
	if err := t.SetState(state); err != nil {
		// Force the disposition; a half-reported handshake must not leave
		// the record non-terminal.
		t.StateString = state.String()
	}
	if exception != "" {
		t.Exception = &exception
	}
}

// stateFromStatus maps the protocol library's transfer status onto the
// persisted state. Terminal statuses are handled by finish, not here.
func stateFromStatus(status soul.Status) (transfers.State, bool) {
	switch status {
	case soul.StatusQueued:
		return transfers.StateQueuedLocally, true
	case soul.StatusInitializing:
		return transfers.StateInitializing, true
	case soul.StatusInProgress:
		return transfers.StateInProgress, true
	default:
		return transfers.State{}, false
	}
}
