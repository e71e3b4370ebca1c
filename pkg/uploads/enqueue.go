package uploads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/shares"
	"github.com/soulseekd/soulseekd/pkg/soul"
	"github.com/soulseekd/soulseekd/pkg/transfers"
	"github.com/soulseekd/soulseekd/pkg/users"
)

// Rejection messages are wire protocol content: peers parse the literal
// strings to decide whether a request is retryable. Do not reword.
const (
	msgFileNotShared = "File not shared."

	msgTooManyFiles     = "Too many files"
	msgTooManyMegabytes = "Too many megabytes"
	msgTooManyFailures  = "Too many failed transfers"

	scopeDaily  = " today"
	scopeWeekly = " this week"
)

// RejectionError is an admission rejection. Its message goes onto the wire
// verbatim.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

func reject(message string) error {
	return &RejectionError{Message: message}
}

// EnqueueUpload is the admission path for a remote upload request. A nil
// return accepts the request (or silently coalesces a duplicate); a
// *RejectionError return carries the message sent back to the peer.
func (s *Service) EnqueueUpload(ctx context.Context, username string, endpoint soul.Endpoint, filename string) error {
	s.classifier.RecordEndpoint(username, endpoint.IP)

	if s.classifier.IsBlacklisted(username, endpoint.IP) {
		logger.Debug("Rejecting blacklisted requester",
			logger.Username(username), logger.ClientIP(endpoint.String()))
		s.metrics.RecordRejection("blacklisted")
		return reject(msgFileNotShared)
	}

	// Peers commonly re-send the same request while waiting; only one
	// admission runs per (user, file) at a time, the rest return silently.
	guardKey := username + "\x00" + filename
	if _, inFlight := s.guard.LoadOrStore(guardKey, struct{}{}); inFlight {
		return nil
	}
	defer s.guard.Delete(guardKey)

	active, err := s.store.FindActive(ctx, transfers.DirectionUpload, username, filename)
	if err != nil {
		logger.Error("Duplicate check failed", logger.Username(username), logger.Err(err))
		s.metrics.RecordRejection("database")
		return reject(msgFileNotShared)
	}
	if len(active) > 0 {
		// Already queued or in flight; the existing record covers it.
		return nil
	}

	resolved, err := s.shares.Resolve(filename)
	if err != nil {
		if errors.Is(err, shares.ErrNotShared) {
			s.shares.RequestScan()
		}
		logger.Debug("Requested file is not shared",
			logger.Username(username), logger.Filename(filename))
		s.metrics.RecordRejection("not_shared")
		return reject(msgFileNotShared)
	}

	size := resolved.Size
	if resolved.Host == shares.LocalHost {
		info, err := os.Stat(resolved.LocalPath)
		if err != nil {
			s.shares.RequestScan()
			logger.Warn("Shared file missing on disk",
				logger.Filename(filename), logger.LocalPath(resolved.LocalPath), logger.Err(err))
			s.metrics.RecordRejection("not_shared")
			return reject(msgFileNotShared)
		}
		if info.Size() != resolved.Size {
			// Stale index entry; serve the real file and refresh.
			logger.Warn("Share index size mismatch",
				logger.Filename(filename),
				logger.Size(resolved.Size),
				"actual_size", info.Size())
			s.shares.RequestScan()
		}
		size = info.Size()
	}

	group := s.classifier.Classify(ctx, username)
	if group != users.GroupPrivileged {
		if err := s.checkLimits(ctx, username, group, size); err != nil {
			var rejection *RejectionError
			if errors.As(err, &rejection) {
				logger.Info("Upload request rejected",
					logger.Username(username),
					logger.Filename(filename),
					logger.Group(group),
					logger.Reason(rejection.Message))
				s.metrics.RecordRejection("limit")
			}
			return err
		}
	}

	transfer := transfers.NewUpload(username, filename, resolved.LocalPath, size)
	if err := s.store.AddOrSupersede(ctx, transfer); err != nil {
		logger.Error("Failed to persist upload request",
			logger.Username(username), logger.Filename(filename), logger.Err(err))
		s.metrics.RecordRejection("database")
		return reject(msgFileNotShared)
	}

	s.classifier.Watch(username)
	s.metrics.RecordEnqueued()
	logger.Info("Upload enqueued",
		logger.Username(username),
		logger.Filename(filename),
		logger.Group(group),
		logger.Size(size))

	s.launch(transfer, resolved)
	return nil
}

// checkLimits enforces queued, daily, and weekly limits for the group.
// Unset group fields fall back to the global limits field by field.
func (s *Service) checkLimits(ctx context.Context, username, group string, size int64) error {
	limits := s.config().effectiveLimits(group)
	now := time.Now()

	queued, err := s.store.SummarizeQueued(ctx, transfers.DirectionUpload, username)
	if err != nil {
		return fmt.Errorf("summarizing queued uploads: %w", err)
	}
	if err := applyLimits(limits.Queued, queued, 0, size, ""); err != nil {
		return err
	}

	type window struct {
		limits Limits
		since  time.Time
		scope  string
	}
	for _, w := range []window{
		{limits.Daily, now.Add(-24 * time.Hour), scopeDaily},
		{limits.Weekly, now.Add(-7 * 24 * time.Hour), scopeWeekly},
	} {
		if w.limits.Files == nil && w.limits.Megabytes == nil && w.limits.Failures == nil {
			continue
		}
		sum, err := s.store.SummarizeStartedSince(ctx, transfers.DirectionUpload, username, w.since)
		if err != nil {
			return fmt.Errorf("summarizing recent uploads: %w", err)
		}
		var failures int64
		if w.limits.Failures != nil {
			failures, err = s.store.CountFailedSince(ctx, transfers.DirectionUpload, username, w.since)
			if err != nil {
				return fmt.Errorf("counting recent failures: %w", err)
			}
		}
		if err := applyLimits(w.limits, sum, failures, size, w.scope); err != nil {
			return err
		}
	}
	return nil
}

// applyLimits projects the new transfer onto the summarized usage and
// rejects with the scope-suffixed literal message on the first exceeded
// field.
func applyLimits(l Limits, sum transfers.Summary, failures, size int64, scope string) error {
	if l.Files != nil && sum.Files+1 > int64(*l.Files) {
		return reject(msgTooManyFiles + scope)
	}
	if l.Megabytes != nil && sum.Bytes+size > int64(*l.Megabytes)*1024*1024 {
		return reject(msgTooManyMegabytes + scope)
	}
	if l.Failures != nil && failures >= int64(*l.Failures) {
		return reject(msgTooManyFailures + scope)
	}
	return nil
}
