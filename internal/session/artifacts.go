package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"chatlink/internal/metrics"
)

const (
	defaultArtifactRetries    = 3
	defaultArtifactRetryDelay = 500 * time.Millisecond
)

// ArtifactStore owns the on-disk credential directory for one session key.
// The client writes into it; the store only ever deletes it.
type ArtifactStore struct {
	Root       string
	Key        string
	Retries    int
	RetryDelay time.Duration

	clock     clockwork.Clock
	logger    *slog.Logger
	removeAll func(path string) error
}

// NewArtifactStore creates a store for <root>/session-<key>.
func NewArtifactStore(root, key string, clock clockwork.Clock, logger *slog.Logger) *ArtifactStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactStore{
		Root:       root,
		Key:        key,
		Retries:    defaultArtifactRetries,
		RetryDelay: defaultArtifactRetryDelay,
		clock:      clock,
		logger:     logger,
		removeAll:  os.RemoveAll,
	}
}

// Dir is the credential directory for the session.
func (s *ArtifactStore) Dir() string {
	return filepath.Join(s.Root, "session-"+s.Key)
}

// Exists reports whether the credential directory is present.
func (s *ArtifactStore) Exists() bool {
	info, err := os.Stat(s.Dir())
	return err == nil && info.IsDir()
}

// Remove deletes the credential directory. A missing directory is success.
// Transient errors (a browser still holding a lock) are retried Retries
// times with a fixed delay. The returned error is informational; callers
// log it and carry on.
func (s *ArtifactStore) Remove(ctx context.Context) error {
	dir := s.Dir()

	var err error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.clock, s.RetryDelay); err != nil {
				metrics.ArtifactRemovalsTotal.WithLabelValues("cancelled").Inc()
				return err
			}
		}

		err = s.removeAll(dir)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			metrics.ArtifactRemovalsTotal.WithLabelValues("success").Inc()
			s.logger.Debug("session artifacts removed", "dir", dir, "attempts", attempt+1)
			return nil
		}
		if !isTransientFSError(err) {
			break
		}
		s.logger.Debug("session artifacts locked, retrying", "dir", dir, "attempt", attempt+1, "error", err)
	}

	metrics.ArtifactRemovalsTotal.WithLabelValues("failure").Inc()
	return fmt.Errorf("remove session artifacts %s: %w", dir, err)
}

// isTransientFSError reports errors caused by another process briefly
// holding files open. On Windows an open handle surfaces as a permission
// error, so that counts as transient there too.
func isTransientFSError(err error) bool {
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ETXTBSY) {
		return true
	}
	if runtime.GOOS == "windows" && errors.Is(err, fs.ErrPermission) {
		return true
	}
	return false
}

// sleep waits d on clock. The timer is stopped on cancellation so a fake
// clock does not keep counting it as a waiter.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
