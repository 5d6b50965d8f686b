package replica

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// Background defaults.
const (
	DefaultSyncInterval = 4 * time.Second
	DefaultMaxBackoff   = time.Minute
)

// Schedule drives RunBackground.
type Schedule struct {
	// Interval between syncs (default DefaultSyncInterval).
	Interval time.Duration

	// MaxBackoff caps the retry delay while offline (default DefaultMaxBackoff).
	MaxBackoff time.Duration

	// Busy, when set, is polled before each sync; a true result skips the
	// firing so incoming changes do not disturb an active user.
	Busy func() bool
}

func (s Schedule) withDefaults() Schedule {
	if s.Interval <= 0 {
		s.Interval = DefaultSyncInterval
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = DefaultMaxBackoff
	}
	if s.MaxBackoff < s.Interval {
		s.MaxBackoff = s.Interval
	}
	return s
}

func (s Schedule) busy() bool {
	return s.Busy != nil && s.Busy()
}

// RunBackground syncs every interval until ctx is cancelled or a fatal
// error occurs. Transport failures mark the replica offline and delay the
// next attempt with exponential backoff; the first success resets it.
//
// Cancelling ctx stops future firings only. An exchange already running
// completes under its own transport timeout.
func (e *Engine) RunBackground(ctx context.Context, sched Schedule) error {
	if e.syncer == nil {
		return ErrNoTransport
	}
	sched = sched.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sched.Interval
	bo.MaxInterval = sched.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(sched.Interval)
	defer timer.Stop()

	e.logger.Info("background sync started", "interval", sched.Interval, "group", e.syncer.GroupID())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("background sync stopped")
			return nil
		case <-timer.C:
		case <-e.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := sched.Interval
		switch {
		case sched.busy():
			e.logger.Debug("sync skipped: user busy")
		case e.syncer.Running():
			e.logger.Debug("sync skipped: already running")
		default:
			_, err := e.Sync(context.WithoutCancel(ctx))
			switch {
			case err == nil:
				bo.Reset()
			case IsFatal(err):
				e.logger.Error("background sync stopped", "error", err)
				return err
			case syncer.IsTransportError(err):
				wait = bo.NextBackOff()
				e.logger.Warn("sync failed; retrying", "error", err, "retry_in", wait)
			default:
				e.logger.Warn("sync failed", "error", err)
			}
		}
		timer.Reset(wait)
	}
}

// Watch follows the server's change feed and nudges the background loop on
// every notice. Dropped connections are re-established with backoff until
// ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, w *syncer.Watcher) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		connected := time.Now()
		err := w.Watch(ctx, func(n syncer.Notice) {
			bo.Reset()
			e.Nudge()
		})
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(connected) > bo.MaxInterval {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		e.logger.Warn("change feed lost; reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
