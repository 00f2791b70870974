package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reactive-guard/internal/scheduler"
	"reactive-guard/internal/storage"
)

// RetentionOptions configure archive pruning.
type RetentionOptions struct {
	Interval time.Duration
	MaxAge   time.Duration
	LockKey  int64
}

// Retention periodically deletes archived alerts older than MaxAge. When
// several relays share one database only the advisory lock holder prunes.
type Retention struct {
	archive storage.AlertArchive
	locker  storage.AdvisoryLocker
	opts    RetentionOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRetention builds the pruning job. locker may be nil.
func NewRetention(archive storage.AlertArchive, locker storage.AdvisoryLocker, opts RetentionOptions, logger zerolog.Logger) *Retention {
	return &Retention{
		archive: archive,
		locker:  locker,
		opts:    opts,
		logger:  logger.With().Str("component", "retention").Logger(),
		now:     time.Now,
	}
}

// Run prunes on an hour-aligned schedule until ctx is cancelled.
func (r *Retention) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Name: "retention", Interval: r.opts.Interval, AlignToStart: true}, r.logger)
	return sched.Run(ctx, r.Prune)
}

// Prune executes one pruning pass.
func (r *Retention) Prune(ctx context.Context, at time.Time) error {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		r.logger.Debug().Time("tick", at).Msg("skip pruning because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := r.now().UTC().Add(-r.opts.MaxAge)
	deleted, err := r.archive.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune archive: %w", err)
	}
	r.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("archive pruned")
	return nil
}

func (r *Retention) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
