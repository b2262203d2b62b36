package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires the first tick immediately instead of after one interval.
	RunOnStart bool
	// FailureBackoff replaces the interval after a failed or panicking tick.
	FailureBackoff time.Duration
}

// Scheduler drives sequential execution of the evaluation cycle. Ticks never
// overlap: the next one is only scheduled after the previous returned.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextTick(time.Now().UTC())
	if s.opts.RunOnStart {
		next = time.Now().UTC()
	}
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := wait(ctx, delay); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")

		if err := s.safeTick(ctx, tick, bucket); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Time("bucket", bucket).Dur("backoff", s.opts.FailureBackoff).Msg("tick execution failed")
			if s.opts.FailureBackoff > 0 {
				next = time.Now().UTC().Add(s.opts.FailureBackoff)
				continue
			}
		}

		next = s.nextTick(time.Now().UTC())
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, bucket time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return tick(ctx, bucket)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
