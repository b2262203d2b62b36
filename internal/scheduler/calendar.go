package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Calendar runs wall-clock jobs (digests, pruning) in a fixed timezone.
// A job that is still running when its next slot arrives is skipped, and a
// panicking job is recovered and logged.
type Calendar struct {
	cron   *cron.Cron
	ctx    context.Context
	logger zerolog.Logger
	names  map[cron.EntryID]string
}

// NewCalendar builds a Calendar using standard five-field cron specs.
func NewCalendar(ctx context.Context, loc *time.Location, logger zerolog.Logger) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	l := logger.With().Str("component", "calendar").Logger()
	cl := cronLogger{logger: l}
	return &Calendar{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		logger: l,
		names:  make(map[cron.EntryID]string),
	}
}

// Add registers job under name with the given cron expression.
func (c *Calendar) Add(name, spec string, job func(ctx context.Context)) error {
	id, err := c.cron.AddFunc(spec, func() {
		start := time.Now()
		c.logger.Info().Str("job", name).Msg("calendar job started")
		job(c.ctx)
		c.logger.Info().Str("job", name).Dur("took", time.Since(start)).Msg("calendar job finished")
	})
	if err != nil {
		return fmt.Errorf("register %s job (%q): %w", name, spec, err)
	}
	c.names[id] = name
	return nil
}

// Start begins dispatching jobs in the background.
func (c *Calendar) Start() {
	c.cron.Start()
	for _, e := range c.cron.Entries() {
		c.logger.Info().Str("job", c.names[e.ID]).Time("next", e.Next).Msg("calendar job scheduled")
	}
}

// Stop stops dispatching and waits for running jobs or ctx, whichever ends first.
func (c *Calendar) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of registered jobs.
func (c *Calendar) Len() int {
	return len(c.cron.Entries())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
