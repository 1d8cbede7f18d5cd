// Package scheduler runs the periodic work of OutletPipe: the idle-session
// sweep and the cron-driven reminder jobs.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// Opts configures a Scheduler.
type Opts struct {
	Location *time.Location
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// NewScheduler creates a cron scheduler. Call Start to begin running jobs.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	// standard 5-field parser (min, hour, dom, month, dow)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// AddJob schedules task under name using the cron expression expr.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Info("Scheduler: job started", "job", name)
		task()
		slog.Info("Scheduler: job finished", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: scheduled", "job", name, "expr", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
