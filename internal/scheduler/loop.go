// Package scheduler drives the two periodic tasks of the control process:
// the monitoring cycle on a fixed interval and the retention sweep on a
// daily cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/service"
)

// Cycle runs one monitoring cycle.
type Cycle interface {
	RunCycle(ctx context.Context) error
}

// Sweep runs one retention sweep.
type Sweep interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// Config holds scheduler configuration.
type Config struct {
	MonitorInterval time.Duration
	SweepSpec       string // standard 5-field cron spec
	Location        *time.Location
}

// Loop runs the monitor on a ticker and the sweep on cron.
type Loop struct {
	cycle  Cycle
	sweep  Sweep
	config Config
	cron   *cron.Cron
}

// NewLoop creates a new scheduler loop. The sweep spec is parsed here so a
// bad schedule fails at startup.
func NewLoop(cycle Cycle, sweep Sweep, cfg Config) (*Loop, error) {
	if cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("monitor interval must be positive")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cl := newCronLogger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	l := &Loop{cycle: cycle, sweep: sweep, config: cfg, cron: c}
	if _, err := c.AddFunc(cfg.SweepSpec, l.runSweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSpec, err)
	}
	return l, nil
}

// NextSweep returns the next scheduled sweep time, or zero before Run.
func (l *Loop) NextSweep() time.Time {
	entries := l.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run starts both tasks and blocks until ctx is cancelled. The first
// monitoring cycle runs immediately. On cancellation no new work is
// started; a cycle or sweep already running is allowed to finish.
func (l *Loop) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "scheduler")
	logger.CtxInfo(ctx, "Scheduler started (monitor every %s, sweep %q in %s)",
		l.config.MonitorInterval, l.config.SweepSpec, l.cron.Location())

	l.cron.Start()
	defer func() {
		<-l.cron.Stop().Done()
		logger.CtxInfo(ctx, "Scheduler stopped")
	}()

	// In-flight work runs to completion or its own request timeouts.
	work := context.WithoutCancel(ctx)

	l.runCycle(work)

	ticker := time.NewTicker(l.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.CtxInfo(ctx, "Scheduler stopping (context cancelled)")
			return nil
		case <-ticker.C:
			l.runCycle(work)
		}
	}
}

// runCycle runs one monitoring cycle. Errors and panics are logged; the
// loop always reaches its next tick.
func (l *Loop) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).
				Errorf("Monitoring cycle panicked: %v", r)
		}
	}()
	if err := l.cycle.RunCycle(ctx); err != nil {
		logger.CtxWarn(ctx, "Monitoring cycle did not complete: %v", err)
	}
}

func (l *Loop) runSweep() {
	ctx := logger.SetComponent(context.Background(), "scheduler")
	report, err := l.sweep.Sweep(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Retention sweep finished with errors")
	}
	if report != nil {
		for table, n := range report.Deleted {
			logger.With(logger.Fields{logger.FieldTable: table}).WithCount(n).Debug(ctx, "Sweep result")
		}
	}
}
