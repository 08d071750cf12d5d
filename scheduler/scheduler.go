// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package scheduler drives the periodic jobs off an in-process cron in UTC.
// A job is never allowed to overlap itself, and a persisted last-run time
// guards against double fire around restarts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the scheduler error class.
	Error = errs.Class("scheduler")

	mon = monkit.Package()
)

// Default schedules.
const (
	DefaultSyncSchedule      = "*/5 * * * *"
	DefaultFreshnessSchedule = "0 2 * * *"
)

// Config holds the scheduler configuration.
type Config struct {
	SyncSchedule      string `yaml:"sync_schedule"`
	FreshnessSchedule string `yaml:"freshness_schedule"`
	// DedupeWindow suppresses a fire landing closer than this to the
	// persisted last run, absorbing restart double fires.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

func (c Config) withDefaults() Config {
	if c.SyncSchedule == "" {
		c.SyncSchedule = DefaultSyncSchedule
	}
	if c.FreshnessSchedule == "" {
		c.FreshnessSchedule = DefaultFreshnessSchedule
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = time.Minute
	}
	return c
}

// StateDB persists per-job last-run times across restarts.
type StateDB interface {
	LastRun(ctx context.Context, name string) (time.Time, bool, error)
	SetLastRun(ctx context.Context, name string, at time.Time) error
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs registered jobs on their cron schedules.
//
// architecture: Service
type Scheduler struct {
	log    *zap.Logger
	config Config
	db     StateDB
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	started bool
	nowFn   func() time.Time
}

// New creates a scheduler. Schedules are interpreted in UTC regardless of
// the host timezone.
func New(log *zap.Logger, db StateDB, config Config) *Scheduler {
	config = config.withDefaults()
	cronLog := &cronLogger{log: log.Named("cron")}
	return &Scheduler{
		log:    log,
		config: config,
		db:     db,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.SkipIfStillRunning(cronLog)),
		),
		ctx:   context.Background(),
		nowFn: time.Now,
	}
}

// TestSetNow allows tests to pin the clock.
func (scheduler *Scheduler) TestSetNow(nowFn func() time.Time) { scheduler.nowFn = nowFn }

// Register adds a job to the schedule. Must be called before Run.
func (scheduler *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return Error.New("job needs a name and a run function")
	}
	_, err := scheduler.cron.AddFunc(job.Schedule, func() {
		scheduler.fire(job)
	})
	if err != nil {
		return Error.New("invalid schedule %q for job %q: %v", job.Schedule, job.Name, err)
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is cancelled. Jobs already
// in flight finish before Run returns.
func (scheduler *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	scheduler.mu.Lock()
	scheduler.ctx = ctx
	scheduler.started = true
	scheduler.mu.Unlock()

	scheduler.cron.Start()
	<-ctx.Done()

	stop := scheduler.cron.Stop()
	<-stop.Done()

	scheduler.mu.Lock()
	scheduler.started = false
	scheduler.mu.Unlock()
	return nil
}

// Ready reports whether the cron loop is running. Feeds the readiness
// endpoint.
func (scheduler *Scheduler) Ready() bool {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return scheduler.started
}

// fire runs one job occurrence with the restart dedupe guard.
func (scheduler *Scheduler) fire(job Job) {
	scheduler.mu.Lock()
	ctx := scheduler.ctx
	scheduler.mu.Unlock()

	now := scheduler.nowFn().UTC()
	lastRun, known, err := scheduler.db.LastRun(ctx, job.Name)
	if err != nil {
		scheduler.log.Error("reading last run failed, running anyway",
			zap.String("job", job.Name), zap.Error(err))
	} else if known && now.Sub(lastRun) < scheduler.config.DedupeWindow {
		scheduler.log.Info("skipping job, ran recently",
			zap.String("job", job.Name),
			zap.Time("last run", lastRun))
		mon.Counter("job_deduped").Inc(1)
		return
	}

	if err := scheduler.db.SetLastRun(ctx, job.Name, now); err != nil {
		scheduler.log.Error("persisting last run failed",
			zap.String("job", job.Name), zap.Error(err))
	}

	start := scheduler.nowFn()
	err = job.Run(ctx)
	elapsed := scheduler.nowFn().Sub(start)
	if err != nil {
		scheduler.log.Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		mon.Counter("job_failed").Inc(1)
		return
	}
	scheduler.log.Info("job completed",
		zap.String("job", job.Name),
		zap.Duration("elapsed", elapsed))
	mon.Counter("job_completed").Inc(1)
}

// cronLogger adapts zap to the cron logging interface.
type cronLogger struct {
	log *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
