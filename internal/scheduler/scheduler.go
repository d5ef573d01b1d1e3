// Package scheduler runs the configured cron backups inside the server
// process.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/logger"
	"github.com/kebairia/mongokeeper/internal/operations"
)

// BackupRunner performs one scheduled backup.
type BackupRunner interface {
	CronBackup(ctx context.Context, db string) (operations.BackupResult, error)
}

// Job is a registered scheduled backup.
type Job struct {
	Database string    `json:"database"`
	Cron     string    `json:"cron"`
	Next     time.Time `json:"next"`
}

// Scheduler triggers CronBackup on cron expressions. A run that is still
// going when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner BackupRunner
	log    logger.Logger
	ctx    context.Context
	jobs   map[cron.EntryID]config.ScheduledBackup
}

// New returns a stopped scheduler.
func New(runner BackupRunner, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		log:    log,
		ctx:    context.Background(),
		jobs:   make(map[cron.EntryID]config.ScheduledBackup),
	}
}

// Add registers the scheduled backups.
func (s *Scheduler) Add(backups ...config.ScheduledBackup) error {
	for _, b := range backups {
		id, err := s.cron.AddJob(b.Cron, s.job(b.Database))
		if err != nil {
			return fmt.Errorf("schedule backup of %s: %w", b.Database, err)
		}
		s.jobs[id] = b
		s.log.Info("backup scheduled", "database", b.Database, "cron", b.Cron)
	}
	return nil
}

// job wraps a backup of db as a cron job.
func (s *Scheduler) job(db string) cron.Job {
	return cron.FuncJob(func() {
		res, err := s.runner.CronBackup(s.ctx, db)
		if err != nil {
			s.log.Error("scheduled backup failed", "database", db, "error", err.Error())
			return
		}
		s.log.Info("scheduled backup completed", "database", db, "backup", res.Backup.Name)
	})
}

// Start runs the scheduler until Stop. ctx is passed to every backup.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop prevents new runs and returns a context that is done when the
// running ones have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Jobs lists the registered backups with their next run.
func (s *Scheduler) Jobs() []Job {
	entries := s.cron.Entries()
	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		b := s.jobs[e.ID]
		out = append(out, Job{Database: b.Database, Cron: b.Cron, Next: e.Next})
	}
	return out
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron "+msg, append(keysAndValues, "error", err.Error())...)
}
