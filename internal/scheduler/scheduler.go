// Runs a sync on a cron schedule. A run that is still going when its next
// tick fires causes that tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc is one scheduled run.
type RunFunc func(ctx context.Context) error

// Scheduler wraps a cron instance with a single job.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.Logger
	spec   string
	run    RunFunc
	ctx    context.Context
	runs   int
	failed int
}

// New parses the cron expression and prepares the job. It uses the standard five
// fields, plus the @every and @daily style descriptors.
func New(spec string, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:  log,
		spec: spec,
		run:  run,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight run to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("Scheduler started.", zap.String("cron", s.spec), zap.Time("next", s.Next()))

	<-ctx.Done()
	s.log.Info("Stopping scheduler, waiting for running sync.")
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped.", zap.Int("runs", s.runs), zap.Int("failed", s.failed))
	return nil
}

// Next reports the next scheduled time, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// tick is never entered concurrently because of SkipIfStillRunning.
func (s *Scheduler) tick() {
	s.runs++
	log := s.log.With(zap.Int("run", s.runs))
	log.Info("Scheduled sync starting.")
	if err := s.run(s.ctx); err != nil {
		s.failed++
		log.Error("Scheduled sync failed.", zap.Error(err))
		return
	}
	log.Info("Scheduled sync finished.")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
