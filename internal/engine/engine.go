package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/intel"
)

// ErrUnknownModule is returned when --selected-modules names a stage that does not exist.
var ErrUnknownModule = errors.New("unknown module")

// -- Interfaces for Dependency Inversion --

// StageFunc is one sync stage. Every provider module exposes one as StartIngestion.
type StageFunc func(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error

// Recorder persists the outcome of runs and stages. It decouples the engine
// from a specific storage implementation.
type Recorder interface {
	StartRun(ctx context.Context, updateTag int64, startedAt time.Time) (string, error)
	RecordStage(ctx context.Context, runID, stage string, startedAt time.Time, duration time.Duration, stageErr error) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, runErr error) error
}

// Stage is a named step of a sync.
type Stage struct {
	Name string
	Run  StageFunc
}

// Sync is an ordered list of stages run against one graph session.
type Sync struct {
	stages   []Stage
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Sync.
type Option func(*Sync)

// WithRecorder records every run and stage.
func WithRecorder(r Recorder) Option {
	return func(s *Sync) { s.recorder = r }
}

// New creates an empty Sync.
func New(logger *zap.Logger, opts ...Option) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sync{logger: logger.With(zap.String("component", "sync")), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddStage appends a stage.
func (s *Sync) AddStage(name string, fn StageFunc) {
	s.stages = append(s.stages, Stage{Name: name, Run: fn})
}

// Stages returns the stage names in run order.
func (s *Sync) Stages() []string {
	names := make([]string, 0, len(s.stages))
	for _, st := range s.stages {
		names = append(names, st.Name)
	}
	return names
}

// UpdateTag returns the configured tag or, when unset, the current Unix time.
func (s *Sync) UpdateTag(cfg *config.Config) int64 {
	if cfg.Sync.UpdateTag > 0 {
		return cfg.Sync.UpdateTag
	}
	return s.now().Unix()
}

// Run executes the stages in order, stopping at the first failure.
func (s *Sync) Run(ctx context.Context, session client.Session, cfg *config.Config) (err error) {
	params := intel.Params{UpdateTag: s.UpdateTag(cfg), IterationSize: cfg.Sync.CleanupIterationSize}
	if params.IterationSize <= 0 {
		params.IterationSize = job.DefaultIterationSize
	}
	logger := s.logger.With(zap.Int64("update_tag", params.UpdateTag))
	logger.Info("Starting sync.", zap.Strings("stages", s.Stages()))

	runID := s.startRun(ctx, params.UpdateTag, logger)
	defer func() { s.finishRun(ctx, runID, err, logger) }()

	for _, st := range s.stages {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		stageLog := logger.With(zap.String("stage", st.Name))
		stageLog.Info("Starting stage.")
		started := s.now()
		stageErr := st.Run(ctx, session, cfg, params, logger)
		elapsed := s.now().Sub(started)
		s.recordStage(ctx, runID, st.Name, started, elapsed, stageErr, stageLog)

		if stageErr != nil {
			stageLog.Error("Stage failed.", zap.Duration("duration", elapsed), zap.Error(stageErr))
			return fmt.Errorf("stage %s: %w", st.Name, stageErr)
		}
		stageLog.Info("Finished stage.", zap.Duration("duration", elapsed))
	}
	logger.Info("Finished sync.")
	return nil
}

// Recorder failures are logged; the ledger must never fail a sync.
func (s *Sync) startRun(ctx context.Context, tag int64, log *zap.Logger) string {
	if s.recorder == nil {
		return ""
	}
	id, err := s.recorder.StartRun(ctx, tag, s.now())
	if err != nil {
		log.Warn("Failed to record sync start.", zap.Error(err))
		return ""
	}
	return id
}

func (s *Sync) recordStage(ctx context.Context, runID, stage string, started time.Time, d time.Duration, stageErr error, log *zap.Logger) {
	if s.recorder == nil || runID == "" {
		return
	}
	if err := s.recorder.RecordStage(ctx, runID, stage, started, d, stageErr); err != nil {
		log.Warn("Failed to record stage.", zap.Error(err))
	}
}

func (s *Sync) finishRun(ctx context.Context, runID string, runErr error, log *zap.Logger) {
	if s.recorder == nil || runID == "" {
		return
	}
	// The run context may already be cancelled; the ledger still gets the outcome.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.recorder.FinishRun(rctx, runID, s.now(), runErr); err != nil {
		log.Warn("Failed to record sync finish.", zap.Error(err))
	}
}

// Build returns a Sync with the named stages, in default order. An empty
// selection means every default stage. create-indexes always runs first.
func Build(selected []string, logger *zap.Logger, opts ...Option) (*Sync, error) {
	defaults := DefaultStages()
	s := New(logger, opts...)
	if len(selected) == 0 {
		for _, st := range defaults {
			s.AddStage(st.Name, st.Run)
		}
		return s, nil
	}

	if err := ValidateModules(selected); err != nil {
		return nil, err
	}
	want := map[string]bool{StageCreateIndexes: true}
	for _, name := range selected {
		want[normalize(name)] = true
	}
	for _, st := range defaults {
		if want[st.Name] {
			s.AddStage(st.Name, st.Run)
		}
	}
	return s, nil
}

// ValidateModules reports the first selected name that is not a stage.
func ValidateModules(selected []string) error {
	defaults := DefaultStages()
	for _, name := range selected {
		name = normalize(name)
		if name == "" {
			continue
		}
		if !isStage(defaults, name) {
			return fmt.Errorf("%w %q; valid modules are %s", ErrUnknownModule, name, strings.Join(stageNames(defaults), ", "))
		}
	}
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isStage(stages []Stage, name string) bool {
	for _, st := range stages {
		if st.Name == name {
			return true
		}
	}
	return false
}

func stageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, st.Name)
	}
	return names
}
