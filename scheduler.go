package audioengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/usage"
)

// Analyzer is the part of the usage analyzer the scheduler drives
type Analyzer interface {
	AnalyzeNow() usage.AnalysisResult
}

// cronLogger routes cron's logging into zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// AnalysisScheduler runs usage analysis on a fixed cadence
type AnalysisScheduler struct {
	cron     *cron.Cron
	analyzer Analyzer
	every    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	running bool
	runs    int64
	last    usage.AnalysisResult
}

// NewAnalysisScheduler schedules analyzer runs every interval. Overlapping runs are skipped.
func NewAnalysisScheduler(analyzer Analyzer, every time.Duration, logger zerolog.Logger) (*AnalysisScheduler, error) {
	if every < time.Second {
		return nil, fmt.Errorf("%w: analysis interval %s below one second", ErrInvalidConfig, every)
	}
	l := logger.With().Str("component", "analysis-scheduler").Logger()
	cl := cronLogger{logger: l}
	s := &AnalysisScheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		analyzer: analyzer,
		every:    every,
		logger:   l,
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), s.RunOnce)
	if err != nil {
		return nil, fmt.Errorf("scheduling analysis: %w", err)
	}
	s.entry = id
	return s, nil
}

// RunOnce performs one analysis immediately
func (s *AnalysisScheduler) RunOnce() {
	result := s.analyzer.AnalyzeNow()

	s.mu.Lock()
	s.runs++
	s.last = result
	s.mu.Unlock()

	s.logger.Debug().
		Int("active_patterns", result.ActivePatterns).
		Int("recommendations", len(result.Recommendations)).
		Dur("duration", result.Duration).
		Msg("scheduled usage analysis complete")
}

// Start begins the schedule. Starting twice is a no-op.
func (s *AnalysisScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().Dur("every", s.every).Msg("analysis scheduler started")
}

// Stop halts the schedule and waits for a running analysis to finish
func (s *AnalysisScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("analysis scheduler stopped")
}

// Next returns when the next analysis is due, zero before Start
func (s *AnalysisScheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Runs returns how many analyses completed and the latest result
func (s *AnalysisScheduler) Runs() (int64, usage.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.last
}
