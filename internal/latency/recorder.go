package latency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
)

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Recorder reports stage durations
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a latency recorder. m may be nil.
func NewRecorder(logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Track runs fn and records its duration under stage. The error returned by
// fn is passed through unchanged.
func (r *Recorder) Track(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	span := r.Start(stage)
	err := fn(ctx)
	span.End(err)
	return err
}

// Start begins a measurement that is finished by Span.End. Useful when start
// and end happen in different callbacks.
func (r *Recorder) Start(stage string) *Span {
	return &Span{
		recorder: r,
		stage:    stage,
		started:  r.now(),
	}
}

// Span is one in-progress measurement
type Span struct {
	recorder *Recorder
	stage    string
	started  time.Time

	once    sync.Once
	elapsed time.Duration
}

// End finishes the measurement. Only the first call reports; later calls
// return the same elapsed time.
func (s *Span) End(err error) time.Duration {
	s.once.Do(func() {
		s.elapsed = s.recorder.now().Sub(s.started)
		s.recorder.report(s.stage, s.elapsed, err)
	})
	return s.elapsed
}

func (r *Recorder) report(stage string, elapsed time.Duration, err error) {
	outcome := classify(err)
	r.metrics.ObserveStage(stage, outcome, elapsed.Seconds())

	switch outcome {
	case OutcomeOK:
		r.logger.Debug("Stage completed",
			slog.String("stage", stage),
			slog.Duration("elapsed", elapsed))
	case OutcomeCanceled:
		r.logger.Debug("Stage canceled",
			slog.String("stage", stage),
			slog.Duration("elapsed", elapsed))
	default:
		r.logger.Warn("Stage failed",
			slog.String("stage", stage),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
