package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

const reaperBatchSize = 100

// ReaperConfig controls how long runs and deliveries may linger.
type ReaperConfig struct {
	Interval          time.Duration
	QueuedTimeout     time.Duration
	VisibilityTimeout time.Duration
}

// SweepReport counts what one sweep released.
type SweepReport struct {
	Expired   int
	Stale     int
	Recovered int
}

// Reaper fails runs whose worker vanished and returns abandoned deliveries to the queue.
type Reaper struct {
	runs        repository.EvaluationRunRepository
	coordinator RunCoordinator
	recoverer   queue.Recoverer
	cfg         ReaperConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// NewReaper constructs a reaper. recoverer may be nil for backends that redeliver on their own.
func NewReaper(runs repository.EvaluationRunRepository, coordinator RunCoordinator, recoverer queue.Recoverer, cfg ReaperConfig, logger zerolog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.QueuedTimeout <= 0 {
		cfg.QueuedTimeout = 2 * time.Hour
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}

	return &Reaper{
		runs:        runs,
		coordinator: coordinator,
		recoverer:   recoverer,
		cfg:         cfg,
		logger:      logger.With().Str("component", "reaper").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reaper sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Runs are failed through conditional writes, so a sweep racing with a
// live worker releases a run at most once.
func (r *Reaper) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	now := r.now()

	expired, err := r.runs.ListExpiredRunning(ctx, now, reaperBatchSize)
	if err != nil {
		return report, err
	}
	for _, run := range expired {
		ok, err := r.coordinator.ForceFail(ctx, run, "deadline exceeded")
		if err != nil {
			return report, err
		}
		if ok {
			report.Expired++
			observability.ReaperReaped().WithLabelValues("expired").Inc()
		}
	}

	stale, err := r.runs.ListStaleQueued(ctx, now.Add(-r.cfg.QueuedTimeout), reaperBatchSize)
	if err != nil {
		return report, err
	}
	for _, run := range stale {
		ok, err := r.coordinator.ForceFail(ctx, run, "never claimed")
		if err != nil {
			return report, err
		}
		if ok {
			report.Stale++
			observability.ReaperReaped().WithLabelValues("never_claimed").Inc()
		}
	}

	if r.recoverer != nil {
		recovered, err := r.recoverer.RecoverStale(ctx, r.cfg.VisibilityTimeout)
		if err != nil {
			return report, err
		}
		report.Recovered = recovered
		if recovered > 0 {
			observability.ReaperReaped().WithLabelValues("delivery").Add(float64(recovered))
		}
	}

	if report.Expired+report.Stale+report.Recovered > 0 {
		r.logger.Info().
			Int("expired", report.Expired).
			Int("never_claimed", report.Stale).
			Int("recovered", report.Recovered).
			Msg("reaper released work")
	}
	return report, nil
}
