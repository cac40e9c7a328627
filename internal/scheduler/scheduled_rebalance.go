package scheduler

import (
	"context"
	"time"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing"
	"github.com/rs/zerolog"
)

// DriftChecker measures portfolio drift against the allocation target.
type DriftChecker interface {
	Check(ctx context.Context) (*rebalancing.CheckResult, error)
}

// RebalanceExecutor runs a full rebalance under the portfolio lock.
type RebalanceExecutor interface {
	Rebalance(ctx context.Context, force bool) (*rebalancing.Run, error)
}

// ScheduledRebalanceJob checks drift on a cadence and rebalances when the
// threshold is crossed. The check is read-only; only a breach takes the
// portfolio lock.
type ScheduledRebalanceJob struct {
	checker  DriftChecker
	executor RebalanceExecutor
	log      zerolog.Logger
}

// NewScheduledRebalanceJob creates the scheduled rebalance job
func NewScheduledRebalanceJob(checker DriftChecker, executor RebalanceExecutor, log zerolog.Logger) *ScheduledRebalanceJob {
	return &ScheduledRebalanceJob{
		checker:  checker,
		executor: executor,
		log:      log.With().Str("job", "scheduled_rebalance").Logger(),
	}
}

// Name returns the job name
func (j *ScheduledRebalanceJob) Name() string {
	return "scheduled_rebalance"
}

// Run checks drift and rebalances if needed
func (j *ScheduledRebalanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	check, err := j.checker.Check(ctx)
	if err != nil {
		return err
	}

	if !check.ShouldRebalance {
		j.log.Debug().
			Float64("drift_percent", check.DriftPercent).
			Float64("threshold_percent", check.ThresholdPercent).
			Msg("Drift below threshold, skipping rebalance")
		return nil
	}

	j.log.Info().
		Float64("drift_percent", check.DriftPercent).
		Float64("threshold_percent", check.ThresholdPercent).
		Msg("Drift threshold crossed, rebalancing")

	run, err := j.executor.Rebalance(ctx, false)
	if err != nil {
		// Drift can fall back under the threshold between check and
		// execution when a settlement lands in the gap
		if domain.KindOf(err) == domain.KindValidation {
			j.log.Info().Err(err).Msg("Rebalance skipped")
			return nil
		}
		return err
	}

	j.log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("orders", len(run.OrderIDs)).
		Msg("Scheduled rebalance executed")

	return nil
}
