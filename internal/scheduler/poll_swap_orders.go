package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// OrderRefresher re-queries venues for the current status of open orders.
type OrderRefresher interface {
	RefreshOpenOrders(ctx context.Context) (int, error)
}

// FillApplier feeds resolved orders back into the pipelines that submitted
// them: settlement legs and rebalance trades.
type FillApplier interface {
	ResumeSettlements(ctx context.Context) (int, error)
	ResumeRebalanceOrders(ctx context.Context) (int, error)
}

// PollSwapOrdersJob drives async order completion. Venues fill intent orders
// on their own clock, so this poll is what turns a venue-side fill into
// credited holdings.
type PollSwapOrdersJob struct {
	refresher OrderRefresher
	applier   FillApplier
	log       zerolog.Logger
}

// NewPollSwapOrdersJob creates the swap order polling job
func NewPollSwapOrdersJob(refresher OrderRefresher, applier FillApplier, log zerolog.Logger) *PollSwapOrdersJob {
	return &PollSwapOrdersJob{
		refresher: refresher,
		applier:   applier,
		log:       log.With().Str("job", "poll_swap_orders").Logger(),
	}
}

// Name returns the job name
func (j *PollSwapOrdersJob) Name() string {
	return "poll_swap_orders"
}

// Run executes one polling pass
func (j *PollSwapOrdersJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	refreshed, err := j.refresher.RefreshOpenOrders(ctx)
	if err != nil {
		// Keep going: orders refreshed before the error can still settle
		j.log.Warn().Err(err).Msg("Order refresh incomplete")
	}

	settled, err := j.applier.ResumeSettlements(ctx)
	if err != nil {
		return err
	}

	credited, err := j.applier.ResumeRebalanceOrders(ctx)
	if err != nil {
		return err
	}

	if refreshed > 0 || settled > 0 || credited > 0 {
		j.log.Info().
			Int("refreshed", refreshed).
			Int("sessions_settled", settled).
			Int("rebalance_orders_credited", credited).
			Msg("Swap order poll applied fills")
	}

	return nil
}
