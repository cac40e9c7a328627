package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DepositConfirmer sweeps received sessions and confirms the ones whose
// transfers have landed.
type DepositConfirmer interface {
	ConfirmPending(ctx context.Context) (int, error)
}

// ConfirmDepositsJob advances RECEIVED on-chain sessions to CONFIRMED once
// their transfers have enough confirmations. Off-chain sessions confirm
// inline on the payment callback, so this sweep is the on-chain path's only
// driver.
type ConfirmDepositsJob struct {
	confirmer DepositConfirmer
	log       zerolog.Logger
}

// NewConfirmDepositsJob creates the deposit confirmation sweep job
func NewConfirmDepositsJob(confirmer DepositConfirmer, log zerolog.Logger) *ConfirmDepositsJob {
	return &ConfirmDepositsJob{
		confirmer: confirmer,
		log:       log.With().Str("job", "confirm_deposits").Logger(),
	}
}

// Name returns the job name
func (j *ConfirmDepositsJob) Name() string {
	return "confirm_deposits"
}

// Run executes one confirmation sweep
func (j *ConfirmDepositsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	confirmed, err := j.confirmer.ConfirmPending(ctx)
	if err != nil {
		return err
	}

	if confirmed > 0 {
		j.log.Info().Int("confirmed", confirmed).Msg("Deposit sessions confirmed")
	}

	return nil
}
