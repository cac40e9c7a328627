// Package settlement dispatches handler, webhook and poller events onto
// the deposit and rebalancing state machines behind keyed locks: at most
// one mutating operation per session at a time, and one holdings writer
// per portfolio at a time. No business logic lives here.
package settlement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
	"github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing"
)

// portfolioKey is the holdings lock key. Holdings are a single basket
// in this deployment; the lock space is keyed anyway so a multi-tenant
// split changes the key, not the discipline.
const portfolioKey = "default"

// Orchestrator serializes access to the deposit and rebalancing
// services. Deposit mutations hold the session lock; anything that
// writes holdings (settlement, rebalancing) additionally holds the
// portfolio lock. Lock order is always session before portfolio.
type Orchestrator struct {
	deposits   *deposit.Service
	rebalancer *rebalancing.Service
	sessions   *keyedMutex
	portfolios *keyedMutex
	log        zerolog.Logger
}

// NewOrchestrator creates a new settlement orchestrator
func NewOrchestrator(deposits *deposit.Service, rebalancer *rebalancing.Service, log zerolog.Logger) (*Orchestrator, error) {
	if deposits == nil {
		return nil, fmt.Errorf("deposit service is required")
	}
	if rebalancer == nil {
		return nil, fmt.Errorf("rebalancing service is required")
	}
	return &Orchestrator{
		deposits:   deposits,
		rebalancer: rebalancer,
		sessions:   newKeyedMutex(),
		portfolios: newKeyedMutex(),
		log:        log.With().Str("service", "settlement").Logger(),
	}, nil
}

// CreateDeposit opens a new deposit session. The session does not exist
// yet, so no lock applies.
func (o *Orchestrator) CreateDeposit(ctx context.Context, params deposit.CreateParams) (*deposit.Session, error) {
	return o.deposits.Create(ctx, params)
}

// GetDeposit reads a session. Lazy expiry inside the read is a guarded
// single-row transition, safe without the session lock.
func (o *Orchestrator) GetDeposit(id string) (*deposit.Session, error) {
	return o.deposits.Get(id)
}

// ReceiveFunds applies a payment-rail report. The session id is not
// known until the correlation id resolves, so callbacks serialize on
// the correlation key instead; the guarded transition underneath keeps
// cross-key races single-outcome.
func (o *Orchestrator) ReceiveFunds(ctx context.Context, correlationID string, observed decimal.Decimal, meta deposit.ReceiptMetadata) (*deposit.Session, error) {
	release := o.sessions.Acquire("corr:" + correlationID)
	defer release()
	return o.deposits.ApplyFundsReceived(ctx, correlationID, observed, meta)
}

// ConfirmDeposit drives a received session to CONFIRMED under the
// session lock.
func (o *Orchestrator) ConfirmDeposit(ctx context.Context, sessionID string) (*deposit.Session, error) {
	release := o.sessions.Acquire(sessionID)
	defer release()
	return o.deposits.Confirm(ctx, sessionID)
}

// SettleDeposit converts a confirmed session into holdings. Settlement
// writes the holdings set, so it holds the portfolio lock on top of the
// session lock.
func (o *Orchestrator) SettleDeposit(ctx context.Context, sessionID string) (*deposit.Session, error) {
	releaseSession := o.sessions.Acquire(sessionID)
	defer releaseSession()
	releasePortfolio := o.portfolios.Acquire(portfolioKey)
	defer releasePortfolio()
	return o.deposits.Settle(ctx, sessionID)
}

// Rebalance runs a drift correction under the portfolio lock, so it
// never interleaves with deposit settlement on the same holdings.
func (o *Orchestrator) Rebalance(ctx context.Context, force bool) (*rebalancing.Run, error) {
	release := o.portfolios.Acquire(portfolioKey)
	defer release()
	return o.rebalancer.Execute(ctx, force)
}

// ConfirmPending attempts confirmation of every RECEIVED session and
// returns how many confirmed. Sessions not yet deep enough simply stay
// for the next pass.
func (o *Orchestrator) ConfirmPending(ctx context.Context) (int, error) {
	sessions, err := o.deposits.ListReceived()
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, sess := range sessions {
		result, err := o.ConfirmDeposit(ctx, sess.ID)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotYetConfirmable {
				o.log.Debug().Str("session_id", sess.ID).Msg("Deposit not yet confirmable")
			} else {
				o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Deposit confirmation attempt failed")
			}
			continue
		}
		if result.Status == deposit.StatusConfirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

// ResumeSettlements re-drives settlement for every confirmed session
// with unresolved legs and returns how many finished this pass.
func (o *Orchestrator) ResumeSettlements(ctx context.Context) (int, error) {
	sessions, err := o.deposits.ListUnsettled()
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, sess := range sessions {
		result, err := o.SettleDeposit(ctx, sess.ID)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Settlement resume attempt failed")
			continue
		}
		if result.FullySettled() {
			settled++
		}
	}
	return settled, nil
}

// ResumeRebalanceOrders credits rebalance orders that filled since the
// last pass. Fills write holdings, hence the portfolio lock.
func (o *Orchestrator) ResumeRebalanceOrders(ctx context.Context) (int, error) {
	release := o.portfolios.Acquire(portfolioKey)
	defer release()
	return o.rebalancer.ResumeOpenOrders(ctx)
}
