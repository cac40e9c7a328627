package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/clients/chain"
	"github.com/anthonykimani/kiota-sub002/internal/clients/mpesa"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	"github.com/anthonykimani/kiota-sub002/internal/modules/swap"
)

// Config holds deposit policy: TTLs, tolerance, confirmation depth and
// the off-chain rail's fee and currency.
type Config struct {
	OffchainTTL       time.Duration
	OnchainTTL        time.Duration
	TolerancePercent  float64
	ConfirmationDepth int64
	FiatCurrency      string
	OffchainFeeMinor  int64
	ChainID           int64
	DepositAddress    string
}

// PushInitiator starts a mobile-money collection against a phone number.
type PushInitiator interface {
	InitiateSTKPush(ctx context.Context, phone string, amountMinor int64, accountRef string) (*mpesa.STKPushResult, error)
	IsConfigured() bool
}

// RateSource converts between fiat currencies and USD.
type RateSource interface {
	GetRate(ctx context.Context, fromCurrency, toCurrency string) (float64, error)
}

// ChainReader polls on-chain deposit transactions.
type ChainReader interface {
	BlockNumber(ctx context.Context) (int64, error)
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
	IsConfigured() bool
}

// SwapExecutor runs and tracks settlement legs. The swap service
// satisfies this.
type SwapExecutor interface {
	ExecuteForSession(ctx context.Context, sessionID, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*swap.Order, error)
	RefreshOrder(ctx context.Context, id string) (*swap.Order, error)
	LatestForLeg(sessionID, destinationAsset string) (*swap.Order, error)
	USDPrice(ctx context.Context, asset string) (float64, error)
}

// HoldingsWriter credits settled amounts into portfolio holdings.
type HoldingsWriter interface {
	ApplyFill(asset string, deltaBase decimal.Decimal, priceUSD float64) error
}

// TargetSource supplies the standing allocation target.
type TargetSource interface {
	GetTarget() (allocation.Target, error)
}

// AssetInfoProvider supplies asset metadata.
type AssetInfoProvider interface {
	Get(symbol string) (assets.Asset, error)
}

// Service owns the deposit session lifecycle. All mutating operations
// enforce lazy TTL expiry before proceeding and go through guarded
// repository transitions, so concurrent callers settle on one outcome.
type Service struct {
	cfg      Config
	repo     *Repository
	registry AssetInfoProvider
	targets  TargetSource
	push     PushInitiator // nil when the mobile-money rail is not wired
	rates    RateSource    // nil disables the off-chain rail
	chain    ChainReader   // nil disables on-chain confirmation
	swaps    SwapExecutor
	holdings HoldingsWriter
	events   *events.Manager
	log      zerolog.Logger
}

// NewService creates a new deposit service
func NewService(cfg Config, repo *Repository, registry AssetInfoProvider, targets TargetSource,
	push PushInitiator, rates RateSource, chainReader ChainReader,
	swaps SwapExecutor, holdings HoldingsWriter, eventManager *events.Manager, log zerolog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("deposit repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}
	if targets == nil {
		return nil, fmt.Errorf("allocation target source is required")
	}
	if swaps == nil {
		return nil, fmt.Errorf("swap executor is required")
	}
	if holdings == nil {
		return nil, fmt.Errorf("holdings writer is required")
	}

	return &Service{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		targets:  targets,
		push:     push,
		rates:    rates,
		chain:    chainReader,
		swaps:    swaps,
		holdings: holdings,
		events:   eventManager,
		log:      log.With().Str("service", "deposit").Logger(),
	}, nil
}

// CreateParams describes a new deposit request. ExpectedAmount is fiat
// minor units on the mobile-money rail and token base units on-chain;
// it is required off-chain (the push needs an amount) and optional
// on-chain. Target overrides the standing allocation for this deposit.
type CreateParams struct {
	Rail           Rail
	Asset          string
	Chain          int64
	ExpectedAmount *decimal.Decimal
	Phone          string
	Target         allocation.Target
}

// Create opens a new session in AWAITING_TRANSFER and returns it with
// the rail-specific payment instructions filled in: the mobile-money
// checkout reference, or the custody deposit address.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Session, error) {
	asset, err := s.registry.Get(params.Asset)
	if err != nil {
		return nil, err
	}
	if asset.IsFiat() {
		return nil, domain.Ef(domain.KindValidation, "deposits settle in an on-chain asset, not %s", params.Asset)
	}
	if params.Chain != s.cfg.ChainID || asset.Chain != params.Chain {
		return nil, domain.Ef(domain.KindValidation, "asset %s is not supported on chain %d", params.Asset, params.Chain)
	}

	if params.ExpectedAmount != nil {
		if !params.ExpectedAmount.IsPositive() || !params.ExpectedAmount.Equal(params.ExpectedAmount.Truncate(0)) {
			return nil, domain.E(domain.KindValidation, "expected amount must be a positive integer of base units")
		}
	}

	snapshot, err := s.resolveTarget(params.Target)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		Rail:           params.Rail,
		Asset:          params.Asset,
		Chain:          params.Chain,
		ExpectedAmount: params.ExpectedAmount,
		ObservedAmount: decimal.Zero,
		FeeAmount:      decimal.Zero,
		NetAmount:      decimal.Zero,
		Status:         StatusAwaitingTransfer,
		TargetSnapshot: snapshot,
		CreatedAt:      now,
	}

	switch params.Rail {
	case RailOffchainMobileMoney:
		if err := s.prepareOffchain(ctx, sess, params); err != nil {
			return nil, err
		}
		sess.ExpiresAt = now.Add(s.cfg.OffchainTTL)
	case RailOnchainTransfer:
		if s.cfg.DepositAddress == "" {
			return nil, domain.E(domain.KindUpstreamUnavailable, "on-chain deposit address is not configured")
		}
		sess.DepositAddress = s.cfg.DepositAddress
		sess.ExpiresAt = now.Add(s.cfg.OnchainTTL)
	default:
		return nil, domain.Ef(domain.KindValidation, "unknown deposit rail: %s", params.Rail)
	}

	if err := s.repo.Insert(sess); err != nil {
		return nil, err
	}

	s.emit(events.DepositSessionCreatedData{
		SessionID: sess.ID,
		Rail:      string(sess.Rail),
		Asset:     sess.Asset,
		ExpiresAt: sess.ExpiresAt.Unix(),
	})
	s.log.Info().
		Str("session_id", sess.ID).
		Str("rail", string(sess.Rail)).
		Str("asset", sess.Asset).
		Time("expires_at", sess.ExpiresAt).
		Msg("Deposit session created")
	return sess, nil
}

// prepareOffchain validates the mobile-money request and initiates the
// collection push. The checkout id becomes the session's correlation id
// up front, so the rail callback can find it.
func (s *Service) prepareOffchain(ctx context.Context, sess *Session, params CreateParams) error {
	asset, err := s.registry.Get(params.Asset)
	if err != nil {
		return err
	}
	if asset.Class != assets.ClassStable {
		return domain.Ef(domain.KindValidation, "mobile money deposits settle in the stable asset, not %s", params.Asset)
	}
	if params.ExpectedAmount == nil {
		return domain.E(domain.KindValidation, "mobile money deposits require an expected amount")
	}
	if params.Phone == "" {
		return domain.E(domain.KindValidation, "phone number is required for mobile money deposits")
	}
	if s.push == nil || !s.push.IsConfigured() {
		return domain.E(domain.KindUpstreamUnavailable, "mobile money rail is not configured")
	}

	phone, err := mpesa.NormalizePhone(params.Phone)
	if err != nil {
		return err
	}

	result, err := s.push.InitiateSTKPush(ctx, phone, params.ExpectedAmount.IntPart(), sess.ID[:8])
	if err != nil {
		return err
	}

	sess.Phone = phone
	sess.CorrelationID = result.CheckoutRequestID
	return nil
}

// resolveTarget returns the allocation this deposit settles into: the
// validated custom split, or the standing target.
func (s *Service) resolveTarget(custom allocation.Target) (allocation.Target, error) {
	if len(custom) == 0 {
		return s.targets.GetTarget()
	}

	if err := custom.Validate(); err != nil {
		return nil, err
	}
	for symbol := range custom {
		a, err := s.registry.Get(symbol)
		if err != nil {
			return nil, err
		}
		if a.IsFiat() {
			return nil, domain.Ef(domain.KindValidation, "fiat asset %s cannot be an allocation target", symbol)
		}
	}
	return custom, nil
}

// Get returns a session with its legs. A lapsed AWAITING_TRANSFER
// session is materialized as EXPIRED on the way out.
func (s *Service) Get(id string) (*Session, error) {
	sess, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.Ef(domain.KindSessionNotFound, "unknown session: %s", id)
	}
	if sess.IsExpired(time.Now().UTC()) {
		s.materializeExpiry(sess)
	}
	return s.withLegs(sess)
}

// ListReceived returns sessions waiting on confirmation.
func (s *Service) ListReceived() ([]*Session, error) {
	return s.repo.ListByStatus(StatusReceived)
}

// ListUnsettled returns confirmed sessions with unresolved legs.
func (s *Service) ListUnsettled() ([]*Session, error) {
	return s.repo.ListUnsettled()
}

// ReceiptMetadata carries rail-specific details accompanying a
// funds-received event.
type ReceiptMetadata struct {
	// SessionID names the session explicitly. On-chain watchers must
	// pass it: the tx hash is not known to the session until now.
	SessionID string
	// PhoneNumber and Receipt come from the mobile-money callback.
	PhoneNumber string
	Receipt     string
}

// ApplyFundsReceived records funds reported by a payment rail and moves
// the session to RECEIVED. Idempotent per correlation id: a duplicate
// delivery returns the already-updated session unchanged. The observed
// amount is fiat minor units off-chain and token base units on-chain.
func (s *Service) ApplyFundsReceived(ctx context.Context, correlationID string, observed decimal.Decimal, meta ReceiptMetadata) (*Session, error) {
	if correlationID == "" {
		return nil, domain.E(domain.KindValidation, "correlation id is required")
	}
	if !observed.IsPositive() || !observed.Equal(observed.Truncate(0)) {
		return nil, domain.E(domain.KindValidation, "observed amount must be a positive integer of base units")
	}

	sess, err := s.findForCorrelation(correlationID, meta.SessionID)
	if err != nil {
		return nil, err
	}

	// Duplicate delivery: this correlation id already moved the session.
	if sess.CorrelationID == correlationID && (sess.Status == StatusReceived || sess.Status == StatusConfirmed) {
		return s.withLegs(sess)
	}

	if sess.IsExpired(time.Now().UTC()) {
		s.materializeExpiry(sess)
	}
	if err := statusError(sess); err != nil {
		return nil, err
	}

	// Tolerance only applies when the session was created with an
	// expected amount.
	if sess.ExpectedAmount != nil {
		deviation := observed.Sub(*sess.ExpectedAmount).Abs().
			Div(*sess.ExpectedAmount).
			Mul(decimal.NewFromInt(100))
		if deviation.GreaterThan(decimal.NewFromFloat(s.cfg.TolerancePercent)) {
			return nil, domain.Ef(domain.KindAmountMismatch,
				"observed amount %s deviates from expected %s beyond %.2f%% tolerance",
				observed.String(), sess.ExpectedAmount.String(), s.cfg.TolerancePercent)
		}
	}

	fee, net, err := s.settlementAmounts(ctx, sess, observed)
	if err != nil {
		return nil, err
	}

	receivedAt := time.Now().UTC()
	if err := s.repo.MarkReceived(sess.ID, observed, fee, net, correlationID, receivedAt); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.resolveReceiveRace(sess.ID, correlationID)
		}
		return nil, err
	}

	sess.Status = StatusReceived
	sess.ObservedAmount = observed
	sess.FeeAmount = fee
	sess.NetAmount = net
	sess.CorrelationID = correlationID
	sess.ReceivedAt = &receivedAt

	s.emit(events.DepositReceivedData{
		SessionID:      sess.ID,
		CorrelationID:  correlationID,
		Rail:           string(sess.Rail),
		ObservedAmount: observed.String(),
		Asset:          sess.Asset,
	})
	s.log.Info().
		Str("session_id", sess.ID).
		Str("correlation_id", correlationID).
		Str("observed", observed.String()).
		Str("net", net.String()).
		Msg("Funds received")
	return s.withLegs(sess)
}

// findForCorrelation resolves the session a funds-received event belongs
// to: by correlation id first, then by the explicitly named session.
func (s *Service) findForCorrelation(correlationID, sessionID string) (*Session, error) {
	sess, err := s.repo.FindByCorrelationID(correlationID)
	if err != nil {
		return nil, err
	}
	if sess == nil && sessionID != "" {
		sess, err = s.repo.Get(sessionID)
		if err != nil {
			return nil, err
		}
		// A session already claimed by a different correlation id is not
		// a match for this event.
		if sess != nil && sess.CorrelationID != "" && sess.CorrelationID != correlationID {
			sess = nil
		}
	}
	if sess == nil {
		return nil, domain.Ef(domain.KindSessionNotFound, "no session matches correlation id %s", correlationID)
	}
	return sess, nil
}

// resolveReceiveRace re-reads a session after a lost MarkReceived race.
// A concurrent duplicate delivery that won is an idempotent success.
func (s *Service) resolveReceiveRace(sessionID, correlationID string) (*Session, error) {
	sess, err := s.repo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.Ef(domain.KindSessionNotFound, "unknown session: %s", sessionID)
	}
	if sess.CorrelationID == correlationID && (sess.Status == StatusReceived || sess.Status == StatusConfirmed) {
		return s.withLegs(sess)
	}
	if err := statusError(sess); err != nil {
		return nil, err
	}
	return nil, domain.Ef(domain.KindSessionTerminal, "session %s was claimed concurrently", sessionID)
}

// settlementAmounts computes the rail fee and the net amount that lands
// in the settlement asset. On-chain transfers settle what they carry;
// mobile-money collections deduct the flat rail fee and convert at the
// current fiat/USD rate, truncating to whole base units.
func (s *Service) settlementAmounts(ctx context.Context, sess *Session, observed decimal.Decimal) (fee, net decimal.Decimal, err error) {
	if sess.Rail == RailOnchainTransfer {
		return decimal.Zero, observed, nil
	}

	fiat, err := s.registry.Get(s.cfg.FiatCurrency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	asset, err := s.registry.Get(sess.Asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	fee = decimal.NewFromInt(s.cfg.OffchainFeeMinor)
	netMinor := observed.Sub(fee)
	if !netMinor.IsPositive() {
		return decimal.Zero, decimal.Zero, domain.Ef(domain.KindValidation,
			"observed amount %s does not cover the %d rail fee", observed.String(), s.cfg.OffchainFeeMinor)
	}

	if s.rates == nil {
		return decimal.Zero, decimal.Zero, domain.E(domain.KindUpstreamUnavailable, "exchange rate source is not configured")
	}
	// Fiat units per USD, so the division below stays exact for clean
	// rates instead of accumulating float dust.
	rate, err := s.rates.GetRate(ctx, "USD", s.cfg.FiatCurrency)
	if err != nil {
		return decimal.Zero, decimal.Zero, domain.Wrap(domain.KindUpstreamUnavailable, "exchange rate unavailable", err)
	}
	if rate <= 0 {
		return decimal.Zero, decimal.Zero, domain.Ef(domain.KindUpstreamUnavailable, "invalid %s rate: %f", s.cfg.FiatCurrency, rate)
	}

	// The stable settlement asset is treated as 1:1 with the USD leg.
	netFiat := assets.FromBaseUnits(netMinor, fiat.Decimals)
	netUSD := netFiat.Div(decimal.NewFromFloat(rate))
	net = assets.ToBaseUnits(netUSD, asset.Decimals)
	if !net.IsPositive() {
		return decimal.Zero, decimal.Zero, domain.Ef(domain.KindValidation,
			"net amount %s %s is too small to settle", netFiat.String(), s.cfg.FiatCurrency)
	}
	return fee, net, nil
}

// Confirm verifies received funds and moves the session to CONFIRMED.
// Off-chain deposits confirm synchronously; on-chain deposits need the
// transfer mined to the configured depth, surfacing NotYetConfirmable
// until then rather than blocking. A reverted or mismatched transfer
// fails the session, returned with status FAILED and no error.
func (s *Service) Confirm(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.loadForMutation(sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case StatusAwaitingTransfer:
		return nil, domain.Ef(domain.KindNotYetConfirmable, "session %s is still awaiting transfer", sessionID)
	case StatusReceived:
	default:
		return nil, statusError(sess)
	}

	if sess.Rail == RailOnchainTransfer {
		if failReason, err := s.verifyOnchain(ctx, sess); err != nil {
			return nil, err
		} else if failReason != "" {
			return s.failSession(sess, failReason)
		}
	}

	confirmedAt := time.Now().UTC()
	if err := s.repo.MarkConfirmed(sess.ID, confirmedAt); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.reloadAfterRace(sess.ID)
		}
		return nil, err
	}

	sess.Status = StatusConfirmed
	sess.ConfirmedAt = &confirmedAt

	s.emit(events.DepositConfirmedData{
		SessionID: sess.ID,
		Rail:      string(sess.Rail),
		Asset:     sess.Asset,
		Amount:    sess.NetAmount.String(),
	})
	s.log.Info().
		Str("session_id", sess.ID).
		Str("net", sess.NetAmount.String()).
		Msg("Deposit confirmed")
	return s.withLegs(sess)
}

// verifyOnchain checks the deposit transaction against the chain.
// Returns a non-empty failure reason for terminal verification failures,
// and a retryable error while the transaction is still settling.
func (s *Service) verifyOnchain(ctx context.Context, sess *Session) (string, error) {
	if s.chain == nil || !s.chain.IsConfigured() {
		return "", domain.E(domain.KindUpstreamUnavailable, "chain RPC is not configured")
	}

	receipt, err := s.chain.TransactionReceipt(ctx, sess.CorrelationID)
	if err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "failed to fetch deposit receipt", err)
	}
	if receipt == nil {
		return "", domain.Ef(domain.KindNotYetConfirmable, "transaction %s is not yet mined", sess.CorrelationID)
	}
	if !receipt.Success {
		return "deposit transaction reverted", nil
	}

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "failed to fetch chain head", err)
	}
	depth := head - receipt.BlockNumber + 1
	if depth < s.cfg.ConfirmationDepth {
		return "", domain.Ef(domain.KindNotYetConfirmable,
			"transaction %s has %d of %d confirmations", sess.CorrelationID, depth, s.cfg.ConfirmationDepth)
	}

	// The receipt is ground truth for what actually landed.
	asset, err := s.registry.Get(sess.Asset)
	if err != nil {
		return "", err
	}
	transferred, found := chain.TransferAmountToRecipient(receipt, asset.Address, sess.DepositAddress)
	if !found {
		return fmt.Sprintf("no %s transfer to the deposit address in transaction %s", sess.Asset, sess.CorrelationID), nil
	}
	if !transferred.Equal(sess.ObservedAmount) {
		return fmt.Sprintf("on-chain amount %s does not match reported amount %s",
			transferred.String(), sess.ObservedAmount.String()), nil
	}
	return "", nil
}

// failSession moves a RECEIVED session to FAILED with a reason.
func (s *Service) failSession(sess *Session, reason string) (*Session, error) {
	if err := s.repo.MarkFailed(sess.ID, reason); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.reloadAfterRace(sess.ID)
		}
		return nil, err
	}
	sess.Status = StatusFailed
	sess.FailureReason = reason

	s.emit(events.DepositFailedData{SessionID: sess.ID, Reason: reason})
	s.log.Warn().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Msg("Deposit failed confirmation")
	return s.withLegs(sess)
}

// Settle converts a confirmed deposit into the target allocation: one
// swap leg per destination asset, skipping the deposit currency itself.
// Legs are keyed by (session, destination asset), so repeated calls
// resume unresolved legs instead of duplicating work. A partial failure
// leaves the session CONFIRMED with per-leg errors recorded; once every
// leg completes, the remainder stays in the deposit currency and the
// session is flagged settled.
func (s *Service) Settle(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.loadForMutation(sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case StatusConfirmed:
	case StatusAwaitingTransfer, StatusReceived:
		return nil, domain.Ef(domain.KindNotYetConfirmable,
			"session %s is %s; settlement requires a confirmed deposit", sessionID, sess.Status)
	default:
		return nil, statusError(sess)
	}

	if sess.FullySettled() {
		return s.withLegs(sess)
	}

	legs, err := s.repo.ListLegs(sessionID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		if err := s.repo.EnsureLegs(sessionID, s.planLegs(sess)); err != nil {
			return nil, err
		}
		legs, err = s.repo.ListLegs(sessionID)
		if err != nil {
			return nil, err
		}
	}

	for _, leg := range legs {
		if leg.Resolved() {
			continue
		}
		s.processLeg(ctx, sess, leg)
	}

	legs, err = s.repo.ListLegs(sessionID)
	if err != nil {
		return nil, err
	}

	if allResolved(legs) {
		if err := s.finalizeSettlement(ctx, sess, legs); err != nil {
			return nil, err
		}
	}

	s.emitSettlePass(sess, legs)
	sess.Legs = legs
	return sess, nil
}

// planLegs derives the settlement legs from the target snapshot. Shares
// that truncate to zero base units stay in the deposit currency.
func (s *Service) planLegs(sess *Session) []*Leg {
	var legs []*Leg
	for _, asset := range sess.TargetSnapshot.Assets() {
		pct := sess.TargetSnapshot[asset]
		if pct <= 0 || asset == sess.Asset {
			continue
		}
		input := sess.NetAmount.
			Mul(decimal.NewFromFloat(pct)).
			Div(decimal.NewFromInt(100)).
			Truncate(0)
		if !input.IsPositive() {
			continue
		}
		legs = append(legs, &Leg{
			SessionID:        sess.ID,
			DestinationAsset: asset,
			InputAmount:      input,
			Status:           LegPending,
			RealizedAmount:   decimal.Zero,
		})
	}
	return legs
}

// processLeg advances one unresolved leg: adopt an order an earlier pass
// submitted but failed to record, refresh a known order, or submit a
// fresh one. Failures are recorded on the leg and never abort the pass.
func (s *Service) processLeg(ctx context.Context, sess *Session, leg *Leg) {
	if leg.OrderID == "" {
		if order, err := s.swaps.LatestForLeg(sess.ID, leg.DestinationAsset); err == nil &&
			order != nil && order.Status != swap.StatusFailed {
			leg.OrderID = order.ID
			leg.Status = LegSubmitted
			leg.ErrorMessage = ""
			if err := s.repo.UpdateLeg(leg); err != nil {
				s.log.Warn().Err(err).Str("session_id", sess.ID).Str("asset", leg.DestinationAsset).
					Msg("Failed to adopt recovered order onto leg")
				return
			}
		}
	}

	if leg.OrderID == "" {
		s.submitLeg(ctx, sess, leg)
		return
	}

	order, err := s.swaps.RefreshOrder(ctx, leg.OrderID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("order_id", leg.OrderID).
			Msg("Failed to refresh settlement leg order")
		return
	}

	switch order.Status {
	case swap.StatusCompleted:
		s.completeLeg(ctx, sess, leg, order)
	case swap.StatusFailed:
		leg.Status = LegFailed
		leg.ErrorMessage = order.FailureReason
		if err := s.repo.UpdateLeg(leg); err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to record leg failure")
			return
		}
		// The failed order moved nothing, so retry with a fresh one.
		s.submitLeg(ctx, sess, leg)
	default:
		if leg.Status != LegSubmitted {
			leg.Status = LegSubmitted
			if err := s.repo.UpdateLeg(leg); err != nil {
				s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to record leg submission")
			}
		}
	}
}

// submitLeg executes a new swap for a leg and records the outcome. A
// venue that fills synchronously completes the leg in the same pass.
func (s *Service) submitLeg(ctx context.Context, sess *Session, leg *Leg) {
	order, err := s.swaps.ExecuteForSession(ctx, sess.ID, sess.Asset, leg.DestinationAsset, leg.InputAmount)
	if err != nil {
		leg.Status = LegFailed
		leg.ErrorMessage = domain.UserMessage(err)
		if uerr := s.repo.UpdateLeg(leg); uerr != nil {
			s.log.Error().Err(uerr).Str("session_id", sess.ID).Str("asset", leg.DestinationAsset).
				Msg("Failed to record leg submission failure")
		}
		s.log.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("asset", leg.DestinationAsset).
			Msg("Settlement leg submission failed")
		return
	}

	switch order.Status {
	case swap.StatusCompleted:
		s.completeLeg(ctx, sess, leg, order)
	case swap.StatusFailed:
		leg.OrderID = order.ID
		leg.Status = LegFailed
		leg.ErrorMessage = order.FailureReason
		if err := s.repo.UpdateLeg(leg); err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to record leg failure")
		}
	default:
		leg.OrderID = order.ID
		leg.Status = LegSubmitted
		leg.ErrorMessage = ""
		if err := s.repo.UpdateLeg(leg); err != nil {
			// LatestForLeg adopts the order on the next pass.
			s.log.Error().Err(err).
				Str("session_id", sess.ID).
				Str("order_id", order.ID).
				Msg("Submitted order not recorded on leg")
		}
	}
}

// completeLeg records a filled order and credits the holding. The
// guarded leg update makes sure only one caller performs the credit.
func (s *Service) completeLeg(ctx context.Context, sess *Session, leg *Leg, order *swap.Order) {
	leg.OrderID = order.ID
	leg.Status = LegCompleted
	leg.RealizedAmount = order.DestinationAmount
	leg.ErrorMessage = ""
	if err := s.repo.UpdateLeg(leg); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another pass completed and credited this leg.
			return
		}
		s.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to record leg completion")
		return
	}

	price := s.legFillPrice(ctx, sess, leg)
	if err := s.holdings.ApplyFill(leg.DestinationAsset, leg.RealizedAmount, price); err != nil {
		s.log.Error().Err(err).
			Str("session_id", sess.ID).
			Str("asset", leg.DestinationAsset).
			Msg("Failed to credit holding for completed leg")
	}
}

// legFillPrice derives the effective USD price per whole destination
// unit from what the leg paid and what it realized.
func (s *Service) legFillPrice(ctx context.Context, sess *Session, leg *Leg) float64 {
	srcAsset, err := s.registry.Get(sess.Asset)
	if err != nil {
		return 0
	}
	dstAsset, err := s.registry.Get(leg.DestinationAsset)
	if err != nil {
		return 0
	}

	srcPrice, err := s.swaps.USDPrice(ctx, sess.Asset)
	if err != nil {
		// Fall back to a direct venue quote for the destination.
		if p, perr := s.swaps.USDPrice(ctx, leg.DestinationAsset); perr == nil {
			return p
		}
		s.log.Warn().Err(err).Str("asset", leg.DestinationAsset).Msg("No price available for leg fill")
		return 0
	}

	realized := assets.FromBaseUnits(leg.RealizedAmount, dstAsset.Decimals)
	if !realized.IsPositive() {
		return 0
	}
	inputUSD := assets.FromBaseUnits(leg.InputAmount, srcAsset.Decimals).
		Mul(decimal.NewFromFloat(srcPrice))
	price, _ := inputUSD.Div(realized).Float64()
	return price
}

// finalizeSettlement flags the session settled and credits whatever
// stayed in the deposit currency: the deposit asset's own target share
// plus per-leg truncation dust. The guarded flag update picks exactly
// one caller to perform the credit.
func (s *Service) finalizeSettlement(ctx context.Context, sess *Session, legs []*Leg) error {
	settledAt := time.Now().UTC()
	if err := s.repo.MarkSettled(sess.ID, settledAt); err != nil {
		if errors.Is(err, ErrConflict) {
			if fresh, ferr := s.repo.Get(sess.ID); ferr == nil && fresh != nil {
				sess.SettledAt = fresh.SettledAt
			}
			return nil
		}
		return err
	}
	sess.SettledAt = &settledAt

	remainder := sess.NetAmount
	for _, leg := range legs {
		remainder = remainder.Sub(leg.InputAmount)
	}
	if remainder.IsPositive() {
		price, err := s.swaps.USDPrice(ctx, sess.Asset)
		if err != nil {
			s.log.Warn().Err(err).Str("asset", sess.Asset).Msg("No price for deposit currency remainder")
			price = 0
		}
		if err := s.holdings.ApplyFill(sess.Asset, remainder, price); err != nil {
			s.log.Error().Err(err).
				Str("session_id", sess.ID).
				Str("remainder", remainder.String()).
				Msg("Failed to credit deposit currency remainder")
		}
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Int("legs", len(legs)).
		Str("remainder", remainder.String()).
		Msg("Deposit fully settled")
	return nil
}

func (s *Service) emitSettlePass(sess *Session, legs []*Leg) {
	legData := make([]events.SettledLegData, 0, len(legs))
	for _, leg := range legs {
		d := events.SettledLegData{Asset: leg.DestinationAsset, Status: string(leg.Status)}
		if leg.RealizedAmount.IsPositive() {
			d.DestinationAmount = leg.RealizedAmount.String()
		}
		legData = append(legData, d)
	}
	s.emit(events.DepositSettledData{
		SessionID:    sess.ID,
		Legs:         legData,
		FullySettled: sess.FullySettled(),
	})
}

// loadForMutation fetches a session and enforces lazy expiry before any
// mutating operation proceeds.
func (s *Service) loadForMutation(id string) (*Session, error) {
	sess, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.Ef(domain.KindSessionNotFound, "unknown session: %s", id)
	}
	if sess.IsExpired(time.Now().UTC()) {
		won := s.materializeExpiry(sess)
		if won || sess.Status == StatusExpired {
			return nil, expiredError(sess)
		}
		// Lost the race to a concurrent transition; use the fresh state.
	}
	return sess, nil
}

// materializeExpiry persists lazy expiry for a lapsed session. Reports
// whether this caller performed the transition; on a lost race the
// session is refreshed in place.
func (s *Service) materializeExpiry(sess *Session) bool {
	err := s.repo.MarkExpired(sess.ID)
	if err == nil {
		sess.Status = StatusExpired
		s.emit(events.DepositExpiredData{SessionID: sess.ID, Rail: string(sess.Rail)})
		s.log.Info().Str("session_id", sess.ID).Msg("Deposit session expired")
		return true
	}
	if errors.Is(err, ErrConflict) {
		if fresh, ferr := s.repo.Get(sess.ID); ferr == nil && fresh != nil {
			*sess = *fresh
		}
		return false
	}
	s.log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session expiry")
	sess.Status = StatusExpired
	return true
}

// reloadAfterRace returns the current session state after a lost
// transition race, mapping terminal states to their errors.
func (s *Service) reloadAfterRace(id string) (*Session, error) {
	sess, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.Ef(domain.KindSessionNotFound, "unknown session: %s", id)
	}
	if sess.Status == StatusConfirmed {
		return s.withLegs(sess)
	}
	if err := statusError(sess); err != nil {
		return nil, err
	}
	return s.withLegs(sess)
}

func (s *Service) withLegs(sess *Session) (*Session, error) {
	legs, err := s.repo.ListLegs(sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Legs = legs
	return sess, nil
}

func (s *Service) emit(data events.EventData) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped("deposit", data)
}

func allResolved(legs []*Leg) bool {
	for _, leg := range legs {
		if !leg.Resolved() {
			return false
		}
	}
	return true
}

// statusError maps a session's terminal status to its domain error, or
// nil for live sessions.
func statusError(sess *Session) error {
	switch sess.Status {
	case StatusExpired:
		return expiredError(sess)
	case StatusFailed, StatusConfirmed:
		return domain.Ef(domain.KindSessionTerminal, "session %s is %s", sess.ID, sess.Status)
	}
	return nil
}

func expiredError(sess *Session) error {
	return domain.Ef(domain.KindSessionExpired, "session %s expired at %s",
		sess.ID, sess.ExpiresAt.UTC().Format(time.RFC3339))
}
