package deposit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonykimani/kiota-sub002/internal/clients/chain"
	"github.com/anthonykimani/kiota-sub002/internal/clients/mpesa"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	"github.com/anthonykimani/kiota-sub002/internal/modules/swap"
	testingpkg "github.com/anthonykimani/kiota-sub002/internal/testing"
)

type fakeRegistry struct {
	assets map[string]assets.Asset
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{assets: map[string]assets.Asset{
		"KES":  {Symbol: "KES", Class: assets.ClassFiat, Decimals: 2},
		"USDC": {Symbol: "USDC", Chain: 42220, Class: assets.ClassStable, Decimals: 6, Address: "0xusdc"},
		"WETH": {Symbol: "WETH", Chain: 42220, Class: assets.ClassGrowth, Decimals: 18, Address: "0xweth"},
		"PAXG": {Symbol: "PAXG", Chain: 42220, Class: assets.ClassHedge, Decimals: 18, Address: "0xpaxg"},
	}}
}

func (f *fakeRegistry) Get(symbol string) (assets.Asset, error) {
	a, ok := f.assets[symbol]
	if !ok {
		return assets.Asset{}, domain.Ef(domain.KindValidation, "unknown asset: %s", symbol)
	}
	return a, nil
}

type fakeTargets struct {
	target allocation.Target
}

func (f *fakeTargets) GetTarget() (allocation.Target, error) {
	return f.target, nil
}

type fakePush struct {
	configured bool
	err        error
	calls      int
	lastPhone  string
	lastAmount int64
}

func (f *fakePush) InitiateSTKPush(_ context.Context, phone string, amountMinor int64, _ string) (*mpesa.STKPushResult, error) {
	f.calls++
	f.lastPhone = phone
	f.lastAmount = amountMinor
	if f.err != nil {
		return nil, f.err
	}
	return &mpesa.STKPushResult{CheckoutRequestID: "ws_CO_test", ResponseCode: "0"}, nil
}

func (f *fakePush) IsConfigured() bool { return f.configured }

type fakeRates struct {
	rate  float64
	err   error
	calls int
}

func (f *fakeRates) GetRate(_ context.Context, _, _ string) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}

type fakeChain struct {
	configured bool
	head       int64
	receipt    *chain.Receipt
	err        error
}

func (f *fakeChain) BlockNumber(_ context.Context) (int64, error) { return f.head, nil }

func (f *fakeChain) TransactionReceipt(_ context.Context, _ string) (*chain.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func (f *fakeChain) IsConfigured() bool { return f.configured }

type fakeSwaps struct {
	executeErr map[string]error
	realized   map[string]decimal.Decimal
	async      map[string]bool
	orders     map[string]*swap.Order
	latest     map[string]*swap.Order
	executes   map[string]int
	prices     map[string]float64
	seq        int
}

func newFakeSwaps() *fakeSwaps {
	return &fakeSwaps{
		executeErr: map[string]error{},
		realized:   map[string]decimal.Decimal{},
		async:      map[string]bool{},
		orders:     map[string]*swap.Order{},
		latest:     map[string]*swap.Order{},
		executes:   map[string]int{},
		prices:     map[string]float64{"USDC": 1.0},
	}
}

func (f *fakeSwaps) ExecuteForSession(_ context.Context, sessionID, source, dest string, amount decimal.Decimal) (*swap.Order, error) {
	f.executes[dest]++
	if err := f.executeErr[dest]; err != nil {
		return nil, err
	}
	f.seq++
	order := &swap.Order{
		ID:                fmt.Sprintf("0xorder-%d", f.seq),
		Provider:          "fake",
		SessionID:         sessionID,
		SourceAsset:       source,
		DestinationAsset:  dest,
		SourceAmount:      amount,
		DestinationAmount: decimal.Zero,
		Status:            swap.StatusProcessing,
	}
	if !f.async[dest] {
		order.Status = swap.StatusCompleted
		order.DestinationAmount = f.realized[dest]
	}
	f.orders[order.ID] = order
	f.latest[sessionID+"/"+dest] = order
	return order, nil
}

func (f *fakeSwaps) RefreshOrder(_ context.Context, id string) (*swap.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, domain.Ef(domain.KindOrderNotFound, "unknown order: %s", id)
	}
	return order, nil
}

func (f *fakeSwaps) LatestForLeg(sessionID, dest string) (*swap.Order, error) {
	return f.latest[sessionID+"/"+dest], nil
}

func (f *fakeSwaps) USDPrice(_ context.Context, asset string) (float64, error) {
	p, ok := f.prices[asset]
	if !ok {
		return 0, domain.Ef(domain.KindUpstreamUnavailable, "no price for %s", asset)
	}
	return p, nil
}

type recordedFill struct {
	asset string
	delta decimal.Decimal
	price float64
}

type fakeHoldings struct {
	fills []recordedFill
	err   error
}

func (f *fakeHoldings) ApplyFill(asset string, delta decimal.Decimal, price float64) error {
	if f.err != nil {
		return f.err
	}
	f.fills = append(f.fills, recordedFill{asset: asset, delta: delta, price: price})
	return nil
}

func (f *fakeHoldings) filled(asset string) (recordedFill, bool) {
	for _, fill := range f.fills {
		if fill.asset == asset {
			return fill, true
		}
	}
	return recordedFill{}, false
}

type depositFixture struct {
	service  *Service
	repo     *Repository
	db       *sql.DB
	push     *fakePush
	rates    *fakeRates
	chain    *fakeChain
	swaps    *fakeSwaps
	holdings *fakeHoldings
	bus      *events.Bus
	cleanup  func()
}

func depositConfig() Config {
	return Config{
		OffchainTTL:       15 * time.Minute,
		OnchainTTL:        time.Hour,
		TolerancePercent:  1.0,
		ConfirmationDepth: 3,
		FiatCurrency:      "KES",
		OffchainFeeMinor:  2000,
		ChainID:           42220,
		DepositAddress:    "0xcustody",
	}
}

func setupDeposit(t *testing.T) *depositFixture {
	return setupDepositWithConfig(t, depositConfig())
}

func setupDepositWithConfig(t *testing.T, cfg Config) *depositFixture {
	db, cleanup := testingpkg.NewTestDBWithSchema(t, "deposit_service", Schema())
	raw := testingpkg.GetRawConnection(db)
	repo := NewRepository(raw, zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	manager := events.NewManager(bus, zerolog.Nop())

	fx := &depositFixture{
		repo:     repo,
		db:       raw,
		push:     &fakePush{configured: true},
		rates:    &fakeRates{rate: 127.0},
		chain:    &fakeChain{configured: true},
		swaps:    newFakeSwaps(),
		holdings: &fakeHoldings{},
		bus:      bus,
		cleanup:  cleanup,
	}

	targets := &fakeTargets{target: allocation.Target{"USDC": 40, "WETH": 35, "PAXG": 25}}
	service, err := NewService(cfg, repo, newFakeRegistry(), targets,
		fx.push, fx.rates, fx.chain, fx.swaps, fx.holdings, manager, zerolog.Nop())
	require.NoError(t, err)
	fx.service = service
	return fx
}

func (fx *depositFixture) createOffchain(t *testing.T, expectedMinor int64) *Session {
	expected := decimal.NewFromInt(expectedMinor)
	sess, err := fx.service.Create(context.Background(), CreateParams{
		Rail:           RailOffchainMobileMoney,
		Asset:          "USDC",
		Chain:          42220,
		ExpectedAmount: &expected,
		Phone:          "0712345678",
	})
	require.NoError(t, err)
	return sess
}

func (fx *depositFixture) createOnchain(t *testing.T) *Session {
	sess, err := fx.service.Create(context.Background(), CreateParams{
		Rail:  RailOnchainTransfer,
		Asset: "USDC",
		Chain: 42220,
	})
	require.NoError(t, err)
	return sess
}

func (fx *depositFixture) confirmedOffchain(t *testing.T) *Session {
	sess := fx.createOffchain(t, 129000)
	_, err := fx.service.ApplyFundsReceived(context.Background(), sess.CorrelationID,
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)
	confirmed, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	return confirmed
}

func (fx *depositFixture) rewindExpiry(t *testing.T, sessionID string) {
	_, err := fx.db.Exec(`UPDATE deposit_sessions SET expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute).Unix(), sessionID)
	require.NoError(t, err)
}

func (fx *depositFixture) countEvents(eventType events.EventType) *int {
	count := new(int)
	fx.bus.Subscribe(eventType, func(_ *events.Event) { *count++ })
	return count
}

// transferLog builds the ERC-20 Transfer log a deposit receipt carries.
func transferLog(token, recipient string, amount int64) chain.Log {
	padded := strings.ToLower(strings.TrimPrefix(recipient, "0x"))
	toTopic := "0x" + strings.Repeat("0", 64-len(padded)) + padded
	return chain.Log{
		Address: token,
		Topics:  []string{chain.TransferTopic, "0x" + strings.Repeat("0", 64), toTopic},
		Data:    fmt.Sprintf("0x%x", amount),
	}
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(depositConfig(), nil, newFakeRegistry(), &fakeTargets{},
		nil, nil, nil, newFakeSwaps(), &fakeHoldings{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestCreateOffchainSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	created := fx.countEvents(events.DepositSessionCreated)
	sess := fx.createOffchain(t, 129000)

	assert.Equal(t, StatusAwaitingTransfer, sess.Status)
	assert.Equal(t, "ws_CO_test", sess.CorrelationID)
	assert.Equal(t, "254712345678", sess.Phone)
	assert.Equal(t, allocation.Target{"USDC": 40, "WETH": 35, "PAXG": 25}, sess.TargetSnapshot)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), sess.ExpiresAt, 5*time.Second)

	assert.Equal(t, 1, fx.push.calls)
	assert.Equal(t, "254712345678", fx.push.lastPhone)
	assert.Equal(t, int64(129000), fx.push.lastAmount)
	assert.Equal(t, 1, *created)

	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusAwaitingTransfer, stored.Status)
}

func TestCreateOffchainValidation(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	expected := decimal.NewFromInt(129000)
	base := CreateParams{
		Rail:           RailOffchainMobileMoney,
		Asset:          "USDC",
		Chain:          42220,
		ExpectedAmount: &expected,
		Phone:          "0712345678",
	}

	fiat := base
	fiat.Asset = "KES"
	_, err := fx.service.Create(context.Background(), fiat)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	wrongChain := base
	wrongChain.Chain = 1
	_, err = fx.service.Create(context.Background(), wrongChain)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	growth := base
	growth.Asset = "WETH"
	_, err = fx.service.Create(context.Background(), growth)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	noAmount := base
	noAmount.ExpectedAmount = nil
	_, err = fx.service.Create(context.Background(), noAmount)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	noPhone := base
	noPhone.Phone = ""
	_, err = fx.service.Create(context.Background(), noPhone)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	assert.Zero(t, fx.push.calls)
}

func TestCreateOffchainPushFailure(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.push.err = domain.E(domain.KindUpstreamUnavailable, "mpesa down")

	expected := decimal.NewFromInt(129000)
	_, err := fx.service.Create(context.Background(), CreateParams{
		Rail:           RailOffchainMobileMoney,
		Asset:          "USDC",
		Chain:          42220,
		ExpectedAmount: &expected,
		Phone:          "0712345678",
	})
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))

	// A failed push leaves nothing behind.
	sessions, err := fx.repo.ListByStatus(StatusAwaitingTransfer)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateOffchainRailNotConfigured(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.push.configured = false

	expected := decimal.NewFromInt(129000)
	_, err := fx.service.Create(context.Background(), CreateParams{
		Rail:           RailOffchainMobileMoney,
		Asset:          "USDC",
		Chain:          42220,
		ExpectedAmount: &expected,
		Phone:          "0712345678",
	})
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
}

func TestCreateOnchainSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOnchain(t)

	assert.Equal(t, StatusAwaitingTransfer, sess.Status)
	assert.Equal(t, "0xcustody", sess.DepositAddress)
	assert.Empty(t, sess.CorrelationID)
	assert.Nil(t, sess.ExpectedAmount)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), sess.ExpiresAt, 5*time.Second)
	assert.Zero(t, fx.push.calls)
}

func TestCreateOnchainWithoutCustodyAddress(t *testing.T) {
	cfg := depositConfig()
	cfg.DepositAddress = ""
	fx := setupDepositWithConfig(t, cfg)
	defer fx.cleanup()

	_, err := fx.service.Create(context.Background(), CreateParams{
		Rail:  RailOnchainTransfer,
		Asset: "USDC",
		Chain: 42220,
	})
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
}

func TestCreateCustomTarget(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess, err := fx.service.Create(context.Background(), CreateParams{
		Rail:   RailOnchainTransfer,
		Asset:  "USDC",
		Chain:  42220,
		Target: allocation.Target{"WETH": 60, "PAXG": 40},
	})
	require.NoError(t, err)
	assert.Equal(t, allocation.Target{"WETH": 60, "PAXG": 40}, sess.TargetSnapshot)

	_, err = fx.service.Create(context.Background(), CreateParams{
		Rail:   RailOnchainTransfer,
		Asset:  "USDC",
		Chain:  42220,
		Target: allocation.Target{"WETH": 60},
	})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = fx.service.Create(context.Background(), CreateParams{
		Rail:   RailOnchainTransfer,
		Asset:  "USDC",
		Chain:  42220,
		Target: allocation.Target{"KES": 50, "WETH": 50},
	})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestApplyFundsReceivedOffchain(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	received := fx.countEvents(events.DepositReceived)
	sess := fx.createOffchain(t, 129000)

	// 1290.00 KES observed, 20.00 KES rail fee, 127 KES to the dollar:
	// exactly 10 USDC lands.
	got, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)

	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, StatusReceived, got.Status)
	assert.True(t, got.ObservedAmount.Equal(decimal.NewFromInt(129000)))
	assert.True(t, got.FeeAmount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(10000000)),
		"net was %s", got.NetAmount.String())
	require.NotNil(t, got.ReceivedAt)
	assert.Equal(t, 1, *received)
}

func TestApplyFundsReceivedIdempotent(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	received := fx.countEvents(events.DepositReceived)
	fx.createOffchain(t, 129000)

	first, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)

	// The rail redelivers the same callback.
	second, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusReceived, second.Status)
	assert.True(t, second.NetAmount.Equal(first.NetAmount))
	assert.Equal(t, 1, *received)
	assert.Equal(t, 1, fx.rates.calls)
}

func TestApplyFundsReceivedMismatchKeepsAwaiting(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)

	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(110000), ReceiptMetadata{})
	assert.Equal(t, domain.KindAmountMismatch, domain.KindOf(err))

	// The mismatch changes nothing; the correct amount can still land.
	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingTransfer, stored.Status)

	got, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got.Status)
}

func TestApplyFundsReceivedWithinTolerance(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.createOffchain(t, 129000)

	// 0.39% over expected stays inside the 1% tolerance.
	got, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129500), ReceiptMetadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got.Status)
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(10039370)),
		"net was %s", got.NetAmount.String())
}

func TestApplyFundsReceivedExpiredSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	expired := fx.countEvents(events.DepositExpired)
	sess := fx.createOffchain(t, 129000)
	fx.rewindExpiry(t, sess.ID)

	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	assert.Equal(t, domain.KindSessionExpired, domain.KindOf(err))

	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.True(t, stored.ObservedAmount.IsZero())
	assert.Equal(t, 1, *expired)
}

func TestApplyFundsReceivedUnknownCorrelation(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_ghost",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	assert.Equal(t, domain.KindSessionNotFound, domain.KindOf(err))
}

func TestApplyFundsReceivedValidation(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	_, err := fx.service.ApplyFundsReceived(context.Background(), "",
		decimal.NewFromInt(100), ReceiptMetadata{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.Zero, ReceiptMetadata{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromFloat(10.5), ReceiptMetadata{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestApplyFundsReceivedRateUnavailable(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)
	fx.rates.err = errors.New("api down")

	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))

	// No mutation happened, so the redelivered callback succeeds once
	// the rate source recovers.
	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingTransfer, stored.Status)

	fx.rates.err = nil
	got, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got.Status)
}

func TestApplyFundsReceivedFeeNotCovered(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.createOffchain(t, 2000)

	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(2000), ReceiptMetadata{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestApplyFundsReceivedOnchain(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOnchain(t)

	got, err := fx.service.ApplyFundsReceived(context.Background(), "0xdeadbeef",
		decimal.NewFromInt(5000000), ReceiptMetadata{SessionID: sess.ID})
	require.NoError(t, err)

	assert.Equal(t, StatusReceived, got.Status)
	assert.Equal(t, "0xdeadbeef", got.CorrelationID)
	assert.True(t, got.FeeAmount.IsZero())
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(5000000)))
	assert.Zero(t, fx.rates.calls)

	// Same hash replays idempotently without naming the session.
	again, err := fx.service.ApplyFundsReceived(context.Background(), "0xdeadbeef",
		decimal.NewFromInt(5000000), ReceiptMetadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, again.Status)

	// A different hash cannot claim an already-bound session.
	_, err = fx.service.ApplyFundsReceived(context.Background(), "0xother",
		decimal.NewFromInt(5000000), ReceiptMetadata{SessionID: sess.ID})
	assert.Equal(t, domain.KindSessionNotFound, domain.KindOf(err))
}

func TestConfirmOffchain(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	confirmed := fx.countEvents(events.DepositConfirmed)
	sess := fx.createOffchain(t, 129000)
	_, err := fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)

	got, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, 1, *confirmed)

	// CONFIRMED is terminal for confirmation.
	_, err = fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindSessionTerminal, domain.KindOf(err))
}

func TestConfirmStillAwaiting(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)

	_, err := fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindNotYetConfirmable, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))
}

func TestConfirmExpiredSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)
	fx.rewindExpiry(t, sess.ID)

	_, err := fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindSessionExpired, domain.KindOf(err))
}

func TestConfirmUnknownSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	_, err := fx.service.Confirm(context.Background(), "sess-ghost")
	assert.Equal(t, domain.KindSessionNotFound, domain.KindOf(err))
}

func (fx *depositFixture) receivedOnchain(t *testing.T, amount int64) *Session {
	sess := fx.createOnchain(t)
	got, err := fx.service.ApplyFundsReceived(context.Background(), "0xdeadbeef",
		decimal.NewFromInt(amount), ReceiptMetadata{SessionID: sess.ID})
	require.NoError(t, err)
	return got
}

func TestConfirmOnchainWaitsForDepth(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.receivedOnchain(t, 5000000)

	// Still pending
	fx.chain.receipt = nil
	_, err := fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindNotYetConfirmable, domain.KindOf(err))

	// Mined but shallow
	fx.chain.receipt = &chain.Receipt{
		TxHash:      "0xdeadbeef",
		Success:     true,
		BlockNumber: 100,
		Logs:        []chain.Log{transferLog("0xusdc", "0xcustody", 5000000)},
	}
	fx.chain.head = 101
	_, err = fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindNotYetConfirmable, domain.KindOf(err))
	assert.Contains(t, err.Error(), "2 of 3")

	// Deep enough
	fx.chain.head = 102
	got, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestConfirmOnchainRevertedFails(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	failed := fx.countEvents(events.DepositFailed)
	sess := fx.receivedOnchain(t, 5000000)

	fx.chain.receipt = &chain.Receipt{TxHash: "0xdeadbeef", Success: false, BlockNumber: 100}
	fx.chain.head = 200

	got, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "deposit transaction reverted", got.FailureReason)
	assert.Equal(t, 1, *failed)
}

func TestConfirmOnchainAmountMismatchFails(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.receivedOnchain(t, 5000000)

	fx.chain.receipt = &chain.Receipt{
		TxHash:      "0xdeadbeef",
		Success:     true,
		BlockNumber: 100,
		Logs:        []chain.Log{transferLog("0xusdc", "0xcustody", 4000000)},
	}
	fx.chain.head = 200

	got, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "does not match")
}

func TestConfirmOnchainNoTransferFails(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.receivedOnchain(t, 5000000)

	fx.chain.receipt = &chain.Receipt{TxHash: "0xdeadbeef", Success: true, BlockNumber: 100}
	fx.chain.head = 200

	got, err := fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "no USDC transfer")
}

func TestConfirmOnchainRPCUnavailable(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.receivedOnchain(t, 5000000)

	fx.chain.configured = false
	_, err := fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	fx.chain.configured = true
	fx.chain.err = errors.New("rpc timeout")
	_, err = fx.service.Confirm(context.Background(), sess.ID)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	// Still RECEIVED, nothing failed it.
	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, stored.Status)
}

func TestSettleFullFlow(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	settled := fx.countEvents(events.DepositSettled)
	fx.swaps.realized["WETH"] = decimal.NewFromInt(1400000000000000)
	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)

	sess := fx.confirmedOffchain(t)
	got, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	require.NotNil(t, got.SettledAt)
	require.Len(t, got.Legs, 2)
	for _, leg := range got.Legs {
		assert.Equal(t, LegCompleted, leg.Status)
	}

	// 35% and 25% of the 10 USDC net, in base units.
	legByAsset := map[string]*Leg{}
	for _, leg := range got.Legs {
		legByAsset[leg.DestinationAsset] = leg
	}
	assert.True(t, legByAsset["WETH"].InputAmount.Equal(decimal.NewFromInt(3500000)))
	assert.True(t, legByAsset["PAXG"].InputAmount.Equal(decimal.NewFromInt(2500000)))

	// Both swap outputs and the 40% USDC remainder are credited.
	weth, ok := fx.holdings.filled("WETH")
	require.True(t, ok)
	assert.True(t, weth.delta.Equal(decimal.NewFromInt(1400000000000000)))
	assert.InDelta(t, 2500.0, weth.price, 0.01)

	paxg, ok := fx.holdings.filled("PAXG")
	require.True(t, ok)
	assert.True(t, paxg.delta.Equal(decimal.NewFromInt(1000000000000000)))
	assert.InDelta(t, 2500.0, paxg.price, 0.01)

	usdc, ok := fx.holdings.filled("USDC")
	require.True(t, ok)
	assert.True(t, usdc.delta.Equal(decimal.NewFromInt(4000000)))
	assert.InDelta(t, 1.0, usdc.price, 0.0001)

	assert.Equal(t, 1, fx.swaps.executes["WETH"])
	assert.Equal(t, 1, fx.swaps.executes["PAXG"])
	assert.Equal(t, 1, *settled)
}

func TestSettleRequiresConfirmed(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)

	_, err := fx.service.Settle(context.Background(), sess.ID)
	assert.Equal(t, domain.KindNotYetConfirmable, domain.KindOf(err))

	_, err = fx.service.ApplyFundsReceived(context.Background(), "ws_CO_test",
		decimal.NewFromInt(129000), ReceiptMetadata{})
	require.NoError(t, err)

	_, err = fx.service.Settle(context.Background(), sess.ID)
	assert.Equal(t, domain.KindNotYetConfirmable, domain.KindOf(err))

	assert.Empty(t, fx.holdings.fills)
}

func TestSettlePartialFailureAndResume(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)
	fx.swaps.executeErr["WETH"] = domain.E(domain.KindInsufficientLiquidity, "insufficient liquidity for pair")

	sess := fx.confirmedOffchain(t)
	got, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	// The failed leg is recorded, the completed one credited, and the
	// session stays CONFIRMED and unsettled.
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Nil(t, got.SettledAt)

	legByAsset := map[string]*Leg{}
	for _, leg := range got.Legs {
		legByAsset[leg.DestinationAsset] = leg
	}
	assert.Equal(t, LegFailed, legByAsset["WETH"].Status)
	assert.NotEmpty(t, legByAsset["WETH"].ErrorMessage)
	assert.Equal(t, LegCompleted, legByAsset["PAXG"].Status)

	_, ok := fx.holdings.filled("PAXG")
	assert.True(t, ok)
	_, ok = fx.holdings.filled("USDC")
	assert.False(t, ok)

	// Resume once liquidity returns: only the failed leg is retried.
	fx.swaps.realized["WETH"] = decimal.NewFromInt(1400000000000000)
	delete(fx.swaps.executeErr, "WETH")

	resumed, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.SettledAt)

	assert.Equal(t, 2, fx.swaps.executes["WETH"])
	assert.Equal(t, 1, fx.swaps.executes["PAXG"])

	_, ok = fx.holdings.filled("WETH")
	assert.True(t, ok)
	usdc, ok := fx.holdings.filled("USDC")
	require.True(t, ok)
	assert.True(t, usdc.delta.Equal(decimal.NewFromInt(4000000)))
}

func TestSettleIdempotentAfterSettled(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.swaps.realized["WETH"] = decimal.NewFromInt(1400000000000000)
	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)

	sess := fx.confirmedOffchain(t)
	_, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	fillsBefore := len(fx.holdings.fills)

	again, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, again.SettledAt)

	assert.Equal(t, 1, fx.swaps.executes["WETH"])
	assert.Equal(t, 1, fx.swaps.executes["PAXG"])
	assert.Equal(t, fillsBefore, len(fx.holdings.fills))
}

func TestSettleEverythingInDepositAsset(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess, err := fx.service.Create(context.Background(), CreateParams{
		Rail:   RailOnchainTransfer,
		Asset:  "USDC",
		Chain:  42220,
		Target: allocation.Target{"USDC": 100},
	})
	require.NoError(t, err)

	_, err = fx.service.ApplyFundsReceived(context.Background(), "0xdeadbeef",
		decimal.NewFromInt(5000000), ReceiptMetadata{SessionID: sess.ID})
	require.NoError(t, err)

	fx.chain.receipt = &chain.Receipt{
		TxHash:      "0xdeadbeef",
		Success:     true,
		BlockNumber: 100,
		Logs:        []chain.Log{transferLog("0xusdc", "0xcustody", 5000000)},
	}
	fx.chain.head = 200
	_, err = fx.service.Confirm(context.Background(), sess.ID)
	require.NoError(t, err)

	got, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	// No swaps to run; the whole net amount stays put.
	require.NotNil(t, got.SettledAt)
	assert.Empty(t, got.Legs)
	assert.Empty(t, fx.swaps.executes)

	usdc, ok := fx.holdings.filled("USDC")
	require.True(t, ok)
	assert.True(t, usdc.delta.Equal(decimal.NewFromInt(5000000)))
}

func TestSettleAsyncLegCompletesOnLaterPass(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.swaps.async["WETH"] = true
	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)

	sess := fx.confirmedOffchain(t)
	got, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Nil(t, got.SettledAt)
	legByAsset := map[string]*Leg{}
	for _, leg := range got.Legs {
		legByAsset[leg.DestinationAsset] = leg
	}
	require.Equal(t, LegSubmitted, legByAsset["WETH"].Status)
	orderID := legByAsset["WETH"].OrderID
	require.NotEmpty(t, orderID)

	// The venue fills the order between passes.
	fx.swaps.orders[orderID].Status = swap.StatusCompleted
	fx.swaps.orders[orderID].DestinationAmount = decimal.NewFromInt(1400000000000000)

	resumed, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.SettledAt)

	// The open order was refreshed, never resubmitted.
	assert.Equal(t, 1, fx.swaps.executes["WETH"])
}

func TestSettleAdoptsUnrecordedOrder(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.swaps.realized["WETH"] = decimal.NewFromInt(1400000000000000)
	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)

	sess := fx.confirmedOffchain(t)

	// A previous pass submitted this order but crashed before recording
	// it on the leg.
	orphan := &swap.Order{
		ID:                "0xorphan",
		SessionID:         sess.ID,
		SourceAsset:       "USDC",
		DestinationAsset:  "WETH",
		SourceAmount:      decimal.NewFromInt(3500000),
		DestinationAmount: decimal.NewFromInt(1400000000000000),
		Status:            swap.StatusCompleted,
	}
	fx.swaps.orders["0xorphan"] = orphan
	fx.swaps.latest[sess.ID+"/WETH"] = orphan

	got, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SettledAt)

	legByAsset := map[string]*Leg{}
	for _, leg := range got.Legs {
		legByAsset[leg.DestinationAsset] = leg
	}
	assert.Equal(t, "0xorphan", legByAsset["WETH"].OrderID)

	// The orphan was adopted, not duplicated.
	assert.Zero(t, fx.swaps.executes["WETH"])
	assert.Equal(t, 1, fx.swaps.executes["PAXG"])
}

func TestSettleExpiredAndUnknown(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)
	fx.rewindExpiry(t, sess.ID)

	_, err := fx.service.Settle(context.Background(), sess.ID)
	assert.Equal(t, domain.KindSessionExpired, domain.KindOf(err))

	_, err = fx.service.Settle(context.Background(), "sess-ghost")
	assert.Equal(t, domain.KindSessionNotFound, domain.KindOf(err))
}

func TestGetMaterializesExpiry(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	sess := fx.createOffchain(t, 129000)
	fx.rewindExpiry(t, sess.ID)

	got, err := fx.service.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	stored, err := fx.repo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestGetUnknownSession(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	_, err := fx.service.Get("sess-ghost")
	assert.Equal(t, domain.KindSessionNotFound, domain.KindOf(err))
}

func TestGetIncludesLegs(t *testing.T) {
	fx := setupDeposit(t)
	defer fx.cleanup()

	fx.swaps.realized["WETH"] = decimal.NewFromInt(1400000000000000)
	fx.swaps.realized["PAXG"] = decimal.NewFromInt(1000000000000000)

	sess := fx.confirmedOffchain(t)
	_, err := fx.service.Settle(context.Background(), sess.ID)
	require.NoError(t, err)

	got, err := fx.service.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Legs, 2)
}
