package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
	testingpkg "github.com/anthonykimani/kiota-sub002/internal/testing"
)

type fakeSessionSource struct {
	byStatus  map[deposit.Status][]*deposit.Session
	unsettled []*deposit.Session
	err       error
}

func (f *fakeSessionSource) ListByStatus(status deposit.Status) ([]*deposit.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byStatus[status], nil
}

func (f *fakeSessionSource) ListUnsettled() ([]*deposit.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.unsettled, nil
}

type fakeValuationSource struct {
	valuation portfolio.Valuation
	err       error
}

func (f *fakeValuationSource) Valuation() (portfolio.Valuation, error) {
	return f.valuation, f.err
}

type fakeVenueSource struct {
	name string
}

func (f *fakeVenueSource) ProviderName() string {
	return f.name
}

func TestHandleSystemStatus(t *testing.T) {
	handlers := &SystemHandlers{
		log: zerolog.Nop(),
		sessions: &fakeSessionSource{
			byStatus: map[deposit.Status][]*deposit.Session{
				deposit.StatusAwaitingTransfer: {{}, {}},
				deposit.StatusReceived:         {{}},
			},
			unsettled: []*deposit.Session{{}, {}, {}},
		},
		valuations: &fakeValuationSource{
			valuation: portfolio.Valuation{
				TotalUSD: 1250.75,
				Percents: map[string]float64{"USDC": 40, "WETH": 40, "PAXG": 20},
			},
		},
		venue:     &fakeVenueSource{name: "orderbook"},
		startedAt: time.Now().Add(-time.Minute),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()

	handlers.HandleSystemStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, "orderbook", response.Venue)
	assert.InDelta(t, 1250.75, response.PortfolioValueUSD, 0.001)
	assert.Equal(t, 2, response.AwaitingDeposits)
	assert.Equal(t, 1, response.PendingConfirm)
	assert.Equal(t, 3, response.PendingSettlement)
	assert.GreaterOrEqual(t, response.UptimeSeconds, int64(59))
}

func TestHandleSystemStatusToleratesFailures(t *testing.T) {
	handlers := &SystemHandlers{
		log:        zerolog.Nop(),
		sessions:   &fakeSessionSource{err: errors.New("ledger unavailable")},
		valuations: &fakeValuationSource{err: errors.New("holdings unavailable")},
		venue:      &fakeVenueSource{name: "router"},
		startedAt:  time.Now(),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()

	handlers.HandleSystemStatus(rec, req)

	// Broken sources degrade fields, not the endpoint.
	assert.Equal(t, http.StatusOK, rec.Code)

	var response SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, "router", response.Venue)
	assert.Zero(t, response.PortfolioValueUSD)
	assert.Zero(t, response.AwaitingDeposits)
	assert.Zero(t, response.PendingSettlement)
}

func TestHandleDatabaseStats(t *testing.T) {
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	defer cleanupLedger()
	portfolioDB, cleanupPortfolio := testingpkg.NewTestDB(t, "portfolio")
	defer cleanupPortfolio()

	// Write something and checkpoint so the main files have pages in them.
	_, err := ledgerDB.Exec("CREATE TABLE entries (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, ledgerDB.WALCheckpoint("TRUNCATE"))
	_, err = portfolioDB.Exec("CREATE TABLE holdings (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, portfolioDB.WALCheckpoint("TRUNCATE"))

	handlers := &SystemHandlers{
		log:         zerolog.Nop(),
		ledgerDB:    ledgerDB,
		portfolioDB: portfolioDB,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/system/database/stats", nil)
	rec := httptest.NewRecorder()

	handlers.HandleDatabaseStats(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response DatabaseStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	require.Len(t, response.Databases, 2)
	assert.Equal(t, "ledger", response.Databases[0].Name)
	assert.Equal(t, "portfolio", response.Databases[1].Name)
	for _, db := range response.Databases {
		assert.Greater(t, db.SizeMB, 0.0)
		assert.Greater(t, db.PageCount, int64(0))
	}
	assert.Greater(t, response.TotalSizeMB, 0.0)
	assert.NotEmpty(t, response.LastChecked)
}

func TestHandleDiskUsage(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ledger.db"), make([]byte, 4096), 0o644))

	handlers := &SystemHandlers{
		log:     zerolog.Nop(),
		dataDir: dataDir,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/system/disk", nil)
	rec := httptest.NewRecorder()

	handlers.HandleDiskUsage(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response DiskUsageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Greater(t, response.DataDirMB, 0.0)
	assert.Greater(t, response.AvailableGB, 0.0)
}

func TestHandleHealth(t *testing.T) {
	s := &Server{log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "kiota", response["service"])
}

func TestEventsStreamDeliversEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	handler := NewEventsStreamHandler(bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	// Let the handler subscribe before emitting.
	time.Sleep(50 * time.Millisecond)
	bus.Emit(events.DepositSettled, "deposit", map[string]interface{}{"session_id": "dep-1"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on context cancel")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, "DEPOSIT_SETTLED")
	assert.Contains(t, body, "dep-1")
}

func TestEventsStreamFiltersTypes(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	handler := NewEventsStreamHandler(bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?types=DEPOSIT_SETTLED", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	bus.Emit(events.SwapOrderUpdated, "swap", map[string]interface{}{"order_id": "ord-1"})
	bus.Emit(events.DepositSettled, "deposit", map[string]interface{}{"session_id": "dep-2"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on context cancel")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "DEPOSIT_SETTLED")
	assert.NotContains(t, body, "SWAP_ORDER_UPDATED")
}

func TestStatusMonitorEmitsHeartbeat(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	manager := events.NewManager(bus, zerolog.Nop())

	var received []*events.Event
	bus.Subscribe(events.SystemStatusChanged, func(e *events.Event) {
		received = append(received, e)
	})

	monitor := NewStatusMonitor(manager, nil, zerolog.Nop())
	monitor.checkStatuses()

	// Bus dispatch is synchronous, so the handler has already run.
	require.Len(t, received, 1)
	assert.Equal(t, "status_monitor", received[0].Module)
	assert.Contains(t, received[0].Data, "timestamp")
}
