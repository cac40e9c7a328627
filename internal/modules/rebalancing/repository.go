package rebalancing

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
)

// ErrConflict is returned when a guarded update finds the row in a
// state that does not admit the requested change.
var ErrConflict = errors.New("rebalance state conflict")

// Repository persists rebalance runs and the orders they submitted.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new rebalance run repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rebalance_runs").Logger(),
	}
}

// Schema returns the DDL for rebalance runs and their orders. Each
// submitted order gets its own row with a credited flag so resumed
// polling and the synchronous path apply a fill to the portfolio
// exactly once.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS rebalance_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		forced INTEGER NOT NULL DEFAULT 0,
		total_usd REAL NOT NULL,
		drift_percent REAL NOT NULL,
		trade_count INTEGER NOT NULL DEFAULT 0,
		order_count INTEGER NOT NULL DEFAULT 0,
		order_ids TEXT NOT NULL DEFAULT '[]',
		failure_reason TEXT NOT NULL DEFAULT '',
		snapshot BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_rebalance_runs_created
		ON rebalance_runs(created_at);
	CREATE TABLE IF NOT EXISTS rebalance_orders (
		order_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		source_asset TEXT NOT NULL,
		destination_asset TEXT NOT NULL,
		credited INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rebalance_orders_run
		ON rebalance_orders(run_id);
	`
}

// InitSchema creates the rebalancing tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to create rebalancing schema: %w", err)
	}
	return nil
}

// runSnapshot is the msgpack-encoded audit payload frozen at run start.
type runSnapshot struct {
	CurrentPercents map[string]float64 `msgpack:"current_percents"`
	Target          allocation.Target  `msgpack:"target"`
	Trades          []allocation.Trade `msgpack:"trades"`
}

// InsertRun stores a run before its first order is submitted, freezing
// the drift measurement and planned trades for audit.
func (r *Repository) InsertRun(run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	snapshot, err := msgpack.Marshal(runSnapshot{
		CurrentPercents: run.CurrentPercents,
		Target:          run.Target,
		Trades:          run.Trades,
	})
	if err != nil {
		return fmt.Errorf("failed to encode run snapshot: %w", err)
	}
	forced := 0
	if run.Forced {
		forced = 1
	}
	_, err = r.db.Exec(`
		INSERT INTO rebalance_runs
			(id, status, forced, total_usd, drift_percent, trade_count,
			 order_count, order_ids, failure_reason, snapshot, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '[]', ?, ?, ?, NULL)`,
		run.ID, string(run.Status), forced, run.TotalUSD, run.DriftPercent,
		len(run.Trades), run.FailureReason, snapshot, run.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert rebalance run: %w", err)
	}
	return nil
}

// FinishRun closes a running run with its final status and the order
// ids it submitted. Guarded on RUNNING; returns ErrConflict when the
// run already finished.
func (r *Repository) FinishRun(id string, status RunStatus, failureReason string, orderIDs []string, completedAt time.Time) error {
	if orderIDs == nil {
		orderIDs = []string{}
	}
	encoded, err := json.Marshal(orderIDs)
	if err != nil {
		return fmt.Errorf("failed to encode order ids: %w", err)
	}
	res, err := r.db.Exec(`
		UPDATE rebalance_runs
		SET status = ?, failure_reason = ?, order_count = ?, order_ids = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), failureReason, len(orderIDs), string(encoded), completedAt.Unix(),
		id, string(RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finish rebalance run: %w", err)
	}
	return requireRow(res)
}

// GetRun returns a run by id, or nil when it does not exist.
func (r *Repository) GetRun(id string) (*Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM rebalance_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rebalance run: %w", err)
	}
	return run, nil
}

// ListRecentRuns returns the newest runs first, up to limit.
func (r *Repository) ListRecentRuns(limit int) ([]*Run, error) {
	rows, err := r.db.Query(`
		SELECT `+runColumns+` FROM rebalance_runs
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalance runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rebalance run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TrackOrder records an order submitted on behalf of a run, uncredited.
func (r *Repository) TrackOrder(runID, orderID, sourceAsset, destinationAsset string) error {
	_, err := r.db.Exec(`
		INSERT INTO rebalance_orders
			(order_id, run_id, source_asset, destination_asset, credited, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		orderID, runID, sourceAsset, destinationAsset, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to track rebalance order: %w", err)
	}
	return nil
}

// MarkCredited flips an order's credited flag. Returns ErrConflict when
// the order is unknown or already credited; the caller that gets nil
// owns applying the fill to the portfolio.
func (r *Repository) MarkCredited(orderID string) error {
	res, err := r.db.Exec(`
		UPDATE rebalance_orders SET credited = 1
		WHERE order_id = ? AND credited = 0`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order credited: %w", err)
	}
	return requireRow(res)
}

const runColumns = `id, status, forced, total_usd, drift_percent,
	order_ids, failure_reason, snapshot, created_at, completed_at`

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status, orderIDs string
	var forced int
	var snapshot []byte
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&run.ID, &status, &forced, &run.TotalUSD, &run.DriftPercent,
		&orderIDs, &run.FailureReason, &snapshot, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.Forced = forced != 0
	if err := json.Unmarshal([]byte(orderIDs), &run.OrderIDs); err != nil {
		return nil, fmt.Errorf("failed to decode order ids: %w", err)
	}

	var snap runSnapshot
	if err := msgpack.Unmarshal(snapshot, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode run snapshot: %w", err)
	}
	run.CurrentPercents = snap.CurrentPercents
	run.Target = snap.Target
	run.Trades = snap.Trades

	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	return run, nil
}
