package swap

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrConflict is returned when a status update loses the race against a
// concurrent transition. Callers re-read and keep the stored state.
var ErrConflict = errors.New("order status conflict")

// Repository persists swap orders in the ledger database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new swap order repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "swap_orders").Logger(),
	}
}

// Schema returns the DDL for the swap order tables.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS swap_orders (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    rebalance_run_id TEXT NOT NULL DEFAULT '',
    source_asset TEXT NOT NULL,
    destination_asset TEXT NOT NULL,
    source_amount_base TEXT NOT NULL,
    destination_amount_base TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK ((session_id = '') <> (rebalance_run_id = ''))
);
CREATE INDEX IF NOT EXISTS idx_swap_orders_status ON swap_orders(status);
CREATE INDEX IF NOT EXISTS idx_swap_orders_session ON swap_orders(session_id);
CREATE INDEX IF NOT EXISTS idx_swap_orders_run ON swap_orders(rebalance_run_id);
`
}

// InitSchema creates the swap order tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to create swap_orders schema: %w", err)
	}
	return nil
}

// Insert stores a newly submitted order.
func (r *Repository) Insert(order *Order) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO swap_orders (
			id, provider, session_id, rebalance_run_id,
			source_asset, destination_asset,
			source_amount_base, destination_amount_base,
			status, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Provider, order.SessionID, order.RebalanceRunID,
		order.SourceAsset, order.DestinationAsset,
		order.SourceAmount.String(), order.DestinationAmount.String(),
		string(order.Status), order.FailureReason,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap order: %w", err)
	}
	return nil
}

// Get fetches one order by ID. Returns nil when absent.
func (r *Repository) Get(id string) (*Order, error) {
	row := r.db.QueryRow(selectColumns+` FROM swap_orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap order: %w", err)
	}
	return order, nil
}

// GetLatestForLeg fetches the most recent order for one settlement leg.
// Returns nil when the leg has never been attempted.
func (r *Repository) GetLatestForLeg(sessionID, destinationAsset string) (*Order, error) {
	row := r.db.QueryRow(selectColumns+`
		FROM swap_orders
		WHERE session_id = ? AND destination_asset = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		sessionID, destinationAsset,
	)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get leg order: %w", err)
	}
	return order, nil
}

// ListBySession returns all orders belonging to one deposit session.
func (r *Repository) ListBySession(sessionID string) ([]*Order, error) {
	return r.list(`WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
}

// ListByRun returns all orders belonging to one rebalance run.
func (r *Repository) ListByRun(runID string) ([]*Order, error) {
	return r.list(`WHERE rebalance_run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
}

// ListOpen returns all orders still awaiting resolution.
func (r *Repository) ListOpen() ([]*Order, error) {
	return r.list(`WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC`,
		string(StatusPending), string(StatusProcessing))
}

// UpdateStatus applies a guarded transition. The row is only touched
// when its stored status may legally precede the target status, which
// keeps transitions monotonic under concurrent pollers. Returns
// ErrConflict when the guard rejects the write.
func (r *Repository) UpdateStatus(id string, to Status, destinationAmount decimal.Decimal, failureReason string) error {
	sources := transitionSources(to)
	if len(sources) == 0 {
		return fmt.Errorf("no status may transition to %s", to)
	}

	placeholders := make([]string, len(sources))
	args := []interface{}{string(to), destinationAmount.String(), failureReason, time.Now().UTC().Unix(), id}
	for i, s := range sources {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	result, err := r.db.Exec(fmt.Sprintf(`
		UPDATE swap_orders
		SET status = ?, destination_amount_base = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)`, strings.Join(placeholders, ",")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update swap order status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check swap order update: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateProgress records fill growth without a status change, e.g. a
// resting order accumulating partial fills. Guarded on the current
// status so it cannot resurrect a terminal order.
func (r *Repository) UpdateProgress(id string, current Status, destinationAmount decimal.Decimal) error {
	result, err := r.db.Exec(`
		UPDATE swap_orders
		SET destination_amount_base = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		destinationAmount.String(), time.Now().UTC().Unix(), id, string(current),
	)
	if err != nil {
		return fmt.Errorf("failed to update swap order progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check swap order update: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// transitionSources enumerates the statuses allowed to precede `to`.
func transitionSources(to Status) []Status {
	var sources []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(s, to) {
			sources = append(sources, s)
		}
	}
	return sources
}

const selectColumns = `
	SELECT id, provider, session_id, rebalance_run_id,
	       source_asset, destination_asset,
	       source_amount_base, destination_amount_base,
	       status, failure_reason, created_at, updated_at`

func (r *Repository) list(clause string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.Query(selectColumns+` FROM swap_orders `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swap order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swap orders: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	var sourceAmount, destAmount, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&order.ID, &order.Provider, &order.SessionID, &order.RebalanceRunID,
		&order.SourceAsset, &order.DestinationAsset,
		&sourceAmount, &destAmount,
		&status, &order.FailureReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.SourceAmount, err = decimal.NewFromString(sourceAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid source amount %q: %w", sourceAmount, err)
	}
	order.DestinationAmount, err = decimal.NewFromString(destAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid destination amount %q: %w", destAmount, err)
	}
	order.Status = Status(status)
	order.CreatedAt = time.Unix(createdAt, 0).UTC()
	order.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &order, nil
}
