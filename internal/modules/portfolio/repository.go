package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository handles holding rows in the portfolio database. Amounts are
// stored as decimal strings because 18-decimal token balances overflow
// int64.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new holdings repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// InitSchema creates the holdings table if it doesn't exist
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to create holdings schema: %w", err)
	}
	return nil
}

// Schema returns the holdings table DDL for test databases.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS holdings (
		asset TEXT PRIMARY KEY,
		amount_base TEXT NOT NULL,
		entry_price_usd REAL NOT NULL DEFAULT 0,
		current_price_usd REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
}

// GetAll returns all holdings with a non-zero balance.
func (r *Repository) GetAll() ([]Holding, error) {
	rows, err := r.db.Query(`
		SELECT asset, amount_base, entry_price_usd, current_price_usd, updated_at
		FROM holdings
		ORDER BY asset
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		if h.AmountBase.IsZero() {
			continue
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}

	return holdings, nil
}

// Get returns the holding for one asset, or nil if none exists.
func (r *Repository) Get(asset string) (*Holding, error) {
	row := r.db.QueryRow(`
		SELECT asset, amount_base, entry_price_usd, current_price_usd, updated_at
		FROM holdings
		WHERE asset = ?
	`, asset)

	h, err := scanHolding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Upsert writes a holding row.
func (r *Repository) Upsert(h Holding) error {
	_, err := r.db.Exec(`
		INSERT INTO holdings (asset, amount_base, entry_price_usd, current_price_usd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			amount_base = excluded.amount_base,
			entry_price_usd = excluded.entry_price_usd,
			current_price_usd = excluded.current_price_usd,
			updated_at = excluded.updated_at
	`, h.Asset, h.AmountBase.String(), h.EntryPriceUSD, h.CurrentPriceUSD, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert holding %s: %w", h.Asset, err)
	}

	r.log.Debug().
		Str("asset", h.Asset).
		Str("amount_base", h.AmountBase.String()).
		Msg("Upserted holding")
	return nil
}

// UpdatePrice refreshes only the current price of a holding.
func (r *Repository) UpdatePrice(asset string, priceUSD float64) error {
	result, err := r.db.Exec(`
		UPDATE holdings SET current_price_usd = ?, updated_at = ? WHERE asset = ?
	`, priceUSD, time.Now().Unix(), asset)
	if err != nil {
		return fmt.Errorf("failed to update price for %s: %w", asset, err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		r.log.Debug().Str("asset", asset).Msg("Price update for asset with no holding")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHolding(row rowScanner) (Holding, error) {
	var h Holding
	var amountStr string
	var updatedAt sql.NullInt64

	if err := row.Scan(&h.Asset, &amountStr, &h.EntryPriceUSD, &h.CurrentPriceUSD, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return h, err
		}
		return h, fmt.Errorf("failed to scan holding: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return h, fmt.Errorf("invalid amount for holding %s: %w", h.Asset, err)
	}
	h.AmountBase = amount

	if updatedAt.Valid {
		h.UpdatedAt = time.Unix(updatedAt.Int64, 0).UTC()
	}

	return h, nil
}
