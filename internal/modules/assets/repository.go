package assets

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository manages the assets table in the portfolio database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new assets repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "assets").Logger(),
	}
}

// InitSchema creates the assets table if it doesn't exist
func (r *Repository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		symbol TEXT NOT NULL,
		chain INTEGER NOT NULL,
		name TEXT NOT NULL,
		class TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		expected_return_pct REAL NOT NULL DEFAULT 0,
		volatility_pct REAL NOT NULL DEFAULT 0,
		updated_at INTEGER,
		PRIMARY KEY (symbol, chain)
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create assets schema: %w", err)
	}
	return nil
}

// Schema returns the assets table DDL for test databases.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS assets (
		symbol TEXT NOT NULL,
		chain INTEGER NOT NULL,
		name TEXT NOT NULL,
		class TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		expected_return_pct REAL NOT NULL DEFAULT 0,
		volatility_pct REAL NOT NULL DEFAULT 0,
		updated_at INTEGER,
		PRIMARY KEY (symbol, chain)
	);
	`
}

// GetAll returns every registered asset.
func (r *Repository) GetAll() ([]Asset, error) {
	rows, err := r.db.Query(`
		SELECT symbol, chain, name, class, decimals, address, expected_return_pct, volatility_pct
		FROM assets
		ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var result []Asset
	for rows.Next() {
		var a Asset
		var class string
		if err := rows.Scan(&a.Symbol, &a.Chain, &a.Name, &class, &a.Decimals, &a.Address, &a.ExpectedReturnPct, &a.VolatilityPct); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.Class = Class(class)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}

	return result, nil
}

// Upsert inserts or updates an asset definition.
func (r *Repository) Upsert(a Asset) error {
	_, err := r.db.Exec(`
		INSERT INTO assets (symbol, chain, name, class, decimals, address, expected_return_pct, volatility_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, chain) DO UPDATE SET
			name = excluded.name,
			class = excluded.class,
			decimals = excluded.decimals,
			address = excluded.address,
			expected_return_pct = excluded.expected_return_pct,
			volatility_pct = excluded.volatility_pct,
			updated_at = excluded.updated_at
	`, a.Symbol, a.Chain, a.Name, string(a.Class), a.Decimals, a.Address, a.ExpectedReturnPct, a.VolatilityPct, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", a.Symbol, err)
	}

	r.log.Debug().Str("symbol", a.Symbol).Int64("chain", a.Chain).Msg("Upserted asset")
	return nil
}

// Seed inserts the default assets, leaving operator-edited rows alone.
func (r *Repository) Seed(defaults []Asset) error {
	for _, a := range defaults {
		_, err := r.db.Exec(`
			INSERT INTO assets (symbol, chain, name, class, decimals, address, expected_return_pct, volatility_pct, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, chain) DO NOTHING
		`, a.Symbol, a.Chain, a.Name, string(a.Class), a.Decimals, a.Address, a.ExpectedReturnPct, a.VolatilityPct, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to seed asset %s: %w", a.Symbol, err)
		}
	}

	r.log.Debug().Int("count", len(defaults)).Msg("Seeded default assets")
	return nil
}
