package allocation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/database"
)

// Repository persists the standing allocation target in the portfolio
// database. Deposit sessions snapshot this target at creation; edits
// here never touch sessions already in flight.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new allocation repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "allocation").Logger(),
	}
}

// InitSchema creates the allocation_targets table if it doesn't exist
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to create allocation schema: %w", err)
	}
	return nil
}

// Schema returns the allocation_targets table DDL for test databases.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS allocation_targets (
		asset TEXT PRIMARY KEY,
		target_pct REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
}

// Get returns the standing target. An empty map means no target has been
// set yet.
func (r *Repository) Get() (Target, error) {
	rows, err := r.db.Query(`SELECT asset, target_pct FROM allocation_targets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation targets: %w", err)
	}
	defer rows.Close()

	target := make(Target)
	for rows.Next() {
		var asset string
		var pct float64
		if err := rows.Scan(&asset, &pct); err != nil {
			return nil, fmt.Errorf("failed to scan allocation target: %w", err)
		}
		target[asset] = pct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocation targets: %w", err)
	}

	return target, nil
}

// Set validates and replaces the standing target atomically.
func (r *Repository) Set(target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM allocation_targets`); err != nil {
			return fmt.Errorf("failed to clear allocation targets: %w", err)
		}

		now := time.Now().Unix()
		for _, asset := range target.Assets() {
			_, err := tx.Exec(`
				INSERT INTO allocation_targets (asset, target_pct, updated_at)
				VALUES (?, ?, ?)
			`, asset, target[asset], now)
			if err != nil {
				return fmt.Errorf("failed to insert allocation target for %s: %w", asset, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Int("assets", len(target)).Msg("Updated standing allocation target")
	return nil
}
