package di

import (
	"fmt"

	"github.com/anthonykimani/kiota-sub002/internal/config"
	"github.com/anthonykimani/kiota-sub002/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the three databases with their durability
// profiles. Schemas are installed by InitializeRepositories, where each
// repository owns its tables.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. ledger.db - deposit sessions and swap orders. This is the money
	// trail, so it gets the full-fsync profile and is never vacuumed.
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/ledger.db",
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	// 2. portfolio.db - asset registry, allocation targets, holdings and
	// rebalance runs.
	portfolioDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/portfolio.db",
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	if err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to initialize portfolio database: %w", err)
	}
	container.PortfolioDB = portfolioDB

	// 3. cache.db - exchange rates and price quotes. Rebuildable from the
	// upstream APIs, so it trades durability for speed.
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		ledgerDB.Close()
		portfolioDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	log.Info().Msg("All databases initialized")

	return container, nil
}
