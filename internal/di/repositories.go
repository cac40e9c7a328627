package di

import (
	"fmt"

	"github.com/anthonykimani/kiota-sub002/internal/clientdata"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
	"github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing"
	"github.com/anthonykimani/kiota-sub002/internal/modules/swap"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories and installs their
// schemas. Each repository owns its tables, so schema installation
// happens here rather than at database open.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Ledger: sessions and orders share the database so a settlement leg
	// and its session commit under one durability profile
	container.DepositRepo = deposit.NewRepository(container.LedgerDB.Conn(), log)
	if err := container.DepositRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install deposit schema: %w", err)
	}

	container.SwapRepo = swap.NewRepository(container.LedgerDB.Conn(), log)
	if err := container.SwapRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install swap schema: %w", err)
	}

	// Portfolio state
	container.AssetRepo = assets.NewRepository(container.PortfolioDB.Conn(), log)
	if err := container.AssetRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install assets schema: %w", err)
	}

	container.AllocationRepo = allocation.NewRepository(container.PortfolioDB.Conn(), log)
	if err := container.AllocationRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install allocation schema: %w", err)
	}

	container.PortfolioRepo = portfolio.NewRepository(container.PortfolioDB.Conn(), log)
	if err := container.PortfolioRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install portfolio schema: %w", err)
	}

	container.RebalancingRepo = rebalancing.NewRepository(container.PortfolioDB.Conn(), log)
	if err := container.RebalancingRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install rebalancing schema: %w", err)
	}

	// Cache
	container.ClientDataRepo = clientdata.NewRepository(container.CacheDB.Conn())
	if err := container.ClientDataRepo.InitSchema(); err != nil {
		return fmt.Errorf("failed to install client data schema: %w", err)
	}

	log.Info().Msg("All repositories initialized")

	return nil
}
