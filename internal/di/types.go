// Package di wires databases, repositories, clients, services and jobs
// into a single container consumed by the server and scheduler.
package di

import (
	"github.com/anthonykimani/kiota-sub002/internal/clientdata"
	"github.com/anthonykimani/kiota-sub002/internal/clients/chain"
	"github.com/anthonykimani/kiota-sub002/internal/clients/exchangerate"
	"github.com/anthonykimani/kiota-sub002/internal/clients/mpesa"
	"github.com/anthonykimani/kiota-sub002/internal/clients/orderbook"
	"github.com/anthonykimani/kiota-sub002/internal/clients/router"
	"github.com/anthonykimani/kiota-sub002/internal/clients/signer"
	"github.com/anthonykimani/kiota-sub002/internal/database"
	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
	"github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing"
	"github.com/anthonykimani/kiota-sub002/internal/modules/settlement"
	"github.com/anthonykimani/kiota-sub002/internal/modules/swap"
	"github.com/anthonykimani/kiota-sub002/internal/reliability"
	"github.com/anthonykimani/kiota-sub002/internal/scheduler"
)

// Container holds every wired dependency. It is the single source of
// truth for object lifetimes: databases at the bottom, the settlement
// orchestrator at the top.
type Container struct {
	// Databases
	LedgerDB    *database.DB // deposit sessions and swap orders, maximum durability
	PortfolioDB *database.DB // assets, targets, holdings, rebalance runs
	CacheDB     *database.DB // exchange rate and price cache, rebuildable

	// Repositories
	AssetRepo       *assets.Repository
	AllocationRepo  *allocation.Repository
	DepositRepo     *deposit.Repository
	SwapRepo        *swap.Repository
	PortfolioRepo   *portfolio.Repository
	RebalancingRepo *rebalancing.Repository
	ClientDataRepo  *clientdata.Repository

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// External clients
	MpesaClient  *mpesa.Client
	RateClient   *exchangerate.Client
	ChainClient  *chain.Client
	SignerClient *signer.Client
	RouterClient *router.Client
	BookClient   *orderbook.Client
	FillStream   *orderbook.FillStream // nil unless the order book venue is active

	// Services
	AssetRegistry      *assets.Registry
	AllocationService  *allocation.Service
	PortfolioService   *portfolio.Service
	SwapService        *swap.Service
	DepositService     *deposit.Service
	RebalancingService *rebalancing.Service
	Orchestrator       *settlement.Orchestrator

	// Reliability
	BackupService      *reliability.BackupService
	CloudBackupService *reliability.CloudBackupService // nil when backups are disabled
}

// JobInstances holds the scheduled jobs for registration and manual runs.
type JobInstances struct {
	ConfirmDeposits    *scheduler.ConfirmDepositsJob
	PollSwapOrders     *scheduler.PollSwapOrdersJob
	ScheduledRebalance *scheduler.ScheduledRebalanceJob
	LedgerBackup       *scheduler.LedgerBackupJob
	Maintenance        *reliability.DatabaseMaintenanceJob
	CacheCleanup       *clientdata.CleanupJob
}

// CloseDatabases closes every database connection. Call on shutdown and
// on wiring failures.
func (c *Container) CloseDatabases() {
	if c.LedgerDB != nil {
		c.LedgerDB.Close()
	}
	if c.PortfolioDB != nil {
		c.PortfolioDB.Close()
	}
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
}
