package di

import (
	"fmt"

	"github.com/anthonykimani/kiota-sub002/internal/clientdata"
	"github.com/anthonykimani/kiota-sub002/internal/config"
	"github.com/anthonykimani/kiota-sub002/internal/database"
	"github.com/anthonykimani/kiota-sub002/internal/reliability"
	"github.com/anthonykimani/kiota-sub002/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs builds the scheduled jobs and registers them with the
// scheduler. Returns the instances so callers can trigger manual runs.
func RegisterJobs(container *Container, cfg *config.Config, sched *scheduler.Scheduler, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	instances := &JobInstances{}

	// Confirmation sweep: the only driver of the on-chain RECEIVED ->
	// CONFIRMED transition
	instances.ConfirmDeposits = scheduler.NewConfirmDepositsJob(container.Orchestrator, log)
	if err := sched.AddJob("*/30 * * * * *", instances.ConfirmDeposits); err != nil {
		return nil, fmt.Errorf("failed to register confirm_deposits: %w", err)
	}

	// Order polling: resolves async venue fills into settled sessions
	// and completed rebalance runs
	instances.PollSwapOrders = scheduler.NewPollSwapOrdersJob(container.SwapService, container.Orchestrator, log)
	if err := sched.AddJob("*/15 * * * * *", instances.PollSwapOrders); err != nil {
		return nil, fmt.Errorf("failed to register poll_swap_orders: %w", err)
	}

	instances.ScheduledRebalance = scheduler.NewScheduledRebalanceJob(container.RebalancingService, container.Orchestrator, log)
	if err := sched.AddJob(cfg.Rebalance.Schedule, instances.ScheduledRebalance); err != nil {
		return nil, fmt.Errorf("failed to register scheduled_rebalance: %w", err)
	}

	// Backup job is registered even when disabled; it no-ops without an
	// uploader so enabling backups is a config change, not a code path
	var uploader scheduler.ArchiveUploader
	if container.CloudBackupService != nil {
		uploader = container.CloudBackupService
	}
	instances.LedgerBackup = scheduler.NewLedgerBackupJob(uploader, cfg.Backup.RetentionDays, log)
	if err := sched.AddJob("0 30 2 * * *", instances.LedgerBackup); err != nil {
		return nil, fmt.Errorf("failed to register ledger_backup: %w", err)
	}

	instances.Maintenance = reliability.NewDatabaseMaintenanceJob(map[string]*database.DB{
		"ledger":    container.LedgerDB,
		"portfolio": container.PortfolioDB,
		"cache":     container.CacheDB,
	}, cfg.DataDir, log)
	if err := sched.AddJob("0 0 4 * * *", instances.Maintenance); err != nil {
		return nil, fmt.Errorf("failed to register database_maintenance: %w", err)
	}

	instances.CacheCleanup = clientdata.NewCleanupJob(container.ClientDataRepo)
	if err := sched.AddJob("0 15 */6 * * *", instances.CacheCleanup); err != nil {
		return nil, fmt.Errorf("failed to register cache cleanup: %w", err)
	}

	log.Info().Msg("All jobs registered")

	return instances, nil
}
