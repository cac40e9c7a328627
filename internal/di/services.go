package di

import (
	"context"
	"fmt"
	"time"

	"github.com/anthonykimani/kiota-sub002/internal/clients/chain"
	"github.com/anthonykimani/kiota-sub002/internal/clients/exchangerate"
	"github.com/anthonykimani/kiota-sub002/internal/clients/mpesa"
	"github.com/anthonykimani/kiota-sub002/internal/clients/orderbook"
	"github.com/anthonykimani/kiota-sub002/internal/clients/router"
	"github.com/anthonykimani/kiota-sub002/internal/clients/signer"
	"github.com/anthonykimani/kiota-sub002/internal/config"
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
	"github.com/rs/zerolog"
)

// InitializeServices creates clients and services bottom-up: events,
// external clients, the asset registry, the active swap venue, then the
// pipeline services and the orchestrator on top.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Events
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	// External clients. Each client tolerates missing configuration and
	// reports it via IsConfigured; the services decide what is fatal.
	container.MpesaClient = mpesa.New(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		CallbackURL:    cfg.Mpesa.CallbackURL,
	}, log)
	container.RateClient = exchangerate.NewClient(container.ClientDataRepo)
	container.ChainClient = chain.New(cfg.Swap.ChainRPCURL, log)
	container.SignerClient = signer.New(cfg.Swap.SignerServiceURL, log)
	container.RouterClient = router.New(cfg.Swap.RouterAPIURL, log)
	container.BookClient = orderbook.New(cfg.Swap.OrderbookBaseURL, log)

	// Asset registry seeds the basket and loads metadata
	registry, err := assets.NewRegistry(container.AssetRepo, log)
	if err != nil {
		return fmt.Errorf("failed to initialize asset registry: %w", err)
	}
	container.AssetRegistry = registry

	allocationService, err := allocation.NewService(container.AllocationRepo, registry, log)
	if err != nil {
		return fmt.Errorf("failed to initialize allocation service: %w", err)
	}
	container.AllocationService = allocationService

	// Venue selection happens once here. Chains with gasless support
	// settle through signed order-book intents; the rest execute
	// directly through the router.
	venueCfg := swap.VenueConfig{
		ChainID:         cfg.Swap.ChainID,
		SignerReference: cfg.Swap.SignerReference,
		SignerAddress:   cfg.Swap.SignerAddress,
		MaxSlippageBps:  cfg.Swap.MaxSlippageBps,
		QuoteTTL:        cfg.Swap.QuoteTTL,
	}

	var provider swap.Provider
	if cfg.Swap.GaslessSupported {
		provider = swap.NewOrderbookProvider(container.BookClient, container.SignerClient, registry, venueCfg, log)
	} else {
		provider = swap.NewRouterProvider(container.RouterClient, container.ChainClient, container.SignerClient, registry, venueCfg, log)
	}

	swapService, err := swap.NewService(provider, container.SwapRepo, registry, container.EventManager, cfg.Swap.MaxSlippageBps, log)
	if err != nil {
		return fmt.Errorf("failed to initialize swap service: %w", err)
	}
	container.SwapService = swapService

	log.Info().
		Str("venue", provider.Name()).
		Bool("gasless", cfg.Swap.GaslessSupported).
		Int64("chain_id", cfg.Swap.ChainID).
		Msg("Swap venue selected")

	portfolioService, err := portfolio.NewService(container.PortfolioRepo, registry, swapService, log)
	if err != nil {
		return fmt.Errorf("failed to initialize portfolio service: %w", err)
	}
	container.PortfolioService = portfolioService

	depositService, err := deposit.NewService(deposit.Config{
		OffchainTTL:       cfg.Deposit.OffchainTTL,
		OnchainTTL:        cfg.Deposit.OnchainTTL,
		TolerancePercent:  cfg.Deposit.AmountTolerancePercent,
		ConfirmationDepth: cfg.Deposit.ConfirmationDepth,
		FiatCurrency:      cfg.Deposit.FiatCurrency,
		OffchainFeeMinor:  cfg.Deposit.OffchainFeeMinor,
		ChainID:           cfg.Swap.ChainID,
		DepositAddress:    cfg.Swap.SignerAddress,
	}, container.DepositRepo, registry, allocationService,
		container.MpesaClient, container.RateClient, container.ChainClient,
		swapService, portfolioService, container.EventManager, log)
	if err != nil {
		return fmt.Errorf("failed to initialize deposit service: %w", err)
	}
	container.DepositService = depositService

	rebalancingService, err := rebalancing.NewService(rebalancing.Config{
		DriftThresholdPercent: cfg.Rebalance.DriftThresholdPercent,
		MinTradeUSD:           cfg.Rebalance.MinTradeUSD,
	}, container.RebalancingRepo, registry, portfolioService,
		allocationService, swapService, container.EventManager, log)
	if err != nil {
		return fmt.Errorf("failed to initialize rebalancing service: %w", err)
	}
	container.RebalancingService = rebalancingService

	orchestrator, err := settlement.NewOrchestrator(depositService, rebalancingService, log)
	if err != nil {
		return fmt.Errorf("failed to initialize settlement orchestrator: %w", err)
	}
	container.Orchestrator = orchestrator

	// The order book pushes fill notifications over a websocket. Any
	// notification triggers the same refresh-and-resume pass the poller
	// runs, so a missed message only costs one poll interval.
	if cfg.Swap.GaslessSupported && cfg.Swap.OrderbookWSURL != "" {
		container.FillStream = orderbook.NewFillStream(cfg.Swap.OrderbookWSURL, func(orderHash string) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			if _, err := container.SwapService.RefreshOpenOrders(ctx); err != nil {
				log.Warn().Err(err).Str("order_hash", orderHash).Msg("Fill notification refresh failed")
				return
			}
			if _, err := container.Orchestrator.ResumeSettlements(ctx); err != nil {
				log.Warn().Err(err).Msg("Fill notification settle resume failed")
			}
			if _, err := container.Orchestrator.ResumeRebalanceOrders(ctx); err != nil {
				log.Warn().Err(err).Msg("Fill notification rebalance resume failed")
			}
		}, log)
	}

	// Backups cover the durable databases. The cache rebuilds itself
	// from upstream APIs and stays out of the archive.
	container.BackupService = reliability.NewBackupService(map[string]*database.DB{
		"ledger":    container.LedgerDB,
		"portfolio": container.PortfolioDB,
	}, log)

	if cfg.Backup.Enabled {
		s3Client, err := reliability.NewS3Client(
			cfg.Backup.Endpoint,
			cfg.Backup.AccessKeyID,
			cfg.Backup.SecretAccessKey,
			cfg.Backup.Bucket,
			log,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize backup storage client: %w", err)
		}
		container.CloudBackupService = reliability.NewCloudBackupService(
			s3Client, container.BackupService, cfg.DataDir, container.EventManager, log)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Cloud backups enabled")
	} else {
		log.Info().Msg("Cloud backups disabled")
	}

	log.Info().Msg("All services initialized")

	return nil
}
