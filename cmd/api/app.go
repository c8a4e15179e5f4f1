package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"path/filepath"

	"votebridge/api"
	"votebridge/chain"
	"votebridge/config"
	"votebridge/confirm"
	"votebridge/events"
	"votebridge/fees"
	"votebridge/mapping"
	"votebridge/registry"
	"votebridge/service"
	"votebridge/storage"
	"votebridge/tokens"
)

// app holds every long-lived component of a running engine.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	network   chain.Network
	chain     *chain.Client
	resolver  *mapping.Resolver
	journal   *storage.Journal
	pending   *storage.PendingStore
	metrics   *service.MetricsCollector
	publisher events.Publisher
	submitter *service.Submitter
	queue     *service.CompensationQueue
	admin     *service.ChainRegistrar
	adminKey  *chain.KeyWallet
	server    *api.Server
	dial      chain.Dialer
}

type tokenService interface {
	service.TokenService
	service.ResetService
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, dial chain.Dialer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: service.NewMetricsCollector(),
		dial:    dial,
		network: chain.Network{
			ChainID:        big.NewInt(cfg.Chain.ChainID),
			Name:           cfg.Chain.NetworkName,
			RPCURL:         cfg.Chain.RPCURL,
			CurrencySymbol: cfg.Chain.CurrencySymbol,
			ExplorerURL:    cfg.Chain.ExplorerURL,
		},
	}

	client, err := chain.NewClient(cfg.Chain.RPCURL, cfg.ContractAddress(), chain.WithClientLogger(logger.With("component", "chain")))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	a.chain = client

	if a.journal, err = storage.NewJournal(cfg.Storage.DataDir); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if a.pending, err = storage.NewPendingStore(cfg.Storage.DataDir, logger.With("component", "pending")); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open pending resets: %w", err)
	}

	if a.publisher, err = buildPublisher(cfg, logger); err != nil {
		a.close()
		return nil, err
	}

	tokenSvc, reg, err := buildCollaborators(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	pipeline := confirm.NewPipeline([]confirm.Strategy{
		&confirm.ReceiptStrategy{
			Source:           client,
			Lenient:          cfg.Confirm.LenientReceipts,
			MinConfirmations: cfg.Confirm.MinConfirmations,
			Timeout:          cfg.Confirm.ReceiptTimeout,
			PollInterval:     cfg.Confirm.PollInterval,
		},
		&confirm.InclusionStrategy{
			Source:   client,
			Lenient:  cfg.Confirm.LenientReceipts,
			Attempts: cfg.Confirm.InclusionAttempts,
			Interval: cfg.Confirm.InclusionInterval,
		},
	}, confirm.WithLogger(logger.With("component", "confirm")))

	policy := cfg.FeePolicy()
	if err := a.openAdmin(ctx, pipeline, policy); err != nil {
		logger.Warn("admin wallet unavailable, admin endpoints disabled", "error", err)
	}

	resolverOpts := []mapping.Option{
		mapping.WithLogger(logger.With("component", "mapping")),
		mapping.WithCacheSize(cfg.Cache.Size),
	}
	if cfg.Chain.RegisterCandidates && a.admin != nil {
		resolverOpts = append(resolverOpts, mapping.WithRegistrar(a.admin))
	}
	a.resolver = mapping.NewResolver(reg, client, resolverOpts...)

	observers := []service.Option{
		service.WithLogger(logger.With("component", "engine")),
		service.WithPublisher(a.publisher),
		service.WithMetrics(a.metrics),
		service.WithJournal(a.journal),
	}
	compensator := service.NewCompensator(tokenSvc, client, a.pending, observers...)
	a.queue = service.NewCompensationQueue(compensator, a.pending, cfg.Storage.RedeliveryInterval)

	a.submitter = service.NewSubmitter(service.SubmitterConfig{
		Network: a.network,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     service.LinearBackoff(cfg.Retry.Backoff),
		},
		RegisterCandidates:  cfg.Chain.RegisterCandidates,
		CompensationTimeout: cfg.Confirm.CompensationTimeout,
	}, service.Dependencies{
		Tokens:      tokenSvc,
		Resolver:    a.resolver,
		Provisioner: fees.NewProvisioner(client, policy, fees.WithLogger(logger.With("component", "fees"))),
		Contract:    client,
		Confirmer:   pipeline,
		Poller:      service.NewVoteCountPoller(client, cfg.VoteCount.Attempts, cfg.VoteCount.Interval, logger),
		Compensator: compensator,
	}, observers...)

	deps := api.Deps{
		Submitter: a.submitter,
		Wallets:   api.KeyWalletOpener(a.network, dial),
		Mappings:  a.resolver,
		Journal:   a.journal,
		Metrics:   a.metrics,
		Pending:   a.pending,
	}
	if a.admin != nil {
		deps.Admin = a.admin
	}
	a.server = api.NewServer(deps, logger.With("component", "http"))
	return a, nil
}

func buildCollaborators(cfg *config.Config, logger *slog.Logger) (tokenService, registry.Registry, error) {
	if cfg.Dev {
		reg, err := registry.NewMockRegistry(registry.MockConfig{
			DataFilePath: filepath.Join(cfg.Storage.DataDir, "registry.json"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load dev registry: %w", err)
		}
		logger.Warn("dev mode: using in-process token service and file registry")
		return tokens.NewMemoryService(), reg, nil
	}

	tokenClient := tokens.NewClient(cfg.Tokens.BaseURL,
		tokens.WithHTTPClient(&http.Client{Timeout: cfg.Tokens.Timeout}),
		tokens.WithAuthToken(cfg.Tokens.AuthToken),
		tokens.WithLogger(logger.With("component", "tokens")))
	registryClient := registry.NewClient(cfg.Registry.BaseURL,
		registry.WithHTTPClient(&http.Client{Timeout: cfg.Registry.Timeout}),
		registry.WithAuthToken(cfg.Registry.AuthToken),
		registry.WithLogger(logger.With("component", "registry")))
	return tokenClient, registryClient, nil
}

func buildPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return events.NopPublisher{}, nil
	}
	producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return events.NewKafkaPublisher(producer, cfg.Kafka.Topic, logger.With("component", "events")), nil
}

func (a *app) openAdmin(ctx context.Context, confirmer service.Confirmer, policy fees.Policy) error {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if a.cfg.Chain.AdminKey != "" {
		key, err = chain.ParsePrivateKey(a.cfg.Chain.AdminKey)
	} else {
		key, err = service.LoadOrGenerateAdminKey(a.cfg.Storage.DataDir)
	}
	if err != nil {
		return err
	}

	wallet := chain.NewKeyWallet(key, a.dial)
	if err := wallet.AddChain(ctx, a.network); err != nil {
		return err
	}
	if err := wallet.SwitchChain(ctx, a.network.ChainID); err != nil {
		return err
	}
	a.adminKey = wallet
	a.admin = service.NewChainRegistrar(a.chain, wallet, confirmer, policy.Schedule(1), a.logger.With("component", "admin"))
	a.logger.Info("admin wallet ready", "address", wallet.Address().Hex())
	return nil
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("failed to close publisher", "error", err)
		}
	}
	if a.adminKey != nil {
		a.adminKey.Close()
	}
	if a.chain != nil {
		a.chain.Close()
	}
}
