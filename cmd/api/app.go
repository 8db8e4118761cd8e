package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"flakeflow/adjudicator"
	"flakeflow/config"
	"flakeflow/db"
	"flakeflow/deeplink"
	"flakeflow/evidence"
	"flakeflow/flake"
	"flakeflow/ledger"
)

// app holds the long-lived dependencies shared by serve and sweep.
type app struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	flakes  *flake.Service
	closers []func()
}

// bootstrap wires the engine to every gateway the configuration enables.
// The oracle submitter goroutine lives until ctx is done.
func bootstrap(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 20})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	builder, err := ledger.NewBuilder()
	if err != nil {
		return nil, err
	}
	svc := flake.NewService(flake.NewPGRepository(pool), builder, flake.Chain{
		ID:              cfg.ChainID,
		ContractAddress: cfg.EscrowAddress,
	}).
		WithLogger(logger).
		WithGatewayTimeout(cfg.GatewayTimeout)

	if cfg.DeeplinkSecret != "" {
		signer, err := deeplink.NewSigner(cfg.DeeplinkSecret, cfg.DeeplinkBaseURL)
		if err != nil {
			return nil, err
		}
		svc.WithLinkSigner(signer)
	}

	if cfg.PinataJWT != "" {
		svc.WithEvidenceStore(evidence.NewClient(cfg.PinataEndpoint, cfg.PinataJWT, cfg.GatewayTimeout))
	} else {
		logger.Warn("evidence uploads disabled", "reason", "FLAKE_PINATA_JWT not set")
	}

	if cfg.AIConfigured() {
		provider, err := adjudicator.NewProvider(adjudicator.FactoryConfig{
			Provider:     cfg.AIProvider,
			OpenAIKey:    cfg.OpenAIAPIKey,
			AnthropicKey: cfg.AnthropicAPIKey,
			Model:        cfg.AIModel,
			Timeout:      cfg.GatewayTimeout,
		})
		if err != nil {
			return nil, err
		}
		svc.WithAdjudicator(adjudicator.NewJudge(provider))
	} else {
		logger.Warn("ai review disabled", "provider", cfg.AIProvider)
	}

	if cfg.RedisURL != "" {
		rdb, err := db.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
	}

	if cfg.ChainRPCURL != "" && cfg.OraclePrivateKey != "" {
		client, err := ledger.Dial(ctx, cfg.ChainRPCURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		opts := []ledger.Option{ledger.WithLogger(logger)}
		if a.rdb != nil {
			opts = append(opts, ledger.WithRedisNonces(a.rdb))
		}
		submitter, err := ledger.NewSubmitter(client, cfg.OraclePrivateKey, cfg.ChainID, opts...)
		if err != nil {
			return nil, fmt.Errorf("oracle submitter: %w", err)
		}
		go submitter.Run(ctx)
		svc.WithSubmitter(submitter)
		logger.Info("oracle submitter ready", "address", submitter.Address())
	}

	a.flakes = svc
	ok = true
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
