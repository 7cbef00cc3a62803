// Package app assembles the query pipeline shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/config"
	"github.com/brojonat/mintscope/service/db"
	"github.com/brojonat/mintscope/service/metadata"
	"github.com/brojonat/mintscope/service/metrics"
	"github.com/brojonat/mintscope/service/price"
	"github.com/brojonat/mintscope/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Components are the wired dependencies of a mintscope process.
type Components struct {
	Solana   *solana.Client
	Query    *activity.Service
	Resolver *metadata.Resolver
	// Store is nil when no database is configured.
	Store *db.Store

	pool *pgxpool.Pool
}

// Build connects to the configured backends and wires the query service.
// With a database configured, the schema is migrated and classification
// failures are recorded.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Components, error) {
	c := &Components{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		c.pool = pool
		c.Store = db.NewStore(pool, m)
		if err := c.Store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, persistence disabled")
	}

	endpoint := EndpointLabel(cfg.SolanaRPCURL)
	c.Solana = solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL, cfg.SolanaRPCRPS),
		endpoint,
		m,
		logger,
		solana.WithConcurrency(cfg.FetchConcurrency),
	)
	logger.Info("initialized solana RPC client",
		"endpoint", endpoint,
		"rps", cfg.SolanaRPCRPS,
		"concurrency", cfg.FetchConcurrency,
	)

	quoter, err := price.NewHTTPQuoter(price.Config{
		URL:    cfg.PriceURL,
		APIKey: cfg.PriceAPIKey,
		Symbol: cfg.PriceSymbol,
		Query:  cfg.PriceQuery,
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create price quoter: %w", err)
	}

	var opts []activity.ServiceOption
	if c.Store != nil {
		opts = append(opts, activity.WithFailureRecorder(c.Store))
	}
	c.Query = activity.NewService(
		c.Solana,
		price.NewCached(quoter, cfg.PriceCacheTTL),
		activity.Config{
			MarketplaceProgram: cfg.MarketplaceProgramID,
			Concurrency:        cfg.FetchConcurrency,
		},
		logger,
		m,
		opts...,
	)
	c.Resolver = metadata.NewResolver(c.Solana, logger)

	return c, nil
}

// Close releases the database pool.
func (c *Components) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// EndpointLabel derives a short metrics label from an RPC URL so API keys
// embedded in the URL never reach metric labels.
//
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	return host
}
