package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/dexy/internal/api"
	"github.com/alecgard/dexy/internal/async"
	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/catalog"
	"github.com/alecgard/dexy/internal/config"
	"github.com/alecgard/dexy/internal/credential"
	"github.com/alecgard/dexy/internal/crypto"
	"github.com/alecgard/dexy/internal/execute"
	"github.com/alecgard/dexy/internal/ledger"
	"github.com/alecgard/dexy/internal/metrics"
	"github.com/alecgard/dexy/internal/payment"
	"github.com/alecgard/dexy/internal/proxy"
	"github.com/alecgard/dexy/internal/ratelimit"
	"github.com/alecgard/dexy/internal/settlement"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Dexy gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	chain := chainFromConfig(cfg.Chain)
	client, err := settlement.DialChain(ctx, chain.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	checkCtx, checkCancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	if err := client.CheckChainID(checkCtx, chain.ChainID); err != nil {
		slog.Warn("chain rpc check failed, settlements will fail until it recovers", "error", err)
	}
	checkCancel()

	schemes := make([]payment.Scheme, 0, len(cfg.Payment.Schemes))
	for _, s := range cfg.Payment.Schemes {
		schemes = append(schemes, payment.Scheme(s))
	}
	negotiator, err := payment.NewNegotiator(chain, schemes, cfg.Payment.MaxTimeoutSeconds)
	if err != nil {
		return err
	}

	verifier := settlement.NewVerifier(client, cfg.Chain.RPCTimeout)
	verifier.SetMetrics(m)

	guard, closeGuard, err := newReplayGuard(cfg, pool)
	if err != nil {
		return err
	}
	defer closeGuard()

	sealer, err := crypto.NewSealer(cfg.Ledger.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ledger encryption key: %w", err)
	}
	usageStore := ledger.NewStore(pool, sealer)

	sink, closeSink, err := newLedgerSink(cfg, usageStore)
	if err != nil {
		return err
	}
	defer closeSink()

	collector := ledger.NewCollector(sink, &ledger.Sanitizer{
		MaxChars: cfg.Ledger.MetaMaxChars,
		Sealer:   sealer,
	}, ledger.Options{
		BatchSize:     cfg.Ledger.BatchSize,
		FlushInterval: cfg.Ledger.FlushInterval,
		MaxBuffer:     cfg.Ledger.MaxBuffer,
	})
	collector.SetMetrics(m)
	go collector.Start(ctx)

	touches := async.NewPool("touch", cfg.Auth.TouchWorkers, cfg.Auth.TouchQueue, 5*time.Second)
	touches.OnDrop = m.IncAsyncDropped

	credStore := credential.NewStore(pool)
	authService := auth.NewService(credential.NewAuthAdapter(credStore), touches)
	authService.SetMetrics(m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go pruneLimiter(ctx, limiter, cfg.RateLimit.Window)

	forwarder := proxy.NewForwarder(cfg.Proxy.Timeout, cfg.Proxy.MaxResponseSize)
	forwarder.SetMetrics(m)

	executor := execute.NewHandler(execute.Deps{
		Auth:       authService,
		Agents:     catalog.NewStore(pool),
		Negotiator: negotiator,
		Verifier:   verifier,
		Guard:      guard,
		Forwarder:  forwarder,
		Usage:      collector,
		Limiter:    limiter,
	}, execute.Options{
		PublicURL:      cfg.Server.PublicURL,
		MaxRequestSize: cfg.Proxy.MaxRequestSize,
	})
	executor.SetMetrics(m)

	router := api.NewRouter(api.RouterDeps{
		Execute:        executor,
		Auth:           authService,
		Limiter:        limiter,
		Credentials:    credStore,
		Usage:          usageStore,
		Metrics:        m,
		DB:             pool,
		Manifest:       api.NewManifest(version, chain, schemes),
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "network", chain.Network, "replay_guard", cfg.Payment.ReplayGuard, "ledger_sink", cfg.Ledger.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		collector.Stop()
		touches.Close()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// In-flight requests are done; drain what they left behind.
	touches.Close()
	collector.Stop()

	return err
}

func chainFromConfig(c config.ChainConfig) payment.Chain {
	return payment.Chain{
		Network:       c.Network,
		ChainID:       c.ChainID,
		RPCURL:        c.RPCURL,
		Asset:         common.HexToAddress(c.AssetAddress),
		AssetDecimals: c.AssetDecimals,
		AssetName:     c.AssetName,
		AssetVersion:  c.AssetVersion,
	}
}

// newReplayGuard builds the configured guard and a func releasing its
// resources.
func newReplayGuard(cfg *config.Config, pool *pgxpool.Pool) (settlement.ReplayGuard, func(), error) {
	switch cfg.Payment.ReplayGuard {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return settlement.NewRedisGuard(rdb, cfg.Redis.Prefix, cfg.Payment.ReplayTTL), func() { _ = rdb.Close() }, nil
	case "none":
		slog.Warn("replay guard disabled, a settled transaction can be reused")
		return settlement.NopGuard{}, func() {}, nil
	default:
		return settlement.NewPostgresGuard(pool), func() {}, nil
	}
}

// newLedgerSink returns the configured batch sink and its closer.
func newLedgerSink(cfg *config.Config, store *ledger.Store) (ledger.BatchInserter, func(), error) {
	if cfg.Ledger.Sink != "amqp" {
		return store, func() {}, nil
	}
	pub, err := ledger.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.Durable)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			slog.Warn("closing amqp publisher", "error", err)
		}
	}, nil
}

// pruneLimiter drops buckets idle for more than two windows.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, window time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(2 * window); n > 0 {
				slog.Debug("pruned rate limit buckets", "count", n)
			}
		}
	}
}
