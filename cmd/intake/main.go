package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow/intake/internal/admission"
	"github.com/grantflow/intake/internal/auth"
	"github.com/grantflow/intake/internal/config"
	"github.com/grantflow/intake/internal/llm"
	"github.com/grantflow/intake/internal/orchestrator"
	"github.com/grantflow/intake/internal/server"
	"github.com/grantflow/intake/internal/storage"
	"github.com/grantflow/intake/internal/storage/memory"
	"github.com/grantflow/intake/internal/storage/sqlite"
	"github.com/grantflow/intake/internal/telemetry"
	"github.com/grantflow/intake/internal/tokens"
)

var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("grant-intake", logger)
		if err != nil {
			logger.Error("initializing telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("shutting down telemetry", slog.String("error", err.Error()))
			}
		}()
	}

	var (
		sessions storage.SessionStore
		ledger   storage.CostLedger
	)
	switch cfg.Storage.Type {
	case "memory":
		m := memory.New()
		sessions, ledger = m, m
	default:
		s, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			logger.Error("opening sqlite store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		sessions, ledger = s, s
	}
	defer sessions.Close()

	var counter admission.Counter = admission.NewMemoryCounter()
	if cfg.Admission.Counter == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Admission.RedisAddr})
		counter = admission.NewRedisCounter(client, "")
		logger.Info("using redis rate counter", slog.String("addr", cfg.Admission.RedisAddr))
	}

	admCfg := admission.DefaultConfig()
	if cfg.Admission.UserDailyCostCeiling > 0 {
		admCfg.UserDailyCostCeiling = cfg.Admission.UserDailyCostCeiling
	}
	if cfg.Admission.GlobalDailyCostCeiling > 0 {
		admCfg.GlobalDailyCostCeiling = cfg.Admission.GlobalDailyCostCeiling
	}
	ctrl := admission.NewController(counter, ledger, admCfg, logger)

	var opts []llm.ClientOption
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.Provider.BaseURL))
	}
	client := llm.NewAnthropicClient(cfg.Provider.APIKey, opts...)
	policy := llm.DefaultRetryPolicy()
	if cfg.Provider.MaxRetries > 0 {
		policy.MaxRetries = cfg.Provider.MaxRetries
	}
	provider := llm.NewResilientClient(client, policy, logger)

	prices := tokens.DefaultPriceTable()
	orch := orchestrator.New(sessions, provider, prices, orchestrator.DefaultKnowledgeBase(),
		orchestrator.Config{
			Model:          cfg.Provider.Model,
			MaxTokens:      cfg.Provider.MaxTokens,
			Temperature:    cfg.Provider.Temperature,
			MaxExchanges:   cfg.Conversation.MaxExchanges,
			MaxSessionCost: cfg.Conversation.MaxSessionCost,
		}, logger)

	handler := server.NewHandler(orch, ctrl, tokens.NewEstimator(), prices,
		cfg.Provider.Model, cfg.Provider.MaxTokens, version, logger)

	identities := make(map[string]auth.Identity, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		identities[t.TokenHash] = auth.Identity{Subject: t.Subject, Email: t.Email}
	}
	if len(identities) == 0 {
		logger.Warn("no auth tokens configured, all requests will be rejected")
	}
	verifier := auth.NewStaticVerifier(identities)

	srv := server.New(cfg.Server.Port, logger, verifier, handler, cfg.Server.RequestTimeout)

	// Lazy expiry on read keeps correctness; the sweep keeps the table small.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		n, err := sessions.DeleteExpired(context.Background())
		if err != nil {
			logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			logger.Info("expiry sweep", slog.Int("deleted", n))
		}
	}); err != nil {
		logger.Error("scheduling expiry sweep", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
