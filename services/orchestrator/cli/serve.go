package cli

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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/stageflow/internal/canary"
	"github.com/ramiqadoumi/stageflow/internal/kafka"
	"github.com/ramiqadoumi/stageflow/internal/postgres"
	redisstore "github.com/ramiqadoumi/stageflow/internal/redis"
	"github.com/ramiqadoumi/stageflow/internal/stream"
	"github.com/ramiqadoumi/stageflow/internal/version"
	"github.com/ramiqadoumi/stageflow/services/orchestrator"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/config"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/handler"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/middleware"
)

const maxRequestBody = 4 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator, its worker pools and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address (API, /metrics and /ws/metrics)")
	serveCmd.Flags().String("deployer-url", "", "deploy agent base URL; empty disables canary rollouts")
	serveCmd.Flags().StringSlice("pools", nil, "stages to run worker pools for (default: all; pass \"\" for none)")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("deployer_url", serveCmd.Flags(), "deployer-url")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "orchestrator")
	logger.Info("stageflow starting", slog.String("version", version.String()))

	shutdownTracer, err := cfg.Tracing("orchestrator", "").Start(context.Background())
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	audit, closeAudit, err := openAudit(cfg, true, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	deps := orchestrator.Deps{
		Redis:     redisClient,
		Audit:     audit,
		Executors: orchestrator.NewExecutors(cfg),
	}
	if brokers := splitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		inbound := kafka.NewConsumer(brokers, kafka.TopicInbound, "stageflow-orchestrator", logger)
		defer func() { _ = inbound.Close() }()
		deps.Producer, deps.Inbound = producer, inbound
	}
	if cfg.DeployerURL != "" {
		deps.Deployer = canary.NewHTTPDeployer(cfg.DeployerURL, cfg.DeployerToken)
	}
	if cmd.Flags().Changed("pools") {
		pools, _ := cmd.Flags().GetStringSlice("pools")
		deps.Pools = make([]string, 0, len(pools))
		for _, p := range pools {
			if p != "" {
				deps.Pools = append(deps.Pools, p)
			}
		}
	}

	orch, err := orchestrator.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, orch, redisClient, audit, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		logger.Info("HTTP server starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(runCtx) }()

	select {
	case <-runCtx.Done():
		logger.Info("shutting down, draining worker pools...")
	case err := <-runErr:
		runErr <- err
		stop()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("orchestrator: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func newRouter(cfg config.Config, orch *orchestrator.Orchestrator, redisClient *goredis.Client, audit postgres.AuditRepository, logger *slog.Logger) http.Handler {
	queues := make(map[string]handler.Queue, len(orch.Queues()))
	for stage, q := range orch.Queues() {
		queues[stage] = q
	}
	deps := handler.Deps{
		Queues:              queues,
		Analyzer:            orch.Analyzer(),
		Planner:             orch.Planner(),
		Metrics:             orch.Hub(),
		CanaryStages:        cfg.CanaryStages,
		CanaryStageDuration: cfg.CanaryStageDuration,
		Ready:               func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if c := orch.Canary(); c != nil {
		deps.Deployments = c
	}
	if _, noop := audit.(postgres.NoopRepository); !noop {
		deps.History = audit
	}
	rest := handler.NewREST(deps, logger)

	var submit []func(http.Handler) http.Handler
	if cfg.RateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateLimitWindow)
		submit = append(submit, middleware.RateLimit(limiter, logger))
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws/metrics", stream.NewHandler(orch.Hub(), cfg.StreamIdleTimeout, logger))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(maxRequestBody))
		rest.Routes(r, submit...)
	})
	return r
}

// openAudit connects the Postgres audit trail when a DSN is configured and
// returns the no-op repository otherwise.
func openAudit(cfg config.Config, migrate bool, logger *slog.Logger) (postgres.AuditRepository, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Info("postgres_dsn not set, audit trail disabled")
		return postgres.NoopRepository{}, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
	}
	return postgres.NewRepository(pool), pool.Close, nil
}
