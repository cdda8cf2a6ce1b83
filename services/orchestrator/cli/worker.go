package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/kafka"
	redisstore "github.com/ramiqadoumi/stageflow/internal/redis"
	"github.com/ramiqadoumi/stageflow/internal/router"
	"github.com/ramiqadoumi/stageflow/internal/version"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
	"github.com/ramiqadoumi/stageflow/services/orchestrator"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/config"
	"github.com/ramiqadoumi/stageflow/services/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker pool for one stage",
	Long: `Drain one stage queue outside the orchestrator process. Outcomes are
published to the inbound Kafka topic, where the orchestrator routes them.
Run the orchestrator with --pools excluding this stage.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("stage", "", "stage queue to drain (required)")
	workerCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	_ = workerCmd.MarkFlagRequired("stage")

	bindFlag("metrics_addr", workerCmd.Flags(), "metrics-addr")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	stage, _ := cmd.Flags().GetString("stage")
	if !slices.Contains(cfg.QueueStages(), stage) {
		return &domain.ConfigError{Field: "stage", Reason: "unknown stage " + stage}
	}
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return errors.New("stageflow worker reports outcomes over Kafka: kafka_brokers is required")
	}

	logger := buildLogger(cfg.LogLevel, "worker").With(slog.String("stage", stage))

	shutdownTracer, err := cfg.Tracing("worker", stage).Start(context.Background())
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	audit, closeAudit, err := openAudit(cfg, false, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	pool, err := worker.NewPool(cfg.Pool(stage),
		orchestrator.NewQueue(redisClient, stage, cfg, logger),
		orchestrator.NewExecutors(cfg),
		worker.WithLogger(logger),
		worker.WithGuard(orchestrator.NewBreaker(stage, cfg, logger, nil)),
		worker.WithOutcomeHandler(&outcomeReporter{
			events:   kafka.NewEventPublisher(producer, kafka.TopicInbound),
			fixStage: cfg.FixStage,
		}),
		worker.WithAuditor(audit),
	)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	logger.Info("worker starting",
		slog.String("version", version.String()),
		slog.Int("max_workers", cfg.Pool(stage).MaxWorkers),
		slog.String("topic", kafka.TopicInbound),
	)
	if err := pool.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}

type eventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// outcomeReporter turns pool outcomes into events for a remote router.
type outcomeReporter struct {
	events   eventPublisher
	fixStage string
}

func (r *outcomeReporter) Observe(ctx context.Context, o domain.Outcome) error {
	ev, ok := router.EventFor(o, r.fixStage)
	if !ok {
		return nil
	}
	return r.events.Publish(ctx, ev)
}
