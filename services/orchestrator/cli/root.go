package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/stageflow/services/orchestrator/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "stageflow",
	Short:        "StageFlow: staged task pipeline with canary rollouts",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/stageflow/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./stageflow.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	pf.String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables Kafka")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	pf.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("log_level", pf, "log-level")
	bindFlag("redis_addr", pf, "redis-addr")
	bindFlag("kafka_brokers", pf, "kafka-brokers")
	bindFlag("postgres_dsn", pf, "postgres-dsn")
	bindFlag("otel_endpoint", pf, "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newInitCmd("stageflow", defaultStageflowYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("stageflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.stageflow")
		viper.AddConfigPath("/etc/stageflow")
	}

	viper.SetEnvPrefix("stageflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
