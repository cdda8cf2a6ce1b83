package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/stageflow/internal/breaker"
	"github.com/ramiqadoumi/stageflow/internal/canary"
	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/router"
	"github.com/ramiqadoumi/stageflow/internal/stream"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
	"github.com/ramiqadoumi/stageflow/services/worker"
)

// Stage holds the per-stage overrides found under the stages key.
type Stage struct {
	Name          string        `mapstructure:"name"`
	ExecutorURL   string        `mapstructure:"executor_url"`
	ExecutorToken string        `mapstructure:"executor_token"`
	MinWorkers    int           `mapstructure:"min_workers"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

// Config holds typed configuration for the orchestrator and the standalone worker.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	MetricsAddr  string
	RedisAddr    string
	KafkaBrokers string
	PostgresDSN  string
	OTelEndpoint string
	OTelSampling float64

	// Queue
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	Visibility      time.Duration
	ReapSchedule    string
	CleanupSchedule string
	SampleSchedule  string

	// Pipeline
	PipelineStages []string
	FixStage       string
	VerifyAfterFix bool
	RouterLanes    int
	Stages         []Stage

	// Worker pool defaults, overridden per stage.
	MinWorkers    int
	MaxWorkers    int
	TaskTimeout   time.Duration
	ShutdownGrace time.Duration
	ScaleInterval time.Duration

	BreakerFailureThreshold float64
	BreakerMinRequests      uint32
	BreakerWindow           time.Duration
	BreakerCoolDown         time.Duration

	CanaryStages           []int
	CanaryStageDuration    time.Duration
	CanaryPollInterval     time.Duration
	CanaryLatencyThreshold time.Duration
	DeployerURL            string
	DeployerToken          string

	StreamBufferCapacity int
	StreamWindow         time.Duration
	StreamPingInterval   time.Duration
	StreamPongTimeout    time.Duration
	StreamIdleTimeout    time.Duration

	RateLimit       int
	RateLimitWindow time.Duration
}

// SetDefaults registers the defaults for every key that has no flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base", time.Second)
	v.SetDefault("retry_max", 5*time.Minute)
	v.SetDefault("visibility_timeout", 15*time.Minute)
	v.SetDefault("reap_schedule", "@every 1m")
	v.SetDefault("cleanup_schedule", "@every 1h")
	v.SetDefault("sample_schedule", "@every 10s")

	v.SetDefault("pipeline_stages", []string{"implement", "verify", "deploy"})
	v.SetDefault("fix_stage", "fix")
	v.SetDefault("verify_after_fix", false)
	v.SetDefault("router_lanes", 8)

	v.SetDefault("min_workers", 1)
	v.SetDefault("max_workers", 8)
	v.SetDefault("task_timeout", 5*time.Minute)
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("scale_interval", 5*time.Second)

	v.SetDefault("breaker_failure_threshold", 0.5)
	v.SetDefault("breaker_min_requests", 5)
	v.SetDefault("breaker_window", time.Minute)
	v.SetDefault("breaker_cool_down", 30*time.Second)

	v.SetDefault("canary_stages", []int{5, 25, 50, 100})
	v.SetDefault("canary_stage_duration", 10*time.Minute)
	v.SetDefault("canary_poll_interval", 30*time.Second)
	v.SetDefault("canary_latency_threshold", 500*time.Millisecond)

	v.SetDefault("stream_buffer_capacity", 1000)
	v.SetDefault("stream_window", 5*time.Minute)
	v.SetDefault("stream_ping_interval", 30*time.Second)
	v.SetDefault("stream_pong_timeout", 10*time.Second)
	v.SetDefault("stream_idle_timeout", 90*time.Second)

	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_limit_window", time.Minute)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		HTTPAddr:     v.GetString("http_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		OTelSampling: v.GetFloat64("otel_sample_ratio"),

		MaxRetries:      v.GetInt("max_retries"),
		RetryBase:       v.GetDuration("retry_base"),
		RetryMax:        v.GetDuration("retry_max"),
		Visibility:      v.GetDuration("visibility_timeout"),
		ReapSchedule:    v.GetString("reap_schedule"),
		CleanupSchedule: v.GetString("cleanup_schedule"),
		SampleSchedule:  v.GetString("sample_schedule"),

		PipelineStages: v.GetStringSlice("pipeline_stages"),
		FixStage:       v.GetString("fix_stage"),
		VerifyAfterFix: v.GetBool("verify_after_fix"),
		RouterLanes:    v.GetInt("router_lanes"),

		MinWorkers:    v.GetInt("min_workers"),
		MaxWorkers:    v.GetInt("max_workers"),
		TaskTimeout:   v.GetDuration("task_timeout"),
		ShutdownGrace: v.GetDuration("shutdown_grace"),
		ScaleInterval: v.GetDuration("scale_interval"),

		BreakerFailureThreshold: v.GetFloat64("breaker_failure_threshold"),
		BreakerMinRequests:      v.GetUint32("breaker_min_requests"),
		BreakerWindow:           v.GetDuration("breaker_window"),
		BreakerCoolDown:         v.GetDuration("breaker_cool_down"),

		CanaryStages:           v.GetIntSlice("canary_stages"),
		CanaryStageDuration:    v.GetDuration("canary_stage_duration"),
		CanaryPollInterval:     v.GetDuration("canary_poll_interval"),
		CanaryLatencyThreshold: v.GetDuration("canary_latency_threshold"),
		DeployerURL:            v.GetString("deployer_url"),
		DeployerToken:          v.GetString("deployer_token"),

		StreamBufferCapacity: v.GetInt("stream_buffer_capacity"),
		StreamWindow:         v.GetDuration("stream_window"),
		StreamPingInterval:   v.GetDuration("stream_ping_interval"),
		StreamPongTimeout:    v.GetDuration("stream_pong_timeout"),
		StreamIdleTimeout:    v.GetDuration("stream_idle_timeout"),

		RateLimit:       v.GetInt("rate_limit"),
		RateLimitWindow: v.GetDuration("rate_limit_window"),
	}
	if err := v.UnmarshalKey("stages", &cfg.Stages); err != nil {
		return cfg, fmt.Errorf("decode stages: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that span components. Component configs are
// validated again by their constructors.
func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return &domain.ConfigError{Field: "redis_addr", Reason: "required"}
	}
	if c.MaxRetries < 0 {
		return &domain.ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if c.Visibility <= 0 {
		return &domain.ConfigError{Field: "visibility_timeout", Reason: "must be positive"}
	}
	seen := map[string]bool{}
	for i, s := range c.Stages {
		if s.Name == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("stages[%d].name", i), Reason: "required"}
		}
		if seen[s.Name] {
			return &domain.ConfigError{Field: fmt.Sprintf("stages[%d].name", i), Reason: "duplicate stage " + s.Name}
		}
		seen[s.Name] = true
	}
	// A claim must outlive the slowest attempt, or the reaper hands the task
	// to a second worker while the first is still running it.
	for _, stage := range c.QueueStages() {
		pc := c.Pool(stage)
		if limit := pc.TaskTimeout + pc.ShutdownGrace; c.Visibility <= limit {
			return &domain.ConfigError{
				Field:  "visibility_timeout",
				Reason: fmt.Sprintf("%s must exceed task_timeout plus shutdown_grace (%s) for stage %s", c.Visibility, limit, stage),
			}
		}
	}
	if err := c.Router().Validate(); err != nil {
		return err
	}
	return c.Breaker().Validate()
}

// QueueStages returns every stage that needs a queue: the pipeline stages
// followed by the fix stage.
func (c Config) QueueStages() []string {
	out := append([]string(nil), c.PipelineStages...)
	for _, s := range out {
		if s == c.FixStage {
			return out
		}
	}
	return append(out, c.FixStage)
}

// Stage returns the overrides for name, if any.
func (c Config) Stage(name string) (Stage, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{Name: name}, false
}

// Router returns the router configuration.
func (c Config) Router() router.Config {
	rc := router.DefaultConfig()
	rc.Stages = c.PipelineStages
	rc.FixStage = c.FixStage
	rc.VerifyAfterFix = c.VerifyAfterFix
	if len(c.PipelineStages) > 0 {
		rc.DeployStage = c.PipelineStages[len(c.PipelineStages)-1]
	}
	if len(c.PipelineStages) > 1 {
		rc.VerifyStage = c.PipelineStages[len(c.PipelineStages)-2]
	}
	if c.RouterLanes > 0 {
		rc.Lanes = c.RouterLanes
	}
	return rc
}

// Pool returns the worker pool configuration for stage.
func (c Config) Pool(stage string) worker.Config {
	pc := worker.DefaultConfig(stage)
	pc.MinWorkers = c.MinWorkers
	pc.MaxWorkers = c.MaxWorkers
	if c.TaskTimeout > 0 {
		pc.TaskTimeout = c.TaskTimeout
	}
	if c.ShutdownGrace > 0 {
		pc.ShutdownGrace = c.ShutdownGrace
	}
	pc.ScaleInterval = c.ScaleInterval
	if s, ok := c.Stage(stage); ok {
		if s.MinWorkers > 0 {
			pc.MinWorkers = s.MinWorkers
		}
		if s.MaxWorkers > 0 {
			pc.MaxWorkers = s.MaxWorkers
		}
		if s.TaskTimeout > 0 {
			pc.TaskTimeout = s.TaskTimeout
		}
	}
	return pc
}

// Tracing returns the span export settings for a process of role. stage is
// empty for the orchestrator.
func (c Config) Tracing(role, stage string) telemetry.Tracing {
	return telemetry.Tracing{Role: role, Stage: stage, Endpoint: c.OTelEndpoint, SampleRatio: c.OTelSampling}
}

// Breaker returns the per-stage breaker configuration.
func (c Config) Breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.BreakerFailureThreshold,
		MinRequests:      c.BreakerMinRequests,
		Window:           c.BreakerWindow,
		CoolDown:         c.BreakerCoolDown,
	}
}

// Canary returns the canary controller configuration.
func (c Config) Canary() canary.Config {
	cc := canary.DefaultConfig()
	if c.CanaryPollInterval > 0 {
		cc.PollInterval = c.CanaryPollInterval
	}
	cc.LatencyThreshold = c.CanaryLatencyThreshold
	return cc
}

// Stream returns the metrics stream configuration.
func (c Config) Stream() stream.Config {
	sc := stream.DefaultConfig()
	if c.StreamBufferCapacity > 0 {
		sc.BufferCapacity = c.StreamBufferCapacity
	}
	if c.StreamWindow > 0 {
		sc.Window = c.StreamWindow
	}
	sc.PingInterval = c.StreamPingInterval
	if c.StreamPongTimeout > 0 {
		sc.PongTimeout = c.StreamPongTimeout
	}
	return sc
}
