package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

const sampleYAML = `
redis_addr: "localhost:6379"
pipeline_stages: [implement, verify, deploy]
fix_stage: fix
verify_after_fix: true
task_timeout: 2m
stages:
  - name: implement
    executor_url: http://codegen:8000/run
    max_workers: 16
    task_timeout: 10m
  - name: verify
    min_workers: 2
`

func load(t *testing.T, doc string) (Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return Load(v)
}

func TestLoad_File(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxRetries, "default applies")
	assert.Equal(t, []string{"implement", "verify", "deploy", "fix"}, cfg.QueueStages())
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, "http://codegen:8000/run", cfg.Stages[0].ExecutorURL)

	impl := cfg.Pool("implement")
	assert.Equal(t, 16, impl.MaxWorkers)
	assert.Equal(t, 10*time.Minute, impl.TaskTimeout)
	assert.Equal(t, 1, impl.MinWorkers)

	verify := cfg.Pool("verify")
	assert.Equal(t, 2, verify.MinWorkers)
	assert.Equal(t, 2*time.Minute, verify.TaskTimeout)

	rc := cfg.Router()
	assert.Equal(t, "deploy", rc.DeployStage)
	assert.Equal(t, "verify", rc.VerifyStage)
	assert.True(t, rc.VerifyAfterFix)

	assert.NoError(t, cfg.Breaker().Validate())
	assert.NoError(t, cfg.Canary().Validate())
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"no redis":         `pipeline_stages: [implement]`,
		"negative retry":   "redis_addr: x\nmax_retries: -1",
		"no stages":        "redis_addr: x\npipeline_stages: []",
		"duplicate stage":  "redis_addr: x\nstages: [{name: a}, {name: a}]",
		"bad breaker":      "redis_addr: x\nbreaker_failure_threshold: 2",
		"short visibility": "redis_addr: x\nvisibility_timeout: 5m\ntask_timeout: 5m",
		"stage override":   "redis_addr: x\nvisibility_timeout: 10m\nstages: [{name: verify, task_timeout: 10m}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, doc)
			var cfgErr *domain.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestQueueStages_FixAlreadyInPipeline(t *testing.T) {
	cfg := Config{PipelineStages: []string{"implement", "fix", "deploy"}, FixStage: "fix"}
	assert.Equal(t, []string{"implement", "fix", "deploy"}, cfg.QueueStages())
}

func TestTracing_FromConfig(t *testing.T) {
	cfg, err := load(t, "redis_addr: x\notel_endpoint: collector:4318\notel_sample_ratio: 0.2")
	require.NoError(t, err)

	tr := cfg.Tracing("worker", "verify")
	assert.Equal(t, "stageflow-worker-verify", tr.ServiceName())
	assert.Equal(t, "collector:4318", tr.Endpoint)
	assert.InDelta(t, 0.2, tr.SampleRatio, 1e-9)
}
