package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/federation"
	"github.com/cuemby/keel/pkg/interceptor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const sample = `
nodeId: manager-2
dataDir: /var/lib/keel
log:
  level: debug
  json: true
reconciler:
  interval: 250ms
  admissionRate: 50
  admissionBurst: 10
  actionTimeout: 30s
rateLimiters:
  - name: user
    capacity: 5
    initial: 2
    refillTokens: 1
    refillInterval: 10s
  - name: reconciler
    capacity: 100
    initial: 100
    refillTokens: 10
    refillInterval: 1s
redis:
  addr: 127.0.0.1:6379
  lockTTL: 30s
validation:
  maxLoadBalancersPerJob: 10
  capacityGroups:
    gpu:
      cpu: 32
      gpu: 8
      memoryMB: 245760
      diskMB: 500000
      networkMbps: 25000
cells:
  - name: cell-1
    address: cell-1.internal:7104
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "manager-2", cfg.NodeID)
	assert.Equal(t, "127.0.0.1:7946", cfg.BindAddr, "unset values keep their default")
	assert.Equal(t, 250*time.Millisecond, cfg.Reconciler.Interval)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.ActionTimeout)
	assert.Equal(t, 50.0, cfg.Reconciler.AdmissionRate)
	require.Len(t, cfg.RateLimiters, 2)
	assert.Equal(t, 10*time.Second, cfg.RateLimiters[0].RefillInterval)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "keel:", cfg.Redis.KeyPrefix)
	require.Len(t, cfg.Cells, 1)
	assert.Equal(t, "cell-1.internal:7104", cfg.Cells[0].Address)

	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.LoggerConfig())
	assert.Equal(t, 8, cfg.MaxContainerSize("gpu").GPU)
	assert.Equal(t, 64.0, cfg.MaxContainerSize("flex").CPU)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte("\n"), cfg))
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	err := Parse([]byte("nodeID: typo\n"), Default())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"zero interval", func(c *Config) { c.Reconciler.Interval = 0 }},
		{"negative admission rate", func(c *Config) { c.Reconciler.AdmissionRate = -1 }},
		{"rate without burst", func(c *Config) { c.Reconciler.AdmissionRate = 5; c.Reconciler.AdmissionBurst = 0 }},
		{"negative action timeout", func(c *Config) { c.Reconciler.ActionTimeout = -time.Second }},
		{"unnamed rate limiter", func(c *Config) { c.RateLimiters[0].Name = "" }},
		{"duplicate rate limiter", func(c *Config) { c.RateLimiters = append(c.RateLimiters, c.RateLimiters[0]) }},
		{"initial above capacity", func(c *Config) { c.RateLimiters[0].Initial = 11 }},
		{"redis without ttl", func(c *Config) { c.Redis.Addr = "x:6379"; c.Redis.LockTTL = 0 }},
		{"cell without address", func(c *Config) { c.Cells = append(c.Cells, cellWithoutAddress) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestBuildInterceptors(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), cfg))

	interceptors, err := cfg.BuildInterceptors(clk)
	require.NoError(t, err)
	require.Len(t, interceptors, 2)
	assert.Equal(t, "user", interceptors[0].Name())

	root := model.NewEntityHolder("job-1", nil)
	assert.Equal(t, int64(2), interceptors[0].ExecutionLimits(root))
	assert.Equal(t, int64(100), interceptors[1].ExecutionLimits(root))

	rl, ok := interceptors[0].(*interceptor.RateLimiter)
	require.True(t, ok)
	bucket, _ := rl.Bucket(root)
	assert.Equal(t, clk.Now(), bucket.LastRefill())
}

var cellWithoutAddress = federation.Cell{Name: "cell-2"}
