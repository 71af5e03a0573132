package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/federation"
	"github.com/cuemby/keel/pkg/interceptor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/tokenbucket"
	"github.com/cuemby/keel/pkg/types"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the keel node configuration, read from a YAML file
type Config struct {
	NodeID      string `yaml:"nodeId"`
	BindAddr    string `yaml:"bindAddr"`
	DataDir     string `yaml:"dataDir"`
	MetricsAddr string `yaml:"metricsAddr"`

	Log          LogConfig           `yaml:"log"`
	Reconciler   ReconcilerConfig    `yaml:"reconciler"`
	RateLimiters []RateLimiterConfig `yaml:"rateLimiters"`
	Redis        RedisConfig         `yaml:"redis"`
	Validation   ValidationConfig    `yaml:"validation"`
	Cells        []federation.Cell   `yaml:"cells"`
}

// LogConfig selects the log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ReconcilerConfig holds the reconciler loop settings
type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AdmissionRate  float64       `yaml:"admissionRate"`
	AdmissionBurst int           `yaml:"admissionBurst"`
	ActionTimeout  time.Duration `yaml:"actionTimeout"`
}

// RateLimiterConfig defines one rate limiter interceptor and the bucket every
// root starts with
type RateLimiterConfig struct {
	Name           string        `yaml:"name"`
	Capacity       int64         `yaml:"capacity"`
	Initial        int64         `yaml:"initial"`
	RefillTokens   int64         `yaml:"refillTokens"`
	RefillInterval time.Duration `yaml:"refillInterval"`
}

// RedisConfig enables the Redis root lock when Addr is set
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

// ValidationConfig holds the admission limits
type ValidationConfig struct {
	MaxLoadBalancersPerJob int                      `yaml:"maxLoadBalancersPerJob"`
	MaxContainerSize       ContainerSize            `yaml:"maxContainerSize"`
	CapacityGroups         map[string]ContainerSize `yaml:"capacityGroups"`
}

// ContainerSize is the largest container a capacity group may request
type ContainerSize struct {
	CPU         float64 `yaml:"cpu"`
	GPU         int     `yaml:"gpu"`
	MemoryMB    int     `yaml:"memoryMB"`
	DiskMB      int     `yaml:"diskMB"`
	NetworkMbps int     `yaml:"networkMbps"`
}

// ResourceDimension converts the size to the domain type
func (s ContainerSize) ResourceDimension() types.ResourceDimension {
	return types.ResourceDimension{
		CPU:        s.CPU,
		GPU:        s.GPU,
		MemoryMB:   s.MemoryMB,
		DiskMB:     s.DiskMB,
		NetworkMbs: s.NetworkMbps,
	}
}

// Default returns the configuration used for every value the file leaves out
func Default() *Config {
	return &Config{
		NodeID:      "manager-1",
		BindAddr:    "127.0.0.1:7946",
		DataDir:     "./keel-data",
		MetricsAddr: "127.0.0.1:9090",
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Reconciler: ReconcilerConfig{
			Interval:       time.Second,
			AdmissionBurst: 1,
		},
		RateLimiters: []RateLimiterConfig{
			{
				Name:           "default",
				Capacity:       10,
				Initial:        10,
				RefillTokens:   1,
				RefillInterval: time.Second,
			},
		},
		Redis: RedisConfig{
			KeyPrefix: "keel:",
			LockTTL:   time.Minute,
		},
		Validation: ValidationConfig{
			MaxLoadBalancersPerJob: 30,
			MaxContainerSize: ContainerSize{
				CPU:         64,
				GPU:         16,
				MemoryMB:    512 * 1024,
				DiskMB:      1024 * 1024,
				NetworkMbps: 40000,
			},
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg and validates it. Unknown keys are
// rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for values the node cannot start with
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: nodeId is required", ErrInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: dataDir is required", ErrInvalid)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("%w: reconciler.interval must be positive", ErrInvalid)
	}
	if c.Reconciler.AdmissionRate < 0 {
		return fmt.Errorf("%w: reconciler.admissionRate must not be negative", ErrInvalid)
	}
	if c.Reconciler.AdmissionRate > 0 && c.Reconciler.AdmissionBurst < 1 {
		return fmt.Errorf("%w: reconciler.admissionBurst must be at least 1", ErrInvalid)
	}
	if c.Reconciler.ActionTimeout < 0 {
		return fmt.Errorf("%w: reconciler.actionTimeout must not be negative", ErrInvalid)
	}

	names := make(map[string]bool, len(c.RateLimiters))
	for i, rl := range c.RateLimiters {
		if rl.Name == "" {
			return fmt.Errorf("%w: rateLimiters[%d].name is required", ErrInvalid, i)
		}
		if names[rl.Name] {
			return fmt.Errorf("%w: duplicate rate limiter %q", ErrInvalid, rl.Name)
		}
		names[rl.Name] = true
		if _, err := rl.bucket(clock.RealClock{}); err != nil {
			return fmt.Errorf("%w: rate limiter %q: %v", ErrInvalid, rl.Name, err)
		}
	}

	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("%w: redis.lockTTL must be positive", ErrInvalid)
	}

	cells := make(map[string]bool, len(c.Cells))
	for i, cell := range c.Cells {
		if cell.Name == "" || cell.Address == "" {
			return fmt.Errorf("%w: cells[%d] needs a name and an address", ErrInvalid, i)
		}
		if cells[cell.Name] {
			return fmt.Errorf("%w: duplicate cell %q", ErrInvalid, cell.Name)
		}
		cells[cell.Name] = true
	}
	return nil
}

func (rl RateLimiterConfig) bucket(clk clock.PassiveClock) (tokenbucket.Bucket, error) {
	return tokenbucket.New(rl.Capacity, rl.Initial, tokenbucket.Refill{
		Tokens:   rl.RefillTokens,
		Interval: rl.RefillInterval,
	}, clk)
}

// BuildInterceptors creates the configured rate limiters in order, the first
// one outermost
func (c *Config) BuildInterceptors(clk clock.PassiveClock) ([]action.Interceptor, error) {
	interceptors := make([]action.Interceptor, 0, len(c.RateLimiters))
	for _, rl := range c.RateLimiters {
		bucket, err := rl.bucket(clk)
		if err != nil {
			return nil, fmt.Errorf("rate limiter %q: %w", rl.Name, err)
		}
		interceptors = append(interceptors, interceptor.NewRateLimiter(rl.Name, bucket))
	}
	return interceptors, nil
}

// MaxContainerSize resolves the container size limit of a capacity group,
// falling back to the global limit
func (c *Config) MaxContainerSize(capacityGroup string) types.ResourceDimension {
	if size, ok := c.Validation.CapacityGroups[capacityGroup]; ok {
		return size.ResourceDimension()
	}
	return c.Validation.MaxContainerSize.ResourceDimension()
}

// LoggerConfig converts the log settings for log.Init
func (c *Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
