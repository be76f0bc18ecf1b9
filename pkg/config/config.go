package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/pkg/types"
)

// Config is the process-wide configuration for a Loom server
type Config struct {
	// Listen address for the HTTP API, worker channel and event stream
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the bbolt database
	DataDir string `yaml:"data_dir"`

	// Worker liveness
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatLossWindow time.Duration `yaml:"heartbeat_loss_window"`

	// Scheduling
	MaxSubtasksPerWorker int           `yaml:"max_subtasks_per_worker"`
	SubtaskTimeout       time.Duration `yaml:"subtask_timeout"`
	DispatchAckTimeout   time.Duration `yaml:"dispatch_ack_timeout"`

	// Retry policy for transient subtask failures
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	// Evaluation
	EvaluatorWeights map[string]float64 `yaml:"evaluator_weights"`
	EvaluatorTimeout time.Duration      `yaml:"evaluator_timeout"`

	// Checkpoints and peer review
	CheckpointFrequencyDefault types.CheckpointFrequency `yaml:"checkpoint_frequency_default"`
	PeerReviewMaxCycles        int                       `yaml:"peer_review_max_cycles"`
	AutoFixScoreFloor          float64                   `yaml:"auto_fix_score_floor"`

	// Decomposition
	LLMTimeout time.Duration `yaml:"llm_decomposition_timeout"`
	LLMModel   string        `yaml:"llm_model"`

	// Event bus
	EventReplaySize int `yaml:"event_bus_replay_size"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration with all documented defaults applied
func Default() *Config {
	return &Config{
		ListenAddr:                 ":8420",
		DataDir:                    "/var/lib/loom",
		HeartbeatInterval:          30 * time.Second,
		HeartbeatLossWindow:        120 * time.Second,
		MaxSubtasksPerWorker:       3,
		SubtaskTimeout:             600 * time.Second,
		DispatchAckTimeout:         5 * time.Second,
		RetryBaseDelay:             10 * time.Second,
		RetryMaxDelay:              60 * time.Second,
		RetryMaxAttempts:           3,
		EvaluatorWeights:           map[string]float64{"completeness": 0.4, "code_quality": 0.4, "test_coverage": 0.2},
		EvaluatorTimeout:           30 * time.Second,
		CheckpointFrequencyDefault: types.CheckpointFrequencyMedium,
		PeerReviewMaxCycles:        3,
		AutoFixScoreFloor:          6,
		LLMTimeout:                 10 * time.Second,
		LLMModel:                   "claude-sonnet-4-5",
		EventReplaySize:            256,
		LogLevel:                   "info",
	}
}

// Load reads a YAML config file, applies defaults for unset fields and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.HeartbeatLossWindow == 0 {
		c.HeartbeatLossWindow = 2 * c.HeartbeatInterval
	}
	// The loss window never goes below 60s so a single dropped heartbeat
	// cannot offline a healthy worker.
	if c.HeartbeatLossWindow < 60*time.Second {
		c.HeartbeatLossWindow = 60 * time.Second
	}
	if c.MaxSubtasksPerWorker <= 0 {
		return fmt.Errorf("max_subtasks_per_worker must be positive")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must not be negative")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays invalid: base=%v max=%v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if err := ValidateWeights(c.EvaluatorWeights); err != nil {
		return err
	}
	switch c.CheckpointFrequencyDefault {
	case types.CheckpointFrequencyLow, types.CheckpointFrequencyMedium, types.CheckpointFrequencyHigh:
	default:
		return fmt.Errorf("unknown checkpoint frequency %q", c.CheckpointFrequencyDefault)
	}
	if c.PeerReviewMaxCycles <= 0 {
		return fmt.Errorf("peer_review_max_cycles must be positive")
	}
	if c.AutoFixScoreFloor < 0 || c.AutoFixScoreFloor > 10 {
		return fmt.Errorf("auto_fix_score_floor must be in [0,10]")
	}
	if c.EventReplaySize <= 0 {
		return fmt.Errorf("event_bus_replay_size must be positive")
	}
	return nil
}

// WeightTolerance bounds how far evaluator weights may drift from summing to 1
const WeightTolerance = 1e-9

// ValidateWeights rejects weight maps that do not sum to 1
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("evaluator_weights must not be empty")
	}
	var sum float64
	for dim, w := range weights {
		if w < 0 {
			return fmt.Errorf("evaluator weight for %s must not be negative", dim)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("evaluator weights must sum to 1, got %v", sum)
	}
	return nil
}
