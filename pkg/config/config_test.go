package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatLossWindow)
	assert.Equal(t, 3, cfg.MaxSubtasksPerWorker)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 3, cfg.PeerReviewMaxCycles)
	assert.Equal(t, 6.0, cfg.AutoFixScoreFloor)
	assert.Equal(t, 10*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 256, cfg.EventReplaySize)
}

func TestLossWindowDerivedFromInterval(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatInterval = 90 * time.Second
	cfg.HeartbeatLossWindow = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 180*time.Second, cfg.HeartbeatLossWindow)
}

func TestLossWindowFloor(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatInterval = 5 * time.Second
	cfg.HeartbeatLossWindow = 10 * time.Second

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.HeartbeatLossWindow)
}

func TestValidateWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
		wantErr bool
	}{
		{"sums to one", map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}, false},
		{"single dimension", map[string]float64{"a": 1}, false},
		{"off by a little", map[string]float64{"a": 0.5, "b": 0.4}, true},
		{"off by rounding only", map[string]float64{"a": 0.1, "b": 0.2, "c": 0.3, "d": 0.4}, false},
		{"negative weight", map[string]float64{"a": 1.5, "b": -0.5}, true},
		{"empty", map[string]float64{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWeights(tt.weights)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	content := `
listen_addr: ":9000"
heartbeat_interval: 15s
peer_review_max_cycles: 5
evaluator_weights:
  completeness: 0.5
  code_quality: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.PeerReviewMaxCycles)
	// Unset fields keep their defaults
	assert.Equal(t, 600*time.Second, cfg.SubtaskTimeout)
}

func TestLoadRejectsBadWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	content := `
evaluator_weights:
  completeness: 0.9
  code_quality: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
