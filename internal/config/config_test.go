package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFromDir(t, "")
	require.NoError(t, err)

	assert.Equal(t, "policyd", cfg.App.Name)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.HalvingInterval)
	assert.Equal(t, 0.75, cfg.Automation.MinConfidence)
	assert.Equal(t, uint(5), cfg.Automation.MaxAPYChangesPerHour)
	assert.Equal(t, 24*time.Hour, cfg.Automation.HalvingCooldown)
	assert.Equal(t, uint64(500), cfg.Chain.MinRate)
	assert.Equal(t, uint64(5000), cfg.Chain.MaxRate)
	assert.Equal(t, 3, cfg.Chain.MaxAttempts)
	assert.Equal(t, 0.8, cfg.Halving.ConfidenceThreshold)
	assert.Equal(t, 5*time.Minute, cfg.ML.CacheTTL)
	assert.Contains(t, cfg.NATS.Forward, "BLOCKCHAIN_APY_UPDATED")
}

func TestLoadFileAndEnv(t *testing.T) {
	yaml := `
automation:
  min_confidence: 0.9
  halving_cooldown: 12h
chain:
  backoff: 500ms
nats:
  forward: SYSTEM_ANNOUNCEMENT,BLOCKCHAIN_HALVING_EXECUTED
`
	t.Setenv("POLICYD_ML_API_KEY", "from-env")
	cfg, err := loadFromDir(t, yaml)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Automation.MinConfidence)
	assert.Equal(t, 12*time.Hour, cfg.Automation.HalvingCooldown)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.Backoff)
	assert.Equal(t, []string{"SYSTEM_ANNOUNCEMENT", "BLOCKCHAIN_HALVING_EXECUTED"}, cfg.NATS.Forward)
	assert.Equal(t, "from-env", cfg.ML.APIKey)
}

func TestValidate(t *testing.T) {
	base, err := loadFromDir(t, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"confidence above one", func(c *Config) { c.Automation.MinConfidence = 1.5 }},
		{"zero hourly cap", func(c *Config) { c.Automation.MaxAPYChangesPerHour = 0 }},
		{"inverted rate bounds", func(c *Config) { c.Chain.MinRate = 6000 }},
		{"no attempts", func(c *Config) { c.Chain.MaxAttempts = 0 }},
		{"telegram without token", func(c *Config) { c.Alerting.Telegram.Enabled = true }},
		{"metrics without addr", func(c *Config) { c.Metrics.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	assert.Equal(t, 10, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 3, cfg.ResolveMaxPoints(3))
}

func loadFromDir(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return Load(path)
}
