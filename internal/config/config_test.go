package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultAssessorModel, cfg.AssessorModel)
	assert.Equal(t, DefaultAssessorTimeout, cfg.AssessorTimeout)
	assert.Equal(t, DefaultAssessorRetries, cfg.AssessorMaxRetries)
	assert.Equal(t, DefaultVerificationWindow, cfg.VerificationWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultScoringWorkers, cfg.ScoringWorkers)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("VERIFICATION_WINDOW", "48h")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SCORING_WORKERS", "8")
	t.Setenv("ASSESSOR_URL", "https://assessor.example.com")
	t.Setenv("ASSESSOR_API_KEY", "secret")
	t.Setenv("ASSESSOR_RPM", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 48*time.Hour, cfg.VerificationWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.ScoringWorkers)
	assert.Equal(t, "https://assessor.example.com", cfg.AssessorURL)
	assert.Equal(t, 120, cfg.AssessorRPM)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SCORING_WORKERS", "not-a-number")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultScoringWorkers, cfg.ScoringWorkers)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			VerificationWindow: DefaultVerificationWindow,
			ScoringWorkers:     DefaultScoringWorkers,
			AssessorMaxRetries: DefaultAssessorRetries,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"assessor url without key", func(c *Config) { c.AssessorURL = "https://a.example.com" }, "ASSESSOR_API_KEY"},
		{"zero window", func(c *Config) { c.VerificationWindow = 0 }, "VERIFICATION_WINDOW"},
		{"zero workers", func(c *Config) { c.ScoringWorkers = 0 }, "SCORING_WORKERS"},
		{"zero retries", func(c *Config) { c.AssessorMaxRetries = 0 }, "ASSESSOR_MAX_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
