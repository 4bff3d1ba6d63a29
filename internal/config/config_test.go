package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHistoryWindow, cfg.HistoryWindow)
	assert.Equal(t, DefaultTravelSpeedCeiling, cfg.TravelSpeedCeiling)
	assert.Equal(t, DefaultFlagPercentile, cfg.FlagPercentile)
	assert.Equal(t, DefaultTopReasons, cfg.TopReasons)
	assert.Equal(t, int64(DefaultTrainingSeed), cfg.TrainingSeed)
	assert.Zero(t, cfg.RetrainInterval)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "HISTORY_WINDOW", "2h")
	setEnv(t, "TRAVEL_SPEED_CEILING_KMH", "1200")
	setEnv(t, "FLAG_PERCENTILE", "99")
	setEnv(t, "RETRAIN_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.HistoryWindow)
	assert.Equal(t, 1200.0, cfg.TravelSpeedCeiling)
	assert.Equal(t, 99.0, cfg.FlagPercentile)
	assert.Equal(t, 30*time.Minute, cfg.RetrainInterval)
}

func TestLoad_InvalidValueFallsBackToDefault(t *testing.T) {
	setEnv(t, "FOREST_TREES", "not_a_number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultForestTrees, cfg.ForestTrees)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "window shorter than feature windows",
			mutate:  func(c *Config) { c.HistoryWindow = time.Minute },
			wantErr: "HISTORY_WINDOW",
		},
		{
			name:    "zero travel ceiling",
			mutate:  func(c *Config) { c.TravelSpeedCeiling = 0 },
			wantErr: "TRAVEL_SPEED_CEILING_KMH",
		},
		{
			name:    "percentile out of range",
			mutate:  func(c *Config) { c.FlagPercentile = 101 },
			wantErr: "FLAG_PERCENTILE",
		},
		{
			name:    "zero reasons",
			mutate:  func(c *Config) { c.TopReasons = 0 },
			wantErr: "TOP_REASONS",
		},
		{
			name:    "degenerate forest",
			mutate:  func(c *Config) { c.ForestSample = 1 },
			wantErr: "FOREST_SAMPLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				HistoryWindow:      DefaultHistoryWindow,
				TravelSpeedCeiling: DefaultTravelSpeedCeiling,
				FlagPercentile:     DefaultFlagPercentile,
				TopReasons:         DefaultTopReasons,
				MinTrainingRows:    DefaultMinTrainingRows,
				ForestTrees:        DefaultForestTrees,
				ForestSample:       DefaultForestSample,
			}
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
