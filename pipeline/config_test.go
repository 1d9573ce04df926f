package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceID = "cam0"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults with device id",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing device id",
			mutate:  func(c *Config) { c.DeviceID = "" },
			wantErr: true,
		},
		{
			name:    "zero width",
			mutate:  func(c *Config) { c.Width = 0 },
			wantErr: true,
		},
		{
			name:    "negative height",
			mutate:  func(c *Config) { c.Height = -1 },
			wantErr: true,
		},
		{
			name:    "zero target fps",
			mutate:  func(c *Config) { c.TargetFPS = 0 },
			wantErr: true,
		},
		{
			name:    "zero queue depth",
			mutate:  func(c *Config) { c.QueueDepth = 0 },
			wantErr: true,
		},
		{
			name:    "zero capture timeout",
			mutate:  func(c *Config) { c.CaptureTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.GracePeriod = 0 },
			wantErr: true,
		},
		{
			name:    "empty transform id",
			mutate:  func(c *Config) { c.TransformID = "" },
			wantErr: true,
		},
		{
			name:    "fps factor above one",
			mutate:  func(c *Config) { c.FPSFactor = 1.5 },
			wantErr: true,
		},
		{
			name:    "negative frame skip",
			mutate:  func(c *Config) { c.FrameSkip = -1 },
			wantErr: true,
		},
		{
			name:    "scale divisor zero",
			mutate:  func(c *Config) { c.ScaleDivisor = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigEffectiveFPS(t *testing.T) {
	cfg := validConfig()
	cfg.TargetFPS = 30

	cfg.FPSFactor = 1.0
	assert.InDelta(t, 30.0, cfg.EffectiveFPS(), 1e-9)

	cfg.FPSFactor = 0.5
	assert.InDelta(t, 15.0, cfg.EffectiveFPS(), 1e-9)
}

func TestStoreLoadReturnsCopy(t *testing.T) {
	store := NewStore(validConfig())

	cfg := store.Load()
	cfg.TargetFPS = 999

	require.Equal(t, 30, store.Load().TargetFPS, "mutating a loaded copy must not touch the store")
}

func TestStoreUpdateVisibleToLoad(t *testing.T) {
	store := NewStore(validConfig())

	store.Update(func(c *Config) {
		c.FrameSkip = 2
		c.FPSFactor = 0.75
	})

	got := store.Load()
	assert.Equal(t, 2, got.FrameSkip)
	assert.InDelta(t, 0.75, got.FPSFactor, 1e-9)
}
