package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcampipe/pipeline"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 640, s.Width)
	assert.Equal(t, 480, s.Height)
	assert.Equal(t, 30, s.TargetFPS)
	assert.Equal(t, "identity", s.Transform)
	assert.Equal(t, "info", s.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vcampipe.yaml", `
device_id: cam1
width: 1280
height: 720
target_fps: 24
transform: sepia
transform_params:
  intensity: 0.8
log_level: debug
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cam1", s.DeviceID)
	assert.Equal(t, 1280, s.Width)
	assert.Equal(t, 720, s.Height)
	assert.Equal(t, 24, s.TargetFPS)
	assert.Equal(t, "sepia", s.Transform)
	assert.Equal(t, "debug", s.LogLevel)
	require.Contains(t, s.TransformParams, "intensity")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VCAMPIPE_TARGET_FPS", "15")
	t.Setenv("VCAMPIPE_DEVICE_ID", "cam9")

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 15, s.TargetFPS)
	assert.Equal(t, "cam9", s.DeviceID)
}

func TestSidecarDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "VCAMPIPE_TARGET_FPS=20\n")
	path := writeFile(t, dir, "vcampipe.yaml", "device_id: cam2\n")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, s.TargetFPS)
	assert.Equal(t, "cam2", s.DeviceID)
}

func TestPipelineConfig(t *testing.T) {
	s := &Settings{
		DeviceID:       "cam0",
		Width:          640,
		Height:         480,
		TargetFPS:      30,
		QueueDepth:     8,
		CaptureTimeout: 250 * time.Millisecond,
		PublishTimeout: 100 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		Transform:      "identity",
	}

	cfg, err := s.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, "cam0", cfg.DeviceID)
	assert.InDelta(t, 1.0, cfg.FPSFactor, 1e-9)
	assert.Equal(t, 1, cfg.ScaleDivisor)
}

func TestPipelineConfigInvalid(t *testing.T) {
	s := &Settings{Width: 640}

	_, err := s.PipelineConfig()
	assert.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}
