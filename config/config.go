// Package config loads pipeline settings from a config file, a sidecar
// .env file, and VCAMPIPE_-prefixed environment variables, in increasing
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/vcampipe/pipeline"
)

// envPrefix namespaces the environment variable overrides, so
// VCAMPIPE_TARGET_FPS=24 overrides the target_fps key.
const envPrefix = "VCAMPIPE"

// dotEnvFileName is the sidecar environment file loaded from the config
// file's directory before viper reads anything.
const dotEnvFileName = ".env"

// Settings is the file-level configuration surface. It covers the
// pipeline parameters plus process-level concerns like log verbosity.
type Settings struct {
	DeviceID        string                 `mapstructure:"device_id"`
	Width           int                    `mapstructure:"width"`
	Height          int                    `mapstructure:"height"`
	TargetFPS       int                    `mapstructure:"target_fps"`
	QueueDepth      int                    `mapstructure:"queue_depth"`
	CaptureTimeout  time.Duration          `mapstructure:"capture_timeout"`
	PublishTimeout  time.Duration          `mapstructure:"publish_timeout"`
	GracePeriod     time.Duration          `mapstructure:"grace_period"`
	Transform       string                 `mapstructure:"transform"`
	TransformParams map[string]interface{} `mapstructure:"transform_params"`
	LogLevel        string                 `mapstructure:"log_level"`
}

// Load reads settings from the given config file path. An empty path
// loads defaults plus environment overrides only; a missing file at an
// explicit path is an error.
func Load(path string) (*Settings, error) {
	if path != "" {
		if err := loadDotEnvIfExists(path); err != nil {
			return nil, fmt.Errorf("loading sidecar env file: %w", err)
		}
	}

	vp := viper.New()
	setDefaults(vp)

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := vp.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"config_file": path,
		"device_id":   s.DeviceID,
		"target_fps":  s.TargetFPS,
	}).Info("Settings loaded")

	return &s, nil
}

// loadDotEnvIfExists loads a .env file sitting next to the config file,
// if present. Missing sidecar files are not an error.
func loadDotEnvIfExists(configPath string) error {
	dotEnv := filepath.Join(filepath.Dir(configPath), dotEnvFileName)
	if _, err := os.Stat(dotEnv); err != nil {
		return nil
	}
	return godotenv.Load(dotEnv)
}

func setDefaults(vp *viper.Viper) {
	def := pipeline.DefaultConfig()
	// Every key needs a default so environment overrides bind during
	// Unmarshal, device_id included.
	vp.SetDefault("device_id", "")
	vp.SetDefault("width", def.Width)
	vp.SetDefault("height", def.Height)
	vp.SetDefault("target_fps", def.TargetFPS)
	vp.SetDefault("queue_depth", def.QueueDepth)
	vp.SetDefault("capture_timeout", def.CaptureTimeout)
	vp.SetDefault("publish_timeout", def.PublishTimeout)
	vp.SetDefault("grace_period", def.GracePeriod)
	vp.SetDefault("transform", def.TransformID)
	vp.SetDefault("log_level", "info")
}

// PipelineConfig converts the settings into a validated pipeline
// configuration. Runtime knobs start at full quality; the adaptive
// controller owns them once the pipeline runs.
func (s *Settings) PipelineConfig() (pipeline.Config, error) {
	cfg := pipeline.Config{
		DeviceID:        s.DeviceID,
		Width:           s.Width,
		Height:          s.Height,
		TargetFPS:       s.TargetFPS,
		QueueDepth:      s.QueueDepth,
		CaptureTimeout:  s.CaptureTimeout,
		PublishTimeout:  s.PublishTimeout,
		GracePeriod:     s.GracePeriod,
		TransformID:     s.Transform,
		TransformParams: s.TransformParams,
		FPSFactor:       1.0,
		ScaleDivisor:    1,
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

// ApplyLogLevel configures the global logger from the settings. Unknown
// levels fall back to info rather than failing startup.
func (s *Settings) ApplyLogLevel() {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "ApplyLogLevel",
			"log_level": s.LogLevel,
		}).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
