// Package config provides configuration management for posesync
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Session     SessionConfig     `mapstructure:"session"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Pose        PoseConfig        `mapstructure:"pose"`
	Mapping     MappingConfig     `mapstructure:"mapping"`
	Gesture     GestureConfig     `mapstructure:"gesture"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Avatar      AvatarConfig      `mapstructure:"avatar"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Voice       VoiceConfig       `mapstructure:"voice"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// SessionConfig identifies the local peer
type SessionConfig struct {
	UserID        string        `mapstructure:"user_id"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	EnableVideo   bool          `mapstructure:"enable_video"`
	EnableAudio   bool          `mapstructure:"enable_audio"`
	SendLocalPose bool          `mapstructure:"send_local_pose"`
}

// CaptureConfig configures the capture devices used by the CLI
type CaptureConfig struct {
	FramesDir  string        `mapstructure:"frames_dir"`
	FrameRate  float64       `mapstructure:"frame_rate"`
	AudioFile  string        `mapstructure:"audio_file"`
	AudioChunk time.Duration `mapstructure:"audio_chunk"`
}

// PoseConfig configures the pose estimation collaborator
type PoseConfig struct {
	EstimatorURL           string        `mapstructure:"estimator_url"`
	Timeout                time.Duration `mapstructure:"timeout"`
	ModelComplexity        int           `mapstructure:"model_complexity"`
	SmoothLandmarks        bool          `mapstructure:"smooth_landmarks"`
	MinDetectionConfidence float64       `mapstructure:"min_detection_confidence"`
	MinTrackingConfidence  float64       `mapstructure:"min_tracking_confidence"`
}

// MappingConfig configures the landmark-to-joint table
type MappingConfig struct {
	TablePath           string  `mapstructure:"table_path"` // empty uses the built-in table
	VisibilityThreshold float64 `mapstructure:"visibility_threshold"`
	WatchTable          bool    `mapstructure:"watch_table"`
}

// GestureConfig configures gesture recognition over landmark history
type GestureConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	HistoryLength int           `mapstructure:"history_length"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// CalibrationConfig configures the guided calibration sequence
type CalibrationConfig struct {
	StepDuration time.Duration `mapstructure:"step_duration"`
}

// AvatarConfig configures the avatar renderer
type AvatarConfig struct {
	ModelRef string  `mapstructure:"model_ref"` // file path or http(s) URL of a glTF/GLB model
	FPS      float64 `mapstructure:"fps"`
}

// ChannelConfig configures the sync channel
type ChannelConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MinBackoff   time.Duration `mapstructure:"min_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	OutboundSize int           `mapstructure:"outbound_size"`
	InboundSize  int           `mapstructure:"inbound_size"`
}

// VoiceConfig configures voice command capture
type VoiceConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	BitDepth   int    `mapstructure:"bit_depth"`
	Container  string `mapstructure:"container"` // raw or wav
}

// RelayConfig configures the relay server
type RelayConfig struct {
	Addr        string `mapstructure:"addr"`
	ClientQueue int    `mapstructure:"client_queue"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			UserID:        "default-user",
			StopTimeout:   5 * time.Second,
			EnableVideo:   true,
			EnableAudio:   true,
			SendLocalPose: true,
		},
		Capture: CaptureConfig{
			FrameRate:  15,
			AudioChunk: 100 * time.Millisecond,
		},
		Pose: PoseConfig{
			EstimatorURL:           "http://localhost:8090",
			Timeout:                2 * time.Second,
			ModelComplexity:        1,
			SmoothLandmarks:        true,
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
		},
		Mapping: MappingConfig{
			VisibilityThreshold: 0.5,
			WatchTable:          true,
		},
		Gesture: GestureConfig{
			Enabled:       true,
			HistoryLength: 30,
			Cooldown:      2 * time.Second,
		},
		Calibration: CalibrationConfig{
			StepDuration: 5 * time.Second,
		},
		Avatar: AvatarConfig{
			ModelRef: "assets/models/avatar.glb",
			FPS:      60,
		},
		Channel: ChannelConfig{
			ServerURL:    "ws://localhost:5000/ws",
			DialTimeout:  10 * time.Second,
			MinBackoff:   3 * time.Second,
			MaxBackoff:   60 * time.Second,
			OutboundSize: 64,
			InboundSize:  64,
		},
		Voice: VoiceConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
			Container:  "wav",
		},
		Relay: RelayConfig{
			Addr:        ":5000",
			ClientQueue: 64,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	var errs []error
	if c.Mapping.VisibilityThreshold < 0 || c.Mapping.VisibilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("mapping.visibility_threshold must be in [0,1], got %v", c.Mapping.VisibilityThreshold))
	}
	if c.Avatar.FPS <= 0 {
		errs = append(errs, fmt.Errorf("avatar.fps must be positive, got %v", c.Avatar.FPS))
	}
	if c.Channel.MinBackoff <= 0 || c.Channel.MaxBackoff < c.Channel.MinBackoff {
		errs = append(errs, fmt.Errorf("channel backoff must satisfy 0 < min <= max, got %v/%v", c.Channel.MinBackoff, c.Channel.MaxBackoff))
	}
	switch c.Voice.Container {
	case "raw", "wav":
	default:
		errs = append(errs, fmt.Errorf("voice.container must be raw or wav, got %q", c.Voice.Container))
	}
	return errors.Join(errs...)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".posesync"), nil
}

// Load reads configuration from ~/.posesync, the working directory and
// POSESYNC_* environment variables. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	if dir, err := GetConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return load(v)
}

// LoadFile reads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix("POSESYNC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML to ~/.posesync/config.yaml
func Save(cfg *Config) error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return SaveFile(cfg, filepath.Join(dir, "config.yaml"))
}

// SaveFile writes the configuration as YAML to path
func SaveFile(cfg *Config, path string) error {
	v := viper.New()
	setDefaults(v, cfg)
	return v.WriteConfigAs(path)
}
