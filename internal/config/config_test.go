package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.5, cfg.Mapping.VisibilityThreshold)
	assert.Equal(t, 1, cfg.Pose.ModelComplexity)
	assert.True(t, cfg.Pose.SmoothLandmarks)
	assert.Equal(t, 3*time.Second, cfg.Channel.MinBackoff)
	assert.Equal(t, 60*time.Second, cfg.Channel.MaxBackoff)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mapping.VisibilityThreshold = 1.5
	cfg.Avatar.FPS = 0
	cfg.Voice.Container = "ogg"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility_threshold")
	assert.Contains(t, err.Error(), "avatar.fps")
	assert.Contains(t, err.Error(), "voice.container")
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
mapping:
  visibility_threshold: 0.7
channel:
  server_url: ws://relay.local:5000/ws
  min_backoff: 1s
voice:
  container: raw
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Mapping.VisibilityThreshold)
	assert.Equal(t, "ws://relay.local:5000/ws", cfg.Channel.ServerURL)
	assert.Equal(t, time.Second, cfg.Channel.MinBackoff)
	assert.Equal(t, "raw", cfg.Voice.Container)
	// Untouched keys keep their defaults
	assert.Equal(t, 60.0, cfg.Avatar.FPS)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("avatar:\n  fps: 30\n"), 0644))
	t.Setenv("POSESYNC_AVATAR_FPS", "24")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 24.0, cfg.Avatar.FPS)
}

func TestLoadFile_InvalidValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("voice:\n  container: flac\n"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestSaveFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := DefaultConfig()
	cfg.Session.UserID = "alice"
	cfg.Avatar.ModelRef = "/models/robot.glb"

	require.NoError(t, SaveFile(cfg, path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Session.UserID)
	assert.Equal(t, "/models/robot.glb", loaded.Avatar.ModelRef)
}
