package config

import (
	"strings"

	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("session.user_id", cfg.Session.UserID)
	v.SetDefault("session.stop_timeout", cfg.Session.StopTimeout)
	v.SetDefault("session.enable_video", cfg.Session.EnableVideo)
	v.SetDefault("session.enable_audio", cfg.Session.EnableAudio)
	v.SetDefault("session.send_local_pose", cfg.Session.SendLocalPose)

	v.SetDefault("capture.frames_dir", cfg.Capture.FramesDir)
	v.SetDefault("capture.frame_rate", cfg.Capture.FrameRate)
	v.SetDefault("capture.audio_file", cfg.Capture.AudioFile)
	v.SetDefault("capture.audio_chunk", cfg.Capture.AudioChunk)

	v.SetDefault("pose.estimator_url", cfg.Pose.EstimatorURL)
	v.SetDefault("pose.timeout", cfg.Pose.Timeout)
	v.SetDefault("pose.model_complexity", cfg.Pose.ModelComplexity)
	v.SetDefault("pose.smooth_landmarks", cfg.Pose.SmoothLandmarks)
	v.SetDefault("pose.min_detection_confidence", cfg.Pose.MinDetectionConfidence)
	v.SetDefault("pose.min_tracking_confidence", cfg.Pose.MinTrackingConfidence)

	v.SetDefault("mapping.table_path", cfg.Mapping.TablePath)
	v.SetDefault("mapping.visibility_threshold", cfg.Mapping.VisibilityThreshold)
	v.SetDefault("mapping.watch_table", cfg.Mapping.WatchTable)

	v.SetDefault("gesture.enabled", cfg.Gesture.Enabled)
	v.SetDefault("gesture.history_length", cfg.Gesture.HistoryLength)
	v.SetDefault("gesture.cooldown", cfg.Gesture.Cooldown)

	v.SetDefault("calibration.step_duration", cfg.Calibration.StepDuration)

	v.SetDefault("avatar.model_ref", cfg.Avatar.ModelRef)
	v.SetDefault("avatar.fps", cfg.Avatar.FPS)

	v.SetDefault("channel.server_url", cfg.Channel.ServerURL)
	v.SetDefault("channel.dial_timeout", cfg.Channel.DialTimeout)
	v.SetDefault("channel.min_backoff", cfg.Channel.MinBackoff)
	v.SetDefault("channel.max_backoff", cfg.Channel.MaxBackoff)
	v.SetDefault("channel.outbound_size", cfg.Channel.OutboundSize)
	v.SetDefault("channel.inbound_size", cfg.Channel.InboundSize)

	v.SetDefault("voice.sample_rate", cfg.Voice.SampleRate)
	v.SetDefault("voice.channels", cfg.Voice.Channels)
	v.SetDefault("voice.bit_depth", cfg.Voice.BitDepth)
	v.SetDefault("voice.container", cfg.Voice.Container)

	v.SetDefault("relay.addr", cfg.Relay.Addr)
	v.SetDefault("relay.client_queue", cfg.Relay.ClientQueue)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
