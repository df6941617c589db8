package session

import (
	"time"

	"github.com/normanking/posesync/internal/avatar"
	"github.com/normanking/posesync/internal/calibration"
	"github.com/normanking/posesync/internal/capture"
	"github.com/normanking/posesync/internal/channel"
	"github.com/normanking/posesync/internal/pose"
	"github.com/normanking/posesync/internal/voice"
)

// Status is an operator view of a session
type Status struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Phase       Phase         `json:"phase"`
	Uptime      time.Duration `json:"uptime"`
	Video       string        `json:"video"`
	Audio       string        `json:"audio"`
	Scene       string        `json:"scene"`
	Channel     string        `json:"channel"`
	Voice       voice.State   `json:"voice"`
	VoiceBytes  int           `json:"voice_bytes"`
	LiveHandles int           `json:"live_handles"`
	Frames      int64         `json:"frames"`
	Poses       int64         `json:"poses"`
	LastGesture string        `json:"last_gesture,omitempty"`

	Calibration calibration.Instruction `json:"calibration"`

	Pose         pose.Stats    `json:"pose"`
	Avatar       avatar.Stats  `json:"avatar"`
	ChannelStats channel.Stats `json:"channel_stats"`
}

// Status reports the session's current state
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:     s.id,
		UserID: s.cfg.Session.UserID,
		Phase:  s.phase,
		Video:  streamStatus(s.video, s.source.Failure(capture.KindVideo), s.cfg.Session.EnableVideo),
		Audio:  streamStatus(s.audio, s.source.Failure(capture.KindAudio), s.cfg.Session.EnableAudio),
		Scene:  "loaded",
	}
	if s.phase == PhaseRunning {
		st.Uptime = time.Since(s.startedAt)
	}
	if s.sceneErr != nil {
		st.Scene = s.sceneErr.Error()
	} else if !s.renderer.Loaded() {
		st.Scene = "not loaded"
	}
	s.mu.Unlock()

	st.Channel = s.channel.State().String()
	st.Voice = s.voice.State()
	st.VoiceBytes = s.voice.Buffered()
	st.LiveHandles = s.source.Live()
	st.Frames = s.frames.Load()
	st.Poses = s.poses.Load()
	st.LastGesture, _ = s.lastGesture.Load().(string)
	st.Calibration = s.guide.Current()
	st.Pose = s.adapter.Stats()
	st.Avatar = s.renderer.Stats()
	st.ChannelStats = s.channel.Stats()
	return st
}

func streamStatus(h *capture.Handle, failure error, enabled bool) string {
	switch {
	case !enabled:
		return "disabled"
	case failure != nil:
		return failure.Error()
	case h == nil:
		return "not acquired"
	case h.Released():
		return "released"
	default:
		return "live"
	}
}
