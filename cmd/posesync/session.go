package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/normanking/posesync/internal/avatar"
	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/capture"
	"github.com/normanking/posesync/internal/channel"
	"github.com/normanking/posesync/internal/logging"
	"github.com/normanking/posesync/internal/pose"
	"github.com/normanking/posesync/internal/session"
	"github.com/spf13/cobra"
)

type sessionFlags struct {
	server      string
	frames      string
	audio       string
	model       string
	estimator   string
	table       string
	user        string
	ingest      string
	calibrate   bool
	voiceDelay  time.Duration
	voiceWindow time.Duration
	duration    time.Duration
}

func (a *app) sessionCmd() *cobra.Command {
	f := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a capture session against a relay",
		Long: `Run one session: replay frames from a directory through the pose estimator,
drive the avatar from the result and mirror it to the relay. With --audio, a
WAV file stands in for the microphone and --voice-window seconds of it are
sent as a voice command. With --ingest, frames and audio are pushed over
HTTP instead (POST /frame and POST /audio).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.applySessionFlags(cmd, f)
			return a.runSession(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "", "relay websocket URL")
	cmd.Flags().StringVar(&f.frames, "frames", "", "directory of frames to replay as the camera")
	cmd.Flags().StringVar(&f.audio, "audio", "", "WAV file to replay as the microphone")
	cmd.Flags().StringVar(&f.model, "model", "", "glTF/GLB avatar file or URL")
	cmd.Flags().StringVar(&f.estimator, "estimator", "", "pose estimation service URL")
	cmd.Flags().StringVar(&f.table, "table", "", "joint table YAML (default built-in)")
	cmd.Flags().StringVar(&f.user, "user", "", "user id announced to the relay")
	cmd.Flags().StringVar(&f.ingest, "ingest", "", "listen address for pushed frames and audio; replaces --frames and --audio")
	cmd.Flags().BoolVar(&f.calibrate, "calibrate", false, "run the guided calibration once the session starts")
	cmd.Flags().DurationVar(&f.voiceDelay, "voice-delay", time.Second, "wait before recording a voice command")
	cmd.Flags().DurationVar(&f.voiceWindow, "voice-window", 0, "length of the voice command to record; 0 disables")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	return cmd
}

// applySessionFlags overrides configuration with the flags that were set
func (a *app) applySessionFlags(cmd *cobra.Command, f *sessionFlags) {
	set := cmd.Flags().Changed
	if set("server") {
		a.cfg.Channel.ServerURL = f.server
	}
	if set("frames") {
		a.cfg.Capture.FramesDir = f.frames
	}
	if set("audio") {
		a.cfg.Capture.AudioFile = f.audio
	}
	if set("model") {
		a.cfg.Avatar.ModelRef = f.model
	}
	if set("estimator") {
		a.cfg.Pose.EstimatorURL = f.estimator
	}
	if set("table") {
		a.cfg.Mapping.TablePath = f.table
	}
	if set("user") {
		a.cfg.Session.UserID = f.user
	}
}

// report is what a finished session prints
type report struct {
	Status     session.Status     `json:"status"`
	LogFile    string             `json:"log_file,omitempty"`
	RecentLogs []logging.LogEntry `json:"recent_logs"`
}

func (a *app) runSession(parent context.Context, f *sessionFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := a.cfg
	logger := a.syslog.Zerolog()

	var device capture.Device
	var ingest *http.Server
	if f.ingest != "" {
		push := capture.NewPushDevice(0, logger)
		device = push
		ingest = &http.Server{Addr: f.ingest, Handler: capture.IngestHandler(push), ReadHeaderTimeout: 10 * time.Second}
	} else {
		replay := capture.MultiDevice{}
		if cfg.Capture.FramesDir != "" {
			replay[capture.KindVideo] = &capture.DirDevice{Dir: cfg.Capture.FramesDir, FPS: cfg.Capture.FrameRate}
		}
		if cfg.Capture.AudioFile != "" {
			replay[capture.KindAudio] = &capture.WAVDevice{Path: cfg.Capture.AudioFile, Chunk: cfg.Capture.AudioChunk, Realtime: true}
		}
		device = replay
	}

	estimator, err := pose.NewHTTPEstimator(pose.HTTPEstimatorConfig{
		BaseURL: cfg.Pose.EstimatorURL,
		Timeout: cfg.Pose.Timeout,
		Options: pose.Options{
			ModelComplexity:        cfg.Pose.ModelComplexity,
			SmoothLandmarks:        cfg.Pose.SmoothLandmarks,
			MinDetectionConfidence: cfg.Pose.MinDetectionConfidence,
			MinTrackingConfidence:  cfg.Pose.MinTrackingConfidence,
		},
	}, logger)
	if err != nil {
		return err
	}
	transport, err := channel.NewWSTransport(cfg.Channel.ServerURL, cfg.Channel.DialTimeout, logger)
	if err != nil {
		return err
	}
	if cfg.Session.UserID != "" {
		transport.Header = http.Header{channel.UserHeader: []string{cfg.Session.UserID}}
	}

	eventBus := bus.NewEventBus()
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeGestureDetected,
		bus.EventTypeCaptureFailed,
		bus.EventTypeSceneLoadFailed,
		bus.EventTypeCalibrationStep,
	}, func(e bus.Event) {
		a.syslog.Info("session", string(e.Type), e.Data)
	})
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeChannelState,
		bus.EventTypeCaptureAcquired,
		bus.EventTypeCaptureReleased,
		bus.EventTypeSceneLoaded,
	}, func(e bus.Event) {
		a.syslog.Debug("session", string(e.Type), e.Data)
	})

	sess, err := session.New(cfg, session.Deps{
		Device:    device,
		Estimator: estimator,
		Transport: transport,
		Drawer:    &avatar.LogDrawer{Logger: a.syslog.Component("drawer"), Every: 60},
	}, eventBus, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	if err := estimator.CheckHealth(ctx); err != nil {
		a.syslog.Warn("session", "Pose estimator not healthy; frames will fail until it is", map[string]interface{}{"error": err.Error()})
	}

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if ingest != nil {
		go func() {
			a.syslog.Info("ingest", "Accepting pushed frames and audio", map[string]interface{}{"addr": f.ingest})
			if err := ingest.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.syslog.Error("ingest", "Ingest server failed", err, nil)
			}
		}()
	}
	if f.calibrate {
		sess.StartCalibration()
	}
	if f.voiceWindow > 0 {
		go recordVoice(ctx, sess, f.voiceDelay, f.voiceWindow)
	}

	<-ctx.Done()
	if ingest != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ingest.Shutdown(shutdownCtx)
		cancel()
	}
	stopErr := sess.Stop()
	if stopErr != nil {
		a.syslog.Error("session", "Session stopped with errors", stopErr, nil)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report{
		Status:     sess.Status(),
		LogFile:    a.syslog.GetLogPath(),
		RecentLogs: a.syslog.GetHistory(20),
	}); err != nil {
		return err
	}
	return stopErr
}

func recordVoice(ctx context.Context, sess *session.Session, delay, window time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if !sess.StartVoice() {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(window):
		sess.StopVoice()
	}
}
