// Package session wires capture, pose estimation, joint mapping, rendering,
// voice capture and the sync channel into one start/stop lifetime.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/posesync/internal/avatar"
	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/calibration"
	"github.com/normanking/posesync/internal/capture"
	"github.com/normanking/posesync/internal/channel"
	"github.com/normanking/posesync/internal/config"
	"github.com/normanking/posesync/internal/gesture"
	"github.com/normanking/posesync/internal/mapping"
	"github.com/normanking/posesync/internal/pose"
	"github.com/normanking/posesync/internal/voice"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Phase is the session lifecycle phase
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// Deps are the collaborators a session drives
type Deps struct {
	Device    capture.Device
	Estimator pose.Estimator
	Transport channel.Transport

	// Drawer presents rendered frames; nil only counts them
	Drawer avatar.Drawer

	// Table overrides the configured joint table; an injected table is
	// never hot-reloaded
	Table *mapping.Table

	// OnVoiceResponse receives voice_response payloads from the peer
	OnVoiceResponse func(json.RawMessage)
}

// Session is one end-to-end lifetime of capture, mapping, rendering and
// sync. All state hangs off the Session value.
type Session struct {
	id       string
	cfg      *config.Config
	eventBus *bus.EventBus
	base     zerolog.Logger // carries the session id
	logger   zerolog.Logger

	source   *capture.Source
	adapter  *pose.Adapter
	mapper   *mapping.Mapper
	renderer *avatar.Renderer
	channel  *channel.Channel
	voice    *voice.Capturer
	gestures *gesture.Recognizer
	guide    *calibration.Guide

	tableFile string // watched for edits when the table came from a file

	onVoiceResponse func(json.RawMessage)

	mu        sync.Mutex
	phase     Phase
	startedAt time.Time
	cancel    context.CancelFunc
	watcher   *mapping.Watcher
	video     *capture.Handle
	audio     *capture.Handle
	sceneErr  error
	loops     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error

	frames      atomic.Int64
	poses       atomic.Int64
	lastGesture atomic.Value // string
}

// New builds a session from configuration and collaborators
func New(cfg *config.Config, deps Deps, eventBus *bus.EventBus, logger zerolog.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Device == nil || deps.Estimator == nil || deps.Transport == nil {
		return nil, errors.New("session requires a device, an estimator and a transport")
	}
	if eventBus == nil {
		eventBus = bus.NewEventBus()
	}

	table, tableFile := deps.Table, ""
	if table == nil && cfg.Mapping.TablePath != "" {
		t, err := mapping.LoadTable(cfg.Mapping.TablePath)
		if err != nil {
			return nil, fmt.Errorf("load joint table: %w", err)
		}
		table, tableFile = t, cfg.Mapping.TablePath
	}

	id := uuid.NewString()
	logger = logger.With().Str("session", id).Str("user", cfg.Session.UserID).Logger()

	s := &Session{
		id:              id,
		cfg:             cfg,
		eventBus:        eventBus,
		base:            logger,
		logger:          logger.With().Str("component", "session").Logger(),
		source:          capture.NewSource(deps.Device, eventBus, logger),
		adapter:         pose.NewAdapter(deps.Estimator, eventBus, logger),
		mapper:          mapping.NewMapper(table, cfg.Mapping.VisibilityThreshold),
		renderer:        avatar.NewRenderer(avatar.Config{FPS: int(math.Round(cfg.Avatar.FPS))}, deps.Drawer, eventBus, logger),
		guide:           calibration.NewGuide(calibration.Config{StepDuration: cfg.Calibration.StepDuration}),
		tableFile:       tableFile,
		onVoiceResponse: deps.OnVoiceResponse,
		phase:           PhaseIdle,
	}
	s.channel = channel.New(deps.Transport, channel.Config{
		MinBackoff:   cfg.Channel.MinBackoff,
		MaxBackoff:   cfg.Channel.MaxBackoff,
		OutboundSize: cfg.Channel.OutboundSize,
		InboundSize:  cfg.Channel.InboundSize,
	}, eventBus, logger)
	s.voice = voice.NewCapturer(voice.Format{
		SampleRate: cfg.Voice.SampleRate,
		Channels:   cfg.Voice.Channels,
		BitDepth:   cfg.Voice.BitDepth,
	}, s.sendClip, eventBus, logger)
	if cfg.Gesture.Enabled {
		s.gestures = gesture.NewRecognizer(gesture.Config{
			HistoryLength: cfg.Gesture.HistoryLength,
			Cooldown:      cfg.Gesture.Cooldown,
		})
	}
	s.lastGesture.Store("")

	s.channel.Handle(channel.EventAvatarUpdate, s.onAvatarUpdate)
	s.channel.Handle(channel.EventVoiceResponse, s.onVoiceResponseEvent)
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// EventBus returns the bus the session publishes on
func (s *Session) EventBus() *bus.EventBus { return s.eventBus }

// Start acquires devices, loads the avatar model and starts every loop.
// A device or model failure disables only the part that depends on it and
// is reported through Status. Start fails only when the session cannot run
// at all, and then holds no device handles.
//
// ctx bounds startup only. The loops keep running after it is done, until
// Stop is called.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseRunning:
		return ErrAlreadyStarted
	case PhaseStopped:
		return ErrStopped
	}

	defer func() {
		if err != nil {
			if relErr := s.source.ReleaseAll(); relErr != nil {
				err = errors.Join(err, relErr)
			}
			s.video, s.audio = nil, nil
		}
	}()

	if s.cfg.Session.EnableVideo {
		if h, err := s.source.Acquire(ctx, capture.KindVideo); err == nil {
			s.video = h
		} else {
			s.logger.Warn().Err(err).Msg("Camera unavailable, pose capture disabled")
		}
	}
	if s.cfg.Session.EnableAudio {
		if h, err := s.source.Acquire(ctx, capture.KindAudio); err == nil {
			s.audio = h
		} else {
			s.logger.Warn().Err(err).Msg("Microphone unavailable, voice commands disabled")
		}
	}

	if err := s.renderer.LoadScene(ctx, s.cfg.Avatar.ModelRef); err != nil {
		s.sceneErr = err
		s.logger.Warn().Err(err).Msg("Avatar model unavailable, rendering disabled")
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if s.cfg.Mapping.WatchTable && s.tableFile != "" {
		w, err := mapping.NewWatcher(s.tableFile, s.mapper, s.base, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Joint table hot reload disabled")
		} else {
			s.watcher = w
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.goLoop("channel", func() error { return s.channel.Run(runCtx) })
	if s.video != nil {
		video := s.video
		s.goLoop("detection", func() error { return s.detect(runCtx, video) })
	}
	if s.sceneErr == nil {
		s.goLoop("render", func() error { return s.renderer.Run(runCtx) })
	}
	if s.audio != nil {
		audio := s.audio
		s.goLoop("voice", func() error { return s.voice.Pump(runCtx, audio) })
	}

	s.phase = PhaseRunning
	s.startedAt = time.Now()
	s.logger.Info().
		Bool("video", s.video != nil).
		Bool("audio", s.audio != nil).
		Bool("scene", s.sceneErr == nil).
		Msg("Session started")
	s.eventBus.Publish(bus.Event{Type: bus.EventTypeSessionStarted, Data: map[string]any{"session": s.id}})
	return nil
}

func (s *Session) goLoop(name string, fn func() error) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		if err := fn(); err != nil {
			s.logger.Error().Err(err).Str("loop", name).Msg("Session loop failed")
		}
	}()
}

// detect reads frames and hands each one to a single pose worker. A frame
// that arrives while the worker is estimating is dropped, so estimation
// never queues and poses are applied and sent in frame order.
func (s *Session) detect(ctx context.Context, video *capture.Handle) error {
	work := make(chan capture.Packet)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range work {
			s.handleFrame(ctx, frame)
		}
	}()
	defer func() {
		close(work)
		<-done
	}()

	for {
		frame, err := video.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, capture.ErrReleased) || ctx.Err() != nil {
				s.logger.Debug().Msg("Video stream ended")
				return nil
			}
			return fmt.Errorf("read video: %w", err)
		}
		s.frames.Add(1)

		select {
		case work <- frame:
		default:
			s.adapter.Drop(frame)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame capture.Packet) {
	set, ok := s.adapter.OnFrame(ctx, frame)
	if !ok {
		return
	}

	cmd := s.mapper.Map(set)
	s.renderer.ApplyPose(cmd)
	s.poses.Add(1)
	if s.cfg.Session.SendLocalPose {
		s.channel.SendPose(cmd)
	}

	if inst, changed := s.guide.Update(set); changed {
		s.publishCalibration(inst)
	}

	if s.gestures == nil {
		return
	}
	if name := s.gestures.Observe(set); name != "" {
		s.lastGesture.Store(name)
		s.logger.Info().Str("gesture", name).Msg("Gesture detected")
		s.eventBus.Publish(bus.Event{Type: bus.EventTypeGestureDetected, Data: map[string]any{"gesture": name}})
	}
}

func (s *Session) onAvatarUpdate(data json.RawMessage) {
	var cmd mapping.PoseCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring malformed avatar update")
		return
	}
	s.renderer.ApplyPose(cmd)
}

func (s *Session) onVoiceResponseEvent(data json.RawMessage) {
	s.logger.Info().RawJSON("response", data).Msg("Voice response received")
	s.eventBus.Publish(bus.Event{Type: bus.EventTypeVoiceResponse, Data: map[string]any{"response": string(data)}})
	if s.onVoiceResponse != nil {
		s.onVoiceResponse(data)
	}
}

// StartCalibration starts the guided calibration sequence. Steps advance
// as poses are detected. It reports false when the session is not running.
func (s *Session) StartCalibration() (calibration.Instruction, bool) {
	if s.Phase() != PhaseRunning {
		return s.guide.Current(), false
	}
	inst := s.guide.Start()
	s.publishCalibration(inst)
	return inst, true
}

func (s *Session) publishCalibration(inst calibration.Instruction) {
	s.logger.Info().Str("step", string(inst.Step)).Msg("Calibration step")
	s.eventBus.Publish(bus.Event{Type: bus.EventTypeCalibrationStep, Data: map[string]any{
		"step":  string(inst.Step),
		"title": inst.Title,
		"text":  inst.Text,
	}})
}

// StartVoice begins recording a voice command. It reports false when a
// recording is already running or the session is not running.
func (s *Session) StartVoice() bool {
	if s.Phase() != PhaseRunning {
		return false
	}
	return s.voice.Start()
}

// StopVoice finishes the recording and sends it to the peer. It reports
// false when nothing was being recorded.
func (s *Session) StopVoice() (voice.Clip, bool) {
	return s.voice.Stop()
}

// sendClip is the capturer's sink
func (s *Session) sendClip(clip voice.Clip) {
	data, mime := clip.Data, clip.MimeType
	if s.cfg.Voice.Container == "wav" {
		wav, err := clip.WAV()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Sending voice clip as raw PCM")
		} else {
			data, mime = wav, voice.MimeTypeWAV
		}
	}
	s.channel.SendVoice(data, mime, clip.Duration)
}

// Stop ends the session: loops are cancelled and awaited, every device
// handle is released and the channel is closed. session.stopped handlers
// have run by the time it returns. Later calls return the first call's
// result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Session) stop() error {
	s.mu.Lock()
	wasRunning := s.phase == PhaseRunning
	s.phase = PhaseStopped
	cancel := s.cancel
	watcher := s.watcher
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	s.renderer.Stop()
	s.voice.Abort()

	timeout := s.cfg.Session.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !waitTimeout(&s.loops, timeout) {
		errs = append(errs, fmt.Errorf("session loops did not stop within %s", timeout))
	}

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close table watcher: %w", err))
		}
	}
	if err := s.source.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release devices: %w", err))
	}
	if err := s.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	err := errors.Join(errs...)
	if wasRunning {
		if err != nil {
			s.logger.Error().Err(err).Msg("Session stopped with errors")
		} else {
			s.logger.Info().Msg("Session stopped")
		}
		s.eventBus.PublishSync(bus.Event{Type: bus.EventTypeSessionStopped, Data: map[string]any{"session": s.id}})
	}
	return err
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Phase returns the lifecycle phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Renderer exposes the avatar renderer
func (s *Session) Renderer() *avatar.Renderer { return s.renderer }

// Mapper exposes the joint mapper
func (s *Session) Mapper() *mapping.Mapper { return s.mapper }
