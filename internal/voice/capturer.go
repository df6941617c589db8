package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/capture"
	"github.com/rs/zerolog"
)

// State is the capturer's recording state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Format describes the PCM audio fed to the capturer
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// DefaultFormat is 16 kHz mono 16-bit, the format speech services expect
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// MimeType describes raw PCM in this format
func (f Format) MimeType() string {
	return fmt.Sprintf("audio/L%d;rate=%d;channels=%d", f.BitDepth, f.SampleRate, f.Channels)
}

// duration of n bytes of PCM, or zero if the format is incomplete
func (f Format) duration(n int) time.Duration {
	frame := f.Channels * f.BitDepth / 8
	if frame <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/frame) * time.Second / time.Duration(f.SampleRate)
}

// Clip is one finished recording: the chunks fed between Start and Stop,
// concatenated in order.
type Clip struct {
	Data      []byte        `json:"data"`
	Chunks    int           `json:"chunks"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	MimeType  string        `json:"mime_type"`
	Format    Format        `json:"format"`
}

// Sink receives finished clips
type Sink func(Clip)

// Capturer records audio chunks between Start and Stop
type Capturer struct {
	format   Format
	sink     Sink
	eventBus *bus.EventBus
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	chunks    [][]byte
	size      int
	startedAt time.Time
}

// NewCapturer creates an idle capturer that delivers clips to sink
func NewCapturer(format Format, sink Sink, eventBus *bus.EventBus, logger zerolog.Logger) *Capturer {
	return &Capturer{
		format:   format,
		sink:     sink,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "voice").Logger(),
		now:      time.Now,
		state:    StateIdle,
	}
}

// State returns the current state
func (c *Capturer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffered returns the bytes recorded so far in the running recording
func (c *Capturer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Start begins a recording. It reports false and changes nothing when a
// recording is already running.
func (c *Capturer) Start() bool {
	c.mu.Lock()
	if c.state == StateRecording {
		c.mu.Unlock()
		return false
	}
	c.state = StateRecording
	c.chunks = c.chunks[:0]
	c.size = 0
	c.startedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug().Msg("Voice recording started")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeVoiceStarted})
	}
	return true
}

// Feed appends a copy of chunk to the running recording. Chunks fed while
// idle are discarded.
func (c *Capturer) Feed(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRecording {
		return false
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	c.chunks = append(c.chunks, buf)
	c.size += len(buf)
	return true
}

// Stop ends the recording and hands exactly one clip to the sink. When idle
// it does nothing and reports false.
func (c *Capturer) Stop() (Clip, bool) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return Clip{}, false
	}

	data := make([]byte, 0, c.size)
	for _, chunk := range c.chunks {
		data = append(data, chunk...)
	}
	clip := Clip{
		Data:      data,
		Chunks:    len(c.chunks),
		StartedAt: c.startedAt,
		MimeType:  c.format.MimeType(),
		Format:    c.format,
	}
	clip.Duration = c.format.duration(len(data))
	if clip.Duration == 0 {
		clip.Duration = c.now().Sub(c.startedAt)
	}

	c.state = StateIdle
	c.chunks = nil
	c.size = 0
	c.mu.Unlock()

	c.logger.Info().
		Int("chunks", clip.Chunks).
		Int("bytes", len(clip.Data)).
		Dur("duration", clip.Duration).
		Msg("Voice recording finished")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeVoiceClip,
			Data: map[string]any{"chunks": clip.Chunks, "bytes": len(clip.Data), "duration_ms": clip.Duration.Milliseconds()},
		})
	}
	if c.sink != nil {
		c.sink(clip)
	}
	return clip, true
}

// Abort discards a running recording without emitting a clip
func (c *Capturer) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return false
	}
	c.state = StateIdle
	c.chunks = nil
	c.size = 0
	c.logger.Debug().Msg("Voice recording aborted")
	return true
}

// PacketReader yields audio packets; *capture.Handle satisfies it
type PacketReader interface {
	Read(ctx context.Context) (capture.Packet, error)
}

// Pump feeds audio packets from src in arrival order until the stream ends
// or ctx is cancelled. End of stream and cancellation are not errors.
func (c *Capturer) Pump(ctx context.Context, src PacketReader) error {
	for {
		p, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, capture.ErrReleased) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read audio: %w", err)
		}
		if p.Kind != capture.KindAudio {
			continue
		}
		c.Feed(p.Data)
	}
}
