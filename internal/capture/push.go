package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type permission int

const (
	permGranted permission = iota
	permDenied
	permUnplugged
)

// PushDevice receives frames and audio from a host that owns the real
// hardware, such as a browser page or a desktop shell. The host pushes
// base64 payloads; the session reads them as ordinary streams.
type PushDevice struct {
	logger zerolog.Logger
	buffer int

	mu      sync.Mutex
	perms   map[Kind]permission
	streams map[Kind]*pushStream
	opens   map[Kind]int

	dropped atomic.Int64
}

// NewPushDevice creates a push device with both kinds granted. buffer bounds
// the packets queued per stream; pushes beyond it are dropped.
func NewPushDevice(buffer int, logger zerolog.Logger) *PushDevice {
	if buffer <= 0 {
		buffer = 32
	}
	return &PushDevice{
		logger:  logger.With().Str("component", "push-device").Logger(),
		buffer:  buffer,
		perms:   map[Kind]permission{KindVideo: permGranted, KindAudio: permGranted},
		streams: make(map[Kind]*pushStream),
		opens:   make(map[Kind]int),
	}
}

// Grant allows the kind to be opened
func (d *PushDevice) Grant(kind Kind) { d.setPerm(kind, permGranted) }

// Deny makes Open fail with ErrPermissionDenied
func (d *PushDevice) Deny(kind Kind) { d.setPerm(kind, permDenied) }

// Unplug makes Open fail with ErrDeviceUnavailable
func (d *PushDevice) Unplug(kind Kind) { d.setPerm(kind, permUnplugged) }

func (d *PushDevice) setPerm(kind Kind, p permission) {
	d.mu.Lock()
	d.perms[kind] = p
	d.mu.Unlock()
}

// Opens returns how many times kind was requested, including failures
func (d *PushDevice) Opens(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[kind]
}

// Dropped returns the number of pushes discarded because no stream was open
// or the stream buffer was full
func (d *PushDevice) Dropped() int64 {
	return d.dropped.Load()
}

// Pending returns the packets queued on the open stream of kind and not yet read
func (d *PushDevice) Pending(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.streams[kind]; s != nil {
		return len(s.packets)
	}
	return 0
}

// Open implements Device
func (d *PushDevice) Open(ctx context.Context, kind Kind) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens[kind]++
	switch d.perms[kind] {
	case permDenied:
		return nil, fmt.Errorf("%s: %w", kind, ErrPermissionDenied)
	case permUnplugged:
		return nil, fmt.Errorf("%s: %w", kind, ErrDeviceUnavailable)
	}
	if _, busy := d.streams[kind]; busy {
		return nil, fmt.Errorf("%s already in use: %w", kind, ErrDeviceUnavailable)
	}

	s := &pushStream{
		device:  d,
		kind:    kind,
		packets: make(chan Packet, d.buffer),
		done:    make(chan struct{}),
	}
	d.streams[kind] = s
	return s, nil
}

// PushVideo decodes a base64 image and queues it as a video frame
func (d *PushDevice) PushVideo(imageBase64 string, width, height int) error {
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	d.Push(Packet{Kind: KindVideo, Data: data, Width: width, Height: height, Format: "jpeg"})
	return nil
}

// PushAudio decodes base64 PCM and queues it as an audio buffer
func (d *PushDevice) PushAudio(audioBase64 string) error {
	data, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	d.Push(Packet{Kind: KindAudio, Data: data, Format: "pcm"})
	return nil
}

// Push queues a raw packet on the stream of its kind. Returns false when the
// packet was dropped.
func (d *PushDevice) Push(p Packet) bool {
	d.mu.Lock()
	s := d.streams[p.Kind]
	d.mu.Unlock()

	if s == nil || !s.offer(p) {
		d.dropped.Add(1)
		d.logger.Debug().Str("kind", string(p.Kind)).Msg("Push dropped")
		return false
	}
	return true
}

func (d *PushDevice) detach(s *pushStream) {
	d.mu.Lock()
	if d.streams[s.kind] == s {
		delete(d.streams, s.kind)
	}
	d.mu.Unlock()
}

type pushStream struct {
	device  *PushDevice
	kind    Kind
	packets chan Packet
	seq     atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *pushStream) offer(p Packet) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	p.Seq = s.seq.Add(1)
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	select {
	case s.packets <- p:
		return true
	default:
		return false
	}
}

func (s *pushStream) Read(ctx context.Context) (Packet, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case <-s.done:
		return Packet{}, io.EOF
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (s *pushStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.device.detach(s)
	})
	return nil
}
