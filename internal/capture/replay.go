package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DirDevice replays the image files of a directory, in name order, as a
// video stream paced at FPS. It has no microphone.
type DirDevice struct {
	Dir string
	FPS float64
}

// Open implements Device
func (d *DirDevice) Open(ctx context.Context, kind Kind) (Stream, error) {
	if kind != KindVideo {
		return nil, fmt.Errorf("directory replay has no %s: %w", kind, ErrDeviceUnavailable)
	}

	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", ErrDeviceUnavailable)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if format := imageFormat(e.Name()); format != "" {
			files = append(files, filepath.Join(d.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s: %w", d.Dir, ErrDeviceUnavailable)
	}
	sort.Strings(files)

	fps := d.FPS
	if fps <= 0 {
		fps = 15
	}
	return &dirStream{
		files:    files,
		interval: time.Duration(float64(time.Second) / fps),
		done:     make(chan struct{}),
	}, nil
}

func imageFormat(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	}
	return ""
}

type dirStream struct {
	files    []string
	interval time.Duration
	next     int
	last     time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (s *dirStream) Read(ctx context.Context) (Packet, error) {
	if s.next >= len(s.files) {
		return Packet{}, io.EOF
	}

	if !s.last.IsZero() {
		wait := time.Until(s.last.Add(s.interval))
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Packet{}, ctx.Err()
			case <-s.done:
				return Packet{}, io.EOF
			case <-timer.C:
			}
		}
	}

	path := s.files[s.next]
	data, err := os.ReadFile(path)
	if err != nil {
		return Packet{}, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	s.next++
	s.last = time.Now()

	return Packet{
		Kind:      KindVideo,
		Seq:       uint64(s.next),
		Data:      data,
		Format:    imageFormat(path),
		Timestamp: s.last,
	}, nil
}

func (s *dirStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// WAVDevice replays a WAV file as 16-bit little-endian PCM audio buffers of
// Chunk duration. With Realtime set, buffers are paced at wall-clock speed.
// It has no camera.
type WAVDevice struct {
	Path     string
	Chunk    time.Duration
	Realtime bool
}

// Open implements Device
func (d *WAVDevice) Open(ctx context.Context, kind Kind) (Stream, error) {
	if kind != KindAudio {
		return nil, fmt.Errorf("wav replay has no %s: %w", kind, ErrDeviceUnavailable)
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Path, ErrDeviceUnavailable)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("invalid wav %s: %w", d.Path, ErrDeviceUnavailable)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek pcm %s: %w", d.Path, ErrDeviceUnavailable)
	}

	chunk := d.Chunk
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	channels := int(dec.NumChans)
	if channels == 0 {
		channels = 1
	}
	samples := int(float64(dec.SampleRate)*chunk.Seconds()) * channels
	if samples <= 0 {
		samples = 1600 * channels
	}

	return &wavStream{
		file:     f,
		dec:      dec,
		bitDepth: int(dec.BitDepth),
		chunk:    chunk,
		realtime: d.Realtime,
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			Data:   make([]int, samples),
		},
		done: make(chan struct{}),
	}, nil
}

type wavStream struct {
	file     *os.File
	dec      *wav.Decoder
	bitDepth int
	chunk    time.Duration
	realtime bool
	buf      *audio.IntBuffer
	seq      uint64
	eof      bool
	last     time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (s *wavStream) Read(ctx context.Context) (Packet, error) {
	if s.eof {
		return Packet{}, io.EOF
	}
	if s.realtime && !s.last.IsZero() {
		if wait := time.Until(s.last.Add(s.chunk)); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Packet{}, ctx.Err()
			case <-s.done:
				return Packet{}, io.EOF
			case <-timer.C:
			}
		}
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Packet{}, fmt.Errorf("decode pcm: %w", err)
	}
	if n == 0 {
		s.eof = true
		return Packet{}, io.EOF
	}
	if err != nil {
		s.eof = true
	}

	s.seq++
	s.last = time.Now()
	return Packet{
		Kind:      KindAudio,
		Seq:       s.seq,
		Data:      pcm16(s.buf.Data[:n], s.bitDepth),
		Format:    "pcm",
		Timestamp: s.last,
	}, nil
}

func (s *wavStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.file.Close()
	})
	return err
}

// pcm16 converts decoded samples of any bit depth to 16-bit little-endian
func pcm16(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		switch bitDepth {
		case 8:
			v = (v - 128) << 8
		case 24:
			v >>= 8
		case 32:
			v >>= 16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// MultiDevice routes each kind to its own device
type MultiDevice map[Kind]Device

// Open implements Device
func (m MultiDevice) Open(ctx context.Context, kind Kind) (Stream, error) {
	d, ok := m[kind]
	if !ok || d == nil {
		return nil, fmt.Errorf("no %s device configured: %w", kind, ErrDeviceUnavailable)
	}
	return d.Open(ctx, kind)
}
