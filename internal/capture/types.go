// Package capture owns camera and microphone handles for a session.
package capture

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrReleased          = errors.New("capture handle released")
)

// Kind identifies the capture stream
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Packet is one video frame or one audio buffer. Packets are never mutated
// after a device produces them.
type Packet struct {
	Kind      Kind      `json:"kind"`
	Seq       uint64    `json:"seq"`
	Data      []byte    `json:"data"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Format    string    `json:"format"` // jpeg, png, pcm
	Timestamp time.Time `json:"timestamp"`
}

// Stream is a live, non-restartable sequence of packets. Read returns io.EOF
// once the device has no more data.
type Stream interface {
	Read(ctx context.Context) (Packet, error)
	Close() error
}

// Device grants access to camera and microphone streams. Open may prompt the
// user for consent.
type Device interface {
	Open(ctx context.Context, kind Kind) (Stream, error)
}
