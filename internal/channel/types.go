// Package channel carries pose and voice events between a session and its
// remote peer over a persistent bidirectional connection.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event names on the wire
const (
	EventPoseData      = "pose_data"
	EventVoiceCommand  = "voice_command"
	EventAvatarUpdate  = "avatar_update"
	EventVoiceResponse = "voice_response"
)

// ErrClosed is returned by operations on a closed channel
var ErrClosed = errors.New("channel closed")

// State is the connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Envelope is one message on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// VoicePayload is the body of a voice_command event. Audio is base64 on the
// wire.
type VoicePayload struct {
	Audio      []byte  `json:"audio"`
	MimeType   string  `json:"mime_type"`
	DurationMs float64 `json:"duration_ms,omitempty"`
}

// Conn is one established connection. Read blocks until a message arrives
// or the connection fails; Close unblocks it.
type Conn interface {
	Write(Envelope) error
	Read() (Envelope, error)
	Close() error
}

// Transport establishes connections to the peer
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives the payload of one inbound event
type Handler func(data json.RawMessage)

// Config configures a Channel
type Config struct {
	MinBackoff   time.Duration // first reconnect delay
	MaxBackoff   time.Duration // reconnect delay cap
	OutboundSize int           // pending outbound messages before new ones drop
	InboundSize  int           // pending inbound messages per event kind
}

// DefaultConfig returns the reconnect policy of the desktop client
func DefaultConfig() Config {
	return Config{
		MinBackoff:   3 * time.Second,
		MaxBackoff:   60 * time.Second,
		OutboundSize: 64,
		InboundSize:  64,
	}
}

// Stats counts channel traffic
type Stats struct {
	Sent           int64 `json:"sent"`
	Dropped        int64 `json:"dropped"`         // outbound messages discarded
	Received       int64 `json:"received"`        // inbound messages delivered to a queue
	InboundDropped int64 `json:"inbound_dropped"` // inbound messages discarded
	Reconnects     int64 `json:"reconnects"`
}
