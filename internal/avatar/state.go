// Package avatar holds the rendered avatar's joint state and drives the
// render loop.
package avatar

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/normanking/posesync/internal/mapping"
)

// Joint is one named node of the loaded avatar model
type Joint struct {
	Name string `json:"name"`
	Node int    `json:"node"`

	// Rest is the node's bind-pose orientation from the model file
	Rest mgl64.Quat `json:"-"`

	// Rotation is the last applied pose rotation
	Rotation mapping.Rotation `json:"rotation"`

	// Orientation is Rest composed with Rotation
	Orientation mgl64.Quat `json:"-"`
}

// State is a snapshot of the avatar. The renderer owns the live copy; every
// value handed out is independent of it.
type State struct {
	Model   string           `json:"model"`
	Joints  map[string]Joint `json:"joints"`
	Version uint64           `json:"version"` // bumped by every pose applied
	Loaded  bool             `json:"loaded"`
}

func (s *State) clone() State {
	out := *s
	out.Joints = make(map[string]Joint, len(s.Joints))
	for k, v := range s.Joints {
		out.Joints[k] = v
	}
	return out
}

// Stats counts renderer activity
type Stats struct {
	Applied int64 `json:"applied"` // pose commands applied
	Ignored int64 `json:"ignored"` // joint rotations naming joints the model lacks
	Frames  int64 `json:"frames"`  // frames drawn
}
