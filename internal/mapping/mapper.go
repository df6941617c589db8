package mapping

import (
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/normanking/posesync/internal/pose"
)

// DefaultVisibilityThreshold is the minimum landmark visibility that still
// drives a joint
const DefaultVisibilityThreshold = 0.5

// Rotation is a joint rotation in radians, applied in X, Y, Z order
type Rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat converts the rotation to a unit quaternion
func (r Rotation) Quat() mgl64.Quat {
	return mgl64.AnglesToQuat(r.X, r.Y, r.Z, mgl64.XYZ)
}

// PoseCommand maps joint names to rotations
type PoseCommand map[string]Rotation

// Map derives a pose command from a landmark set. Joints whose landmark is
// missing or less visible than threshold are omitted. Map is deterministic
// and has no side effects.
func Map(table *Table, threshold float64, set pose.LandmarkSet) PoseCommand {
	cmd := make(PoseCommand, len(table.Bindings))
	for _, b := range table.Bindings {
		if b.Landmark >= len(set) {
			continue
		}
		lm := set[b.Landmark]
		// NaN visibility fails this comparison too
		if !(lm.Visibility >= threshold) {
			continue
		}
		cmd[b.Joint] = Rotation{
			X: b.axis(b.X, lm),
			Y: b.axis(b.Y, lm),
			Z: b.axis(b.Z, lm),
		}
	}
	return cmd
}

func (b Binding) axis(src AxisSource, lm pose.Landmark) float64 {
	var v float64
	switch src {
	case SourceX:
		v = lm.X
	case SourceY:
		v = lm.Y
	case SourceZ:
		v = lm.Z
	default:
		return 0
	}
	scale := b.Scale
	if scale == 0 {
		scale = 1
	}
	out := (v - b.Offset) * scale
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0
	}
	return out
}

// Mapper applies the current table. The table can be swapped while frames
// are being mapped; each call sees one complete table.
type Mapper struct {
	table     atomic.Pointer[Table]
	threshold float64
}

// NewMapper creates a mapper. A nil table selects DefaultTable and a
// negative or NaN threshold selects DefaultVisibilityThreshold. A zero
// threshold accepts every landmark with a known visibility.
func NewMapper(table *Table, threshold float64) *Mapper {
	if table == nil {
		table = DefaultTable()
	}
	if threshold < 0 || math.IsNaN(threshold) {
		threshold = DefaultVisibilityThreshold
	}
	m := &Mapper{threshold: threshold}
	m.table.Store(table)
	return m
}

// Map maps set with the current table
func (m *Mapper) Map(set pose.LandmarkSet) PoseCommand {
	return Map(m.table.Load(), m.threshold, set)
}

// Table returns the current table
func (m *Mapper) Table() *Table {
	return m.table.Load()
}

// SetTable swaps the table after validating it
func (m *Mapper) SetTable(t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.table.Store(t)
	return nil
}

// Threshold returns the visibility threshold
func (m *Mapper) Threshold() float64 {
	return m.threshold
}
