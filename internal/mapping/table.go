// Package mapping converts pose landmarks into avatar joint rotations. The
// landmark-to-joint correspondence is data, loaded from a YAML table.
package mapping

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_table.yaml
var defaultTableYAML []byte

// AxisSource names the landmark coordinate that drives a rotation axis. The
// empty source leaves the axis at zero.
type AxisSource string

const (
	SourceNone AxisSource = ""
	SourceX    AxisSource = "x"
	SourceY    AxisSource = "y"
	SourceZ    AxisSource = "z"
)

func (s AxisSource) valid() bool {
	switch s {
	case SourceNone, SourceX, SourceY, SourceZ:
		return true
	}
	return false
}

// Binding drives one joint from one landmark
type Binding struct {
	Joint    string     `yaml:"joint"`
	Landmark int        `yaml:"landmark"`
	X        AxisSource `yaml:"x,omitempty"`
	Y        AxisSource `yaml:"y,omitempty"`
	Z        AxisSource `yaml:"z,omitempty"`
	Scale    float64    `yaml:"scale,omitempty"` // zero means 1
	Offset   float64    `yaml:"offset,omitempty"`
}

// Table is a complete landmark-to-joint mapping
type Table struct {
	Version  int       `yaml:"version"`
	Bindings []Binding `yaml:"bindings"`
}

// Joints returns the joint names in table order
func (t *Table) Joints() []string {
	out := make([]string, len(t.Bindings))
	for i, b := range t.Bindings {
		out[i] = b.Joint
	}
	return out
}

// Validate rejects tables that cannot be applied
func (t *Table) Validate() error {
	if len(t.Bindings) == 0 {
		return errors.New("table has no bindings")
	}

	var errs []error
	seen := make(map[string]bool, len(t.Bindings))
	for i, b := range t.Bindings {
		if b.Joint == "" {
			errs = append(errs, fmt.Errorf("binding %d: joint name is required", i))
		} else if seen[b.Joint] {
			errs = append(errs, fmt.Errorf("binding %d: duplicate joint %q", i, b.Joint))
		}
		seen[b.Joint] = true

		if b.Landmark < 0 {
			errs = append(errs, fmt.Errorf("binding %d (%s): negative landmark index %d", i, b.Joint, b.Landmark))
		}
		for _, s := range []AxisSource{b.X, b.Y, b.Z} {
			if !s.valid() {
				errs = append(errs, fmt.Errorf("binding %d (%s): unknown axis source %q", i, b.Joint, s))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseTable decodes and validates a YAML table
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table: %w", err)
	}
	return &t, nil
}

// LoadTable reads a YAML table from disk
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	return ParseTable(data)
}

// DefaultTable returns the built-in table: one joint per body landmark
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		// The embedded table is covered by tests
		panic(err)
	}
	return t
}

// Marshal encodes the table as YAML
func (t *Table) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}
