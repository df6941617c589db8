package mapping

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/normanking/posesync/internal/pose"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullSet(visibility float64) pose.LandmarkSet {
	set := make(pose.LandmarkSet, pose.LandmarkCount)
	for i := range set {
		set[i] = pose.Landmark{X: 0.5, Y: 0.5, Visibility: visibility}
	}
	return set
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	require.Len(t, table.Bindings, pose.LandmarkCount)
	for i, b := range table.Bindings {
		assert.Equal(t, i, b.Landmark)
		assert.Equal(t, pose.LandmarkNames[i], b.Joint)
		assert.Equal(t, SourceY, b.X)
		assert.Equal(t, SourceX, b.Y)
	}
}

func TestMap_OmitsLowVisibilityJoint(t *testing.T) {
	set := fullSet(0.9)
	set[0] = pose.Landmark{X: 0.4, Y: 0.6, Visibility: 0.9}
	set[1] = pose.Landmark{X: 0.5, Y: 0.5, Visibility: 0.1}

	cmd := Map(DefaultTable(), DefaultVisibilityThreshold, set)

	assert.Len(t, cmd, pose.LandmarkCount-1)
	assert.NotContains(t, cmd, "left_eye_inner")
	assert.Equal(t, Rotation{X: 0.6, Y: 0.4}, cmd["nose"])
	for i := 2; i < pose.LandmarkCount; i++ {
		assert.Contains(t, cmd, pose.LandmarkNames[i])
	}
}

func TestMap_EveryJointWhenAllVisible(t *testing.T) {
	// The threshold itself counts as visible
	cmd := Map(DefaultTable(), 0.5, fullSet(0.5))
	assert.Len(t, cmd, pose.LandmarkCount)
}

func TestMap_PartialSetFailsSoftly(t *testing.T) {
	cmd := Map(DefaultTable(), 0.5, fullSet(1)[:5])
	assert.Len(t, cmd, 5)

	assert.Empty(t, Map(DefaultTable(), 0.5, nil))
}

func TestMap_NaNVisibilityIsOmitted(t *testing.T) {
	set := fullSet(1)
	set[3].Visibility = math.NaN()
	cmd := Map(DefaultTable(), 0.5, set)
	assert.NotContains(t, cmd, pose.LandmarkNames[3])
}

func TestMap_Deterministic(t *testing.T) {
	set := fullSet(0.9)
	for i := range set {
		set[i].X = float64(i) / 40
		set[i].Y = 1 - float64(i)/40
	}
	first := Map(DefaultTable(), 0.5, set)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Map(DefaultTable(), 0.5, set))
	}
}

func TestMap_ScaleAndOffset(t *testing.T) {
	table := &Table{Bindings: []Binding{
		{Joint: "head", Landmark: 0, X: SourceY, Z: SourceZ, Scale: math.Pi, Offset: 0.5},
	}}
	set := pose.LandmarkSet{{X: 0.2, Y: 1, Z: 0.5, Visibility: 1}}

	cmd := Map(table, 0.5, set)
	assert.InDelta(t, math.Pi/2, cmd["head"].X, 1e-9)
	assert.Equal(t, 0.0, cmd["head"].Y)
	assert.Equal(t, 0.0, cmd["head"].Z)
}

func TestRotation_Quat(t *testing.T) {
	q := Rotation{}.Quat()
	assert.InDelta(t, 1, q.W, 1e-9)

	q = Rotation{Y: math.Pi}.Quat()
	assert.InDelta(t, 1, q.Len(), 1e-9)
	assert.InDelta(t, 1, math.Abs(q.V[1]), 1e-9)
}

func TestTable_Validate(t *testing.T) {
	table := &Table{Bindings: []Binding{
		{Joint: "a", Landmark: 0, X: SourceX},
		{Joint: "a", Landmark: -1, Y: "w"},
		{Landmark: 2},
	}}
	err := table.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate joint")
	assert.Contains(t, err.Error(), "negative landmark")
	assert.Contains(t, err.Error(), "unknown axis source")
	assert.Contains(t, err.Error(), "joint name is required")

	assert.Error(t, (&Table{}).Validate())
}

func TestParseTable_RoundTripsDefault(t *testing.T) {
	data, err := DefaultTable().Marshal()
	require.NoError(t, err)

	table, err := ParseTable(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultTable().Joints(), table.Joints())
}

func TestMapper_SetTable(t *testing.T) {
	m := NewMapper(nil, -1)
	assert.Equal(t, DefaultVisibilityThreshold, m.Threshold())

	require.Error(t, m.SetTable(&Table{}))
	assert.Len(t, m.Table().Bindings, pose.LandmarkCount)

	require.NoError(t, m.SetTable(&Table{Bindings: []Binding{{Joint: "spine", Landmark: 0, X: SourceX}}}))
	assert.Equal(t, PoseCommand{"spine": {X: 0.5}}, m.Map(fullSet(1)))
}

func TestMapper_ZeroThresholdAcceptsInvisibleLandmarks(t *testing.T) {
	m := NewMapper(nil, 0)
	assert.Equal(t, 0.0, m.Threshold())

	set := fullSet(1)
	set[0].Visibility = 0
	set[1].Visibility = math.NaN()
	cmd := m.Map(set)
	assert.Contains(t, cmd, "nose")
	assert.NotContains(t, cmd, "left_eye_inner")
}

func TestWatcher_ReloadsTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bindings:\n  - joint: head\n    landmark: 0\n    x: y\n"), 0644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	m := NewMapper(table, 0.5)

	reloaded := make(chan *Table, 4)
	w, err := NewWatcher(path, m, zerolog.Nop(), func(t *Table) { reloaded <- t })
	require.NoError(t, err)
	defer w.Close()

	// An invalid edit keeps the old table
	require.NoError(t, os.WriteFile(path, []byte("bindings: []\n"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"head"}, m.Table().Joints())

	require.NoError(t, os.WriteFile(path, []byte("bindings:\n  - joint: neck\n    landmark: 0\n    y: x\n"), 0644))
	select {
	case got := <-reloaded:
		assert.Equal(t, []string{"neck"}, got.Joints())
	case <-time.After(2 * time.Second):
		t.Fatal("table was not reloaded")
	}
	assert.Equal(t, []string{"neck"}, m.Table().Joints())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
