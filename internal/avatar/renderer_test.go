package avatar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/mapping"
	"github.com/normanking/posesync/tests/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedRenderer(t *testing.T, drawer Drawer, joints ...string) *Renderer {
	t.Helper()
	path := testutil.WriteScene(t, t.TempDir(), joints)
	r := NewRenderer(Config{FPS: 200}, drawer, nil, zerolog.Nop())
	require.NoError(t, r.LoadScene(context.Background(), path))
	return r
}

func TestLoadScene_FromFile(t *testing.T) {
	eventBus := bus.NewEventBus()
	loaded := make(chan bus.Event, 1)
	eventBus.Subscribe(bus.EventTypeSceneLoaded, func(e bus.Event) { loaded <- e })

	path := testutil.WriteScene(t, t.TempDir(), []string{"nose", "left_wrist"})
	r := NewRenderer(Config{}, nil, eventBus, zerolog.Nop())
	require.NoError(t, r.LoadScene(context.Background(), path))

	snap := r.Snapshot()
	assert.True(t, snap.Loaded)
	assert.Len(t, snap.Joints, 2)
	assert.Contains(t, snap.Joints, "left_wrist")

	select {
	case e := <-loaded:
		assert.Equal(t, 2, e.Data["joints"])
	case <-time.After(time.Second):
		t.Fatal("no scene loaded event")
	}
}

func TestLoadScene_FromURL(t *testing.T) {
	path := testutil.WriteScene(t, t.TempDir(), []string{"head"})
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	r := NewRenderer(Config{}, nil, nil, zerolog.Nop())
	require.NoError(t, r.LoadScene(context.Background(), srv.URL+"/avatar.gltf"))
	assert.Contains(t, r.Snapshot().Joints, "head")
}

func TestLoadScene_Failures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewRenderer(Config{}, nil, nil, zerolog.Nop())
	for _, ref := range []string{"", "/does/not/exist.glb", srv.URL + "/missing.glb"} {
		err := r.LoadScene(context.Background(), ref)
		assert.ErrorIs(t, err, ErrLoad, ref)
	}
	assert.False(t, r.Loaded())

	empty := testutil.WriteScene(t, t.TempDir(), nil)
	assert.ErrorIs(t, r.LoadScene(context.Background(), empty), ErrLoad)
}

func TestApplyPose_BeforeLoadIsNoop(t *testing.T) {
	r := NewRenderer(Config{}, nil, nil, zerolog.Nop())
	assert.Equal(t, 0, r.ApplyPose(mapping.PoseCommand{"head": {X: 1}}))
	assert.Empty(t, r.Snapshot().Joints)
	assert.Equal(t, uint64(0), r.Snapshot().Version)
}

func TestApplyPose_KnownJointsOnly(t *testing.T) {
	r := loadedRenderer(t, nil, "head", "spine")

	n := r.ApplyPose(mapping.PoseCommand{
		"head": {X: 0.5, Y: 0.25},
		"tail": {Z: 1},
	})
	assert.Equal(t, 1, n)

	snap := r.Snapshot()
	assert.Equal(t, mapping.Rotation{X: 0.5, Y: 0.25}, snap.Joints["head"].Rotation)
	assert.Equal(t, mapping.Rotation{}, snap.Joints["spine"].Rotation)
	assert.NotContains(t, snap.Joints, "tail")
	assert.Equal(t, Stats{Applied: 1, Ignored: 1}, r.Stats())
}

func TestApplyPose_Idempotent(t *testing.T) {
	r := loadedRenderer(t, nil, "head")
	cmd := mapping.PoseCommand{"head": {X: 0.3}}

	r.ApplyPose(cmd)
	first := r.Snapshot().Joints["head"]
	r.ApplyPose(cmd)
	second := r.Snapshot().Joints["head"]

	assert.Equal(t, first.Rotation, second.Rotation)
	assert.True(t, first.Orientation.ApproxEqual(second.Orientation))
}

func TestSnapshot_IsIndependent(t *testing.T) {
	r := loadedRenderer(t, nil, "head")
	snap := r.Snapshot()
	snap.Joints["head"] = Joint{Name: "changed"}

	assert.Equal(t, "head", r.Snapshot().Joints["head"].Name)
}

func TestRun_DrawsUntilStopped(t *testing.T) {
	var mu sync.Mutex
	var versions []uint64
	drawer := DrawerFunc(func(s State) error {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
		return errors.New("ignored")
	})
	r := loadedRenderer(t, drawer, "head")

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	assert.Eventually(t, func() bool { return r.Stats().Frames >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.ApplyPose(mapping.PoseCommand{"head": {X: 1}})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return versions[len(versions)-1] == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("render loop did not stop")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	r := NewRenderer(Config{FPS: 100}, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("render loop did not stop")
	}
	// Nothing is drawn without a model
	assert.Equal(t, int64(0), r.Stats().Frames)
}
