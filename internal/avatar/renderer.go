package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/mapping"
	"github.com/qmuntal/gltf"
	"github.com/rs/zerolog"
)

// ErrLoad is returned when the avatar model cannot be fetched or decoded
var ErrLoad = errors.New("avatar model load failed")

// Drawer presents one frame of avatar state
type Drawer interface {
	Draw(State) error
}

// DrawerFunc adapts a function to Drawer
type DrawerFunc func(State) error

// Draw implements Drawer
func (f DrawerFunc) Draw(s State) error { return f(s) }

// Config configures a Renderer
type Config struct {
	FPS        int
	HTTPClient *http.Client
}

// Renderer owns the single avatar state of a session. Pose commands write
// into it sparsely; the render loop redraws it at its own rate.
type Renderer struct {
	config   Config
	drawer   Drawer
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu    sync.RWMutex
	state State

	applied atomic.Int64
	ignored atomic.Int64
	frames  atomic.Int64

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRenderer creates a renderer. drawer may be nil, in which case frames
// are counted but not presented.
func NewRenderer(cfg Config, drawer Drawer, eventBus *bus.EventBus, logger zerolog.Logger) *Renderer {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Renderer{
		config:   cfg,
		drawer:   drawer,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "avatar").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// LoadScene fetches the model at ref, a file path or an http(s) URL of a
// glTF or GLB document, and makes its named nodes the avatar's joints. A
// successful load replaces any previous state.
func (r *Renderer) LoadScene(ctx context.Context, ref string) error {
	doc, err := r.fetch(ctx, ref)
	if err != nil {
		r.logger.Error().Err(err).Str("model", ref).Msg("Failed to load avatar model")
		r.publish(bus.EventTypeSceneLoadFailed, map[string]any{"model": ref, "error": err.Error()})
		return fmt.Errorf("%w: %s: %v", ErrLoad, ref, err)
	}

	joints := make(map[string]Joint, len(doc.Nodes))
	for i, node := range doc.Nodes {
		if node == nil || node.Name == "" {
			continue
		}
		if _, dup := joints[node.Name]; dup {
			continue
		}
		rest := restRotation(node)
		joints[node.Name] = Joint{Name: node.Name, Node: i, Rest: rest, Orientation: rest}
	}
	if len(joints) == 0 {
		err := fmt.Errorf("%w: %s: model has no named nodes", ErrLoad, ref)
		r.publish(bus.EventTypeSceneLoadFailed, map[string]any{"model": ref, "error": err.Error()})
		return err
	}

	r.mu.Lock()
	r.state = State{Model: ref, Joints: joints, Loaded: true}
	r.mu.Unlock()

	r.logger.Info().Str("model", ref).Int("joints", len(joints)).Msg("Avatar model loaded")
	r.publish(bus.EventTypeSceneLoaded, map[string]any{"model": ref, "joints": len(joints)})
	return nil
}

func (r *Renderer) fetch(ctx context.Context, ref string) (*gltf.Document, error) {
	if ref == "" {
		return nil, errors.New("no model configured")
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return gltf.Open(ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	doc := new(gltf.Document)
	if err := gltf.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// restRotation reads a node's bind rotation, stored as x, y, z, w
func restRotation(node *gltf.Node) mgl64.Quat {
	q := node.Rotation
	if q == [4]float64{} {
		return mgl64.QuatIdent()
	}
	return mgl64.Quat{W: q[3], V: mgl64.Vec3{q[0], q[1], q[2]}}.Normalize()
}

// ApplyPose writes the rotations of joints the model has. Rotations for
// unknown joints are counted and skipped. Before a model is loaded it does
// nothing. It returns the number of joints written.
func (r *Renderer) ApplyPose(cmd mapping.PoseCommand) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.Loaded {
		return 0
	}

	written := 0
	for name, rot := range cmd {
		joint, ok := r.state.Joints[name]
		if !ok {
			r.ignored.Add(1)
			continue
		}
		joint.Rotation = rot
		joint.Orientation = joint.Rest.Mul(rot.Quat()).Normalize()
		r.state.Joints[name] = joint
		written++
	}
	r.state.Version++
	r.applied.Add(1)
	return written
}

// Snapshot returns a copy of the current state
func (r *Renderer) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// Loaded reports whether a model is loaded
func (r *Renderer) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Loaded
}

// Run draws frames until ctx is cancelled or Stop is called. Each iteration
// checks the stop flag before drawing.
func (r *Renderer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(r.config.FPS))
	defer ticker.Stop()

	r.logger.Debug().Int("fps", r.config.FPS).Msg("Render loop started")
	defer r.logger.Debug().Int64("frames", r.frames.Load()).Msg("Render loop stopped")

	for {
		if r.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-ticker.C:
		}
		if r.stopped.Load() {
			return nil
		}
		r.drawFrame()
	}
}

func (r *Renderer) drawFrame() {
	if !r.Loaded() {
		return
	}
	snap := r.Snapshot()
	r.frames.Add(1)
	if r.drawer == nil {
		return
	}
	if err := r.drawer.Draw(snap); err != nil {
		r.logger.Warn().Err(err).Uint64("version", snap.Version).Msg("Draw failed")
	}
}

// Stop ends the render loop. It is safe to call more than once.
func (r *Renderer) Stop() {
	r.stopped.Store(true)
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Stats returns a snapshot of the counters
func (r *Renderer) Stats() Stats {
	return Stats{
		Applied: r.applied.Load(),
		Ignored: r.ignored.Load(),
		Frames:  r.frames.Load(),
	}
}

func (r *Renderer) publish(t bus.EventType, data map[string]any) {
	if r.eventBus != nil {
		r.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

// LogDrawer logs a summary of every Every-th frame at debug level
type LogDrawer struct {
	Logger zerolog.Logger
	Every  int64

	n atomic.Int64
}

// Draw implements Drawer
func (d *LogDrawer) Draw(s State) error {
	every := d.Every
	if every <= 0 {
		every = 30
	}
	if d.n.Add(1)%every != 0 {
		return nil
	}
	d.Logger.Debug().
		Str("model", s.Model).
		Int("joints", len(s.Joints)).
		Uint64("version", s.Version).
		Msg("Avatar frame")
	return nil
}
