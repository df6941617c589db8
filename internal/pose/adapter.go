package pose

import (
	"context"
	"sync/atomic"

	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/capture"
	"github.com/rs/zerolog"
)

// Stats counts adapter outcomes
type Stats struct {
	Estimated int64 `json:"estimated"` // estimator invocations
	Detected  int64 `json:"detected"`  // invocations that produced landmarks
	Dropped   int64 `json:"dropped"`   // frames skipped while busy
	Failed    int64 `json:"failed"`    // estimator errors
}

// Adapter runs at most one estimation at a time. A frame that arrives while
// an estimation is in flight is dropped; the running one is never cancelled.
type Adapter struct {
	estimator Estimator
	eventBus  *bus.EventBus
	logger    zerolog.Logger

	busy atomic.Bool

	estimated atomic.Int64
	detected  atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewAdapter wraps estimator
func NewAdapter(estimator Estimator, eventBus *bus.EventBus, logger zerolog.Logger) *Adapter {
	return &Adapter{
		estimator: estimator,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "pose").Logger(),
	}
}

// OnFrame estimates landmarks for frame. It returns ok=false without calling
// the estimator when another estimation is running, and ok=false when the
// estimator finds nothing or fails. Neither case is an error for the caller.
func (a *Adapter) OnFrame(ctx context.Context, frame capture.Packet) (LandmarkSet, bool) {
	if !a.busy.CompareAndSwap(false, true) {
		a.Drop(frame)
		return nil, false
	}
	defer a.busy.Store(false)

	a.estimated.Add(1)
	set, ok, err := a.estimator.Estimate(ctx, frame)
	if err != nil {
		a.failed.Add(1)
		a.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Pose estimation failed")
		return nil, false
	}
	if !ok || len(set) == 0 {
		return nil, false
	}

	a.detected.Add(1)
	if a.eventBus != nil {
		a.eventBus.Publish(bus.Event{
			Type: bus.EventTypePoseDetected,
			Data: map[string]any{"seq": frame.Seq, "landmarks": len(set)},
		})
	}
	return set.Clone(), true
}

// Drop records frame as skipped because an estimation was in flight. Callers
// that serialize frames themselves use it to keep the counters complete.
func (a *Adapter) Drop(frame capture.Packet) {
	a.dropped.Add(1)
	a.logger.Debug().Uint64("seq", frame.Seq).Msg("Frame dropped, estimator busy")
	if a.eventBus != nil {
		a.eventBus.Publish(bus.Event{Type: bus.EventTypePoseDropped, Data: map[string]any{"seq": frame.Seq}})
	}
}

// Busy reports whether an estimation is in flight
func (a *Adapter) Busy() bool {
	return a.busy.Load()
}

// Stats returns a snapshot of the counters
func (a *Adapter) Stats() Stats {
	return Stats{
		Estimated: a.estimated.Load(),
		Detected:  a.detected.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
	}
}
