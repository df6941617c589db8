package pose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/capture"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(seq uint64) capture.Packet {
	return capture.Packet{Kind: capture.KindVideo, Seq: seq, Data: []byte{0xFF, 0xD8}, Format: "jpeg"}
}

func TestAdapter_ReturnsLandmarks(t *testing.T) {
	want := LandmarkSet{{X: 0.1, Y: 0.2, Visibility: 0.9}}
	a := NewAdapter(EstimatorFunc(func(context.Context, capture.Packet) (LandmarkSet, bool, error) {
		return want, true, nil
	}), nil, zerolog.Nop())

	got, ok := a.OnFrame(context.Background(), frame(1))
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, Stats{Estimated: 1, Detected: 1}, a.Stats())
}

func TestAdapter_DropsFramesWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls sync.WaitGroup
	var invoked int

	a := NewAdapter(EstimatorFunc(func(context.Context, capture.Packet) (LandmarkSet, bool, error) {
		invoked++
		if invoked == 1 {
			close(started)
			<-release
		}
		return LandmarkSet{{Visibility: 1}}, true, nil
	}), nil, zerolog.Nop())

	calls.Add(1)
	var firstOK bool
	go func() {
		defer calls.Done()
		_, firstOK = a.OnFrame(context.Background(), frame(1))
	}()
	<-started
	assert.True(t, a.Busy())

	// Frames arriving while busy return immediately without a result
	for seq := uint64(2); seq <= 4; seq++ {
		set, ok := a.OnFrame(context.Background(), frame(seq))
		assert.False(t, ok)
		assert.Nil(t, set)
	}

	close(release)
	calls.Wait()

	assert.True(t, firstOK)
	assert.Equal(t, 1, invoked)
	assert.False(t, a.Busy())
	assert.Equal(t, int64(3), a.Stats().Dropped)

	// Once idle the next frame is processed
	_, ok := a.OnFrame(context.Background(), frame(5))
	assert.True(t, ok)
	assert.Equal(t, 2, invoked)
	assert.Equal(t, Stats{Estimated: 2, Detected: 2, Dropped: 3}, a.Stats())
}

func TestAdapter_DropCountsAndPublishes(t *testing.T) {
	eventBus := bus.NewEventBus()
	dropped := make(chan bus.Event, 1)
	eventBus.Subscribe(bus.EventTypePoseDropped, func(e bus.Event) { dropped <- e })

	a := NewAdapter(EstimatorFunc(func(context.Context, capture.Packet) (LandmarkSet, bool, error) {
		t.Error("estimator must not run for a dropped frame")
		return nil, false, nil
	}), eventBus, zerolog.Nop())

	a.Drop(frame(9))
	assert.Equal(t, Stats{Dropped: 1}, a.Stats())
	select {
	case e := <-dropped:
		assert.Equal(t, uint64(9), e.Data["seq"])
	case <-time.After(time.Second):
		t.Fatal("no drop event")
	}
}

func TestAdapter_NoPoseAndErrorsAreNotResults(t *testing.T) {
	var fail bool
	a := NewAdapter(EstimatorFunc(func(context.Context, capture.Packet) (LandmarkSet, bool, error) {
		if fail {
			return nil, false, errors.New("model crashed")
		}
		return nil, false, nil
	}), nil, zerolog.Nop())

	_, ok := a.OnFrame(context.Background(), frame(1))
	assert.False(t, ok)

	fail = true
	_, ok = a.OnFrame(context.Background(), frame(2))
	assert.False(t, ok)

	assert.Equal(t, Stats{Estimated: 2, Failed: 1}, a.Stats())
	assert.False(t, a.Busy(), "failure must clear the in-flight flag")
}

func TestAdapter_PublishesDetections(t *testing.T) {
	eventBus := bus.NewEventBus()
	detected := make(chan bus.Event, 1)
	eventBus.Subscribe(bus.EventTypePoseDetected, func(e bus.Event) { detected <- e })

	a := NewAdapter(EstimatorFunc(func(context.Context, capture.Packet) (LandmarkSet, bool, error) {
		return make(LandmarkSet, LandmarkCount), true, nil
	}), eventBus, zerolog.Nop())

	_, ok := a.OnFrame(context.Background(), frame(7))
	require.True(t, ok)

	select {
	case e := <-detected:
		assert.Equal(t, uint64(7), e.Data["seq"])
		assert.Equal(t, LandmarkCount, e.Data["landmarks"])
	case <-time.After(time.Second):
		t.Fatal("no detection event")
	}
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	bad := DefaultOptions()
	bad.ModelComplexity = 3
	bad.MinTrackingConfidence = 1.5
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model complexity")
	assert.Contains(t, err.Error(), "tracking confidence")
}
