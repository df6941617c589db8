package gesture

import (
	"testing"
	"time"

	"github.com/normanking/posesync/internal/pose"
	"github.com/stretchr/testify/assert"
)

// neutral is a standing pose with both arms bent at the sides
func neutral() pose.LandmarkSet {
	set := make(pose.LandmarkSet, pose.LandmarkCount)
	for i := range set {
		set[i] = pose.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	set[pose.LeftShoulder] = pose.Landmark{X: 0.6, Y: 0.4, Visibility: 1}
	set[pose.LeftElbow] = pose.Landmark{X: 0.65, Y: 0.55, Visibility: 1}
	set[pose.LeftWrist] = pose.Landmark{X: 0.6, Y: 0.7, Visibility: 1}
	set[pose.RightShoulder] = pose.Landmark{X: 0.4, Y: 0.4, Visibility: 1}
	set[pose.RightElbow] = pose.Landmark{X: 0.35, Y: 0.55, Visibility: 1}
	set[pose.RightWrist] = pose.Landmark{X: 0.4, Y: 0.7, Visibility: 1}
	return set
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newRecognizer(clock *fakeClock) *Recognizer {
	return NewRecognizer(Config{HistoryLength: 10, Cooldown: 2 * time.Second, Now: clock.now})
}

func fill(r *Recognizer, n int, gen func(i int) pose.LandmarkSet) {
	for i := 0; i < n; i++ {
		r.Add(gen(i))
	}
}

func TestRecognizer_NeedsFullHistory(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	raised := neutral()
	raised[pose.LeftWrist].Y = 0.1

	fill(r, 9, func(int) pose.LandmarkSet { return raised })
	assert.Equal(t, "", r.Detect())

	assert.Equal(t, RaisingHand, r.Observe(raised))
}

func TestRecognizer_NeutralPoseHasNoGesture(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	fill(r, 10, func(int) pose.LandmarkSet { return neutral() })
	assert.Equal(t, "", r.Detect())
}

func TestRecognizer_Waving(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	fill(r, 10, func(i int) pose.LandmarkSet {
		set := neutral()
		if i%2 == 0 {
			set[pose.RightWrist].X = 0.2
		}
		return set
	})
	assert.Equal(t, Waving, r.Detect())
}

func TestRecognizer_Pointing(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	fill(r, 9, func(int) pose.LandmarkSet { return neutral() })

	straight := neutral()
	straight[pose.LeftElbow] = pose.Landmark{X: 0.7, Y: 0.4, Visibility: 1}
	straight[pose.LeftWrist] = pose.Landmark{X: 0.8, Y: 0.4, Visibility: 1}
	assert.Equal(t, Pointing, r.Observe(straight))
}

func TestRecognizer_Clapping(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	fill(r, 10, func(i int) pose.LandmarkSet {
		set := neutral()
		if i%2 == 1 {
			set[pose.LeftWrist].X = 0.52
			set[pose.RightWrist].X = 0.48
		}
		return set
	})
	assert.Equal(t, Clapping, r.Detect())
}

func TestRecognizer_Cooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newRecognizer(clock)
	raised := neutral()
	raised[pose.RightWrist].Y = 0.1
	fill(r, 10, func(int) pose.LandmarkSet { return raised })

	assert.Equal(t, RaisingHand, r.Detect())

	clock.t = clock.t.Add(time.Second)
	assert.Equal(t, "", r.Detect())

	clock.t = clock.t.Add(1500 * time.Millisecond)
	assert.Equal(t, RaisingHand, r.Detect())
}

func TestRecognizer_IgnoresShortSetsAndResets(t *testing.T) {
	r := newRecognizer(&fakeClock{t: time.Unix(0, 0)})
	raised := neutral()
	raised[pose.LeftWrist].Y = 0.1

	fill(r, 10, func(int) pose.LandmarkSet { return raised[:5] })
	assert.Equal(t, "", r.Detect())

	fill(r, 10, func(int) pose.LandmarkSet { return raised })
	r.Reset()
	assert.Equal(t, "", r.Detect())
}
