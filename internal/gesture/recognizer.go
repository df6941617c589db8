// Package gesture recognizes simple body gestures from a window of recent
// landmark sets.
package gesture

import (
	"math"
	"sync"
	"time"

	"github.com/normanking/posesync/internal/pose"
)

// Gesture names
const (
	Waving      = "waving"
	Pointing    = "pointing"
	Clapping    = "clapping"
	RaisingHand = "raising_hand"
)

const (
	DefaultHistoryLength = 30
	DefaultCooldown      = 2 * time.Second

	minWaveAmplitude = 0.15
	minWaveCrossings = 4
	minPointAngle    = 2.8 // radians at the elbow, about 160 degrees
	minClaps         = 2
	minRaiseHeight   = 0.2
)

// Config configures a Recognizer
type Config struct {
	HistoryLength int
	Cooldown      time.Duration
	Now           func() time.Time // defaults to time.Now
}

type detector struct {
	name   string
	detect func(history []pose.LandmarkSet) bool
}

// Recognizer keeps a bounded landmark history and reports gestures, each at
// most once per cooldown.
type Recognizer struct {
	mu       sync.Mutex
	history  []pose.LandmarkSet
	size     int
	cooldown time.Duration
	now      func() time.Time
	last     map[string]time.Time

	detectors []detector
}

// NewRecognizer creates a recognizer
func NewRecognizer(cfg Config) *Recognizer {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = DefaultHistoryLength
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recognizer{
		history:  make([]pose.LandmarkSet, 0, cfg.HistoryLength),
		size:     cfg.HistoryLength,
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		last:     make(map[string]time.Time),
		detectors: []detector{
			{Waving, detectWaving},
			{Pointing, detectPointing},
			{Clapping, detectClapping},
			{RaisingHand, detectRaisingHand},
		},
	}
}

// Add appends a landmark set, evicting the oldest when full. Sets without
// the arm landmarks are ignored.
func (r *Recognizer) Add(set pose.LandmarkSet) {
	if len(set) <= pose.RightWrist {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) == r.size {
		copy(r.history, r.history[1:])
		r.history = r.history[:r.size-1]
	}
	r.history = append(r.history, set)
}

// Detect returns the first gesture found in the current window, or "" when
// the window is not yet full or nothing matched. Every gesture found starts
// its own cooldown.
func (r *Recognizer) Detect() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) < r.size {
		return ""
	}

	now := r.now()
	found := ""
	for _, d := range r.detectors {
		if last, ok := r.last[d.name]; ok && now.Sub(last) <= r.cooldown {
			continue
		}
		if d.detect(r.history) {
			r.last[d.name] = now
			if found == "" {
				found = d.name
			}
		}
	}
	return found
}

// Observe adds set and runs detection
func (r *Recognizer) Observe(set pose.LandmarkSet) string {
	r.Add(set)
	return r.Detect()
}

// Reset clears history and cooldowns
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = r.history[:0]
	r.last = make(map[string]time.Time)
}

// detectWaving looks for a wrist swinging side to side around its mean
func detectWaving(history []pose.LandmarkSet) bool {
	for _, wrist := range []int{pose.LeftWrist, pose.RightWrist} {
		var mean float64
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, set := range history {
			x := set[wrist].X
			mean += x
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		mean /= float64(len(history))

		crossings := 0
		for i := 1; i < len(history); i++ {
			if (history[i-1][wrist].X < mean) != (history[i][wrist].X < mean) {
				crossings++
			}
		}
		if crossings >= minWaveCrossings && hi-lo > minWaveAmplitude {
			return true
		}
	}
	return false
}

// detectPointing looks for a straight arm in the latest set
func detectPointing(history []pose.LandmarkSet) bool {
	current := history[len(history)-1]
	arms := [][3]int{
		{pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist},
		{pose.RightShoulder, pose.RightElbow, pose.RightWrist},
	}
	for _, arm := range arms {
		s, e, w := current[arm[0]], current[arm[1]], current[arm[2]]
		toShoulder := [3]float64{s.X - e.X, s.Y - e.Y, s.Z - e.Z}
		toWrist := [3]float64{w.X - e.X, w.Y - e.Y, w.Z - e.Z}

		n1, n2 := norm(toShoulder), norm(toWrist)
		if n1 == 0 || n2 == 0 {
			continue
		}
		cos := dot(toShoulder, toWrist) / (n1 * n2)
		cos = math.Max(-1, math.Min(1, cos))
		if math.Acos(cos) > minPointAngle {
			return true
		}
	}
	return false
}

// detectClapping counts the times the wrists came together
func detectClapping(history []pose.LandmarkSet) bool {
	dist := make([]float64, len(history))
	for i, set := range history {
		l, r := set[pose.LeftWrist], set[pose.RightWrist]
		dist[i] = norm([3]float64{l.X - r.X, l.Y - r.Y, l.Z - r.Z})
	}
	minima := 0
	for i := 1; i < len(dist)-1; i++ {
		if dist[i] < dist[i-1] && dist[i] < dist[i+1] {
			minima++
		}
	}
	return minima >= minClaps
}

// detectRaisingHand checks whether a wrist is well above its shoulder.
// Image y grows downwards.
func detectRaisingHand(history []pose.LandmarkSet) bool {
	current := history[len(history)-1]
	return current[pose.LeftWrist].Y < current[pose.LeftShoulder].Y-minRaiseHeight ||
		current[pose.RightWrist].Y < current[pose.RightShoulder].Y-minRaiseHeight
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}
