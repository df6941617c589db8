// Package calibration walks a user through a fixed sequence of movements
// before a pose session, so the avatar sees their full range of motion.
package calibration

import (
	"sync"
	"time"

	"github.com/normanking/posesync/internal/pose"
)

// Step is one stage of the calibration sequence
type Step string

const (
	StepNotStarted Step = "not_started"
	StepHeadTurn   Step = "head_turn"
	StepArmsRaise  Step = "arms_raise"
	StepBodyTurn   Step = "body_turn"
	StepSquat      Step = "squat"
	StepCompleted  Step = "completed"
)

// Steps are the movement steps in the order they are performed
var Steps = []Step{StepHeadTurn, StepArmsRaise, StepBodyTurn, StepSquat}

// DefaultStepDuration is how long each movement step lasts
const DefaultStepDuration = 5 * time.Second

// Instruction is what the user should be doing right now
type Instruction struct {
	Step            Step   `json:"step"`
	Title           string `json:"title"`
	Text            string `json:"text"`
	SuccessCriteria string `json:"success_criteria"`
	Progress        int    `json:"progress"` // percent of the current step
}

type copyText struct {
	title, text, criteria string
}

var instructions = map[Step]copyText{
	StepNotStarted: {"Start Calibration", "Stand in a clear space, facing the camera", "Start when ready"},
	StepHeadTurn:   {"Head Movement", "Slowly turn your head left to right", "Complete head rotation"},
	StepArmsRaise:  {"Arm Movement", "Raise both arms to shoulder height and back down", "Complete arm raise"},
	StepBodyTurn:   {"Body Rotation", "Slowly turn your body 45° left and right", "Complete body rotation"},
	StepSquat:      {"Squat Movement", "Perform a partial squat and return to standing", "Complete squat motion"},
	StepCompleted:  {"Calibration Complete", "Avatar is now calibrated", "All movements completed"},
}

// Config configures a Guide
type Config struct {
	StepDuration time.Duration
	Now          func() time.Time
}

// Guide is the calibration state machine. Time only counts while a body is
// in view: a step advances on the first detected pose after its duration
// has elapsed, one step per pose.
type Guide struct {
	duration time.Duration
	now      func() time.Time

	mu        sync.Mutex
	step      Step
	stepStart time.Time
}

// NewGuide creates a guide that has not started
func NewGuide(cfg Config) *Guide {
	if cfg.StepDuration <= 0 {
		cfg.StepDuration = DefaultStepDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guide{duration: cfg.StepDuration, now: cfg.Now, step: StepNotStarted}
}

// Start begins (or restarts) the sequence at the first step
func (g *Guide) Start() Instruction {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.step = Steps[0]
	g.stepStart = g.now()
	return g.instructionLocked()
}

// Update feeds one detected pose. It reports whether the step changed.
func (g *Guide) Update(set pose.LandmarkSet) (Instruction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(set) == 0 || !g.activeLocked() {
		return g.instructionLocked(), false
	}
	if g.now().Sub(g.stepStart) < g.duration {
		return g.instructionLocked(), false
	}
	g.advanceLocked()
	return g.instructionLocked(), true
}

func (g *Guide) advanceLocked() {
	for i, s := range Steps {
		if s != g.step {
			continue
		}
		if i+1 < len(Steps) {
			g.step = Steps[i+1]
			g.stepStart = g.now()
		} else {
			g.step = StepCompleted
			g.stepStart = time.Time{}
		}
		return
	}
}

// Current returns the current instruction
func (g *Guide) Current() Instruction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.instructionLocked()
}

// Active reports whether a movement step is running
func (g *Guide) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked()
}

func (g *Guide) activeLocked() bool {
	return g.step != StepNotStarted && g.step != StepCompleted
}

// Reset returns the guide to not started
func (g *Guide) Reset() {
	g.mu.Lock()
	g.step = StepNotStarted
	g.stepStart = time.Time{}
	g.mu.Unlock()
}

func (g *Guide) instructionLocked() Instruction {
	c := instructions[g.step]
	inst := Instruction{Step: g.step, Title: c.title, Text: c.text, SuccessCriteria: c.criteria}
	switch {
	case g.step == StepCompleted:
		inst.Progress = 100
	case g.activeLocked():
		elapsed := g.now().Sub(g.stepStart)
		inst.Progress = min(100, int(elapsed*100/g.duration))
	}
	return inst
}
