// Package pose adapts a pose-estimation collaborator to the session's frame
// timeline.
package pose

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/posesync/internal/capture"
)

// LandmarkCount is the number of keypoints produced by the default body model
const LandmarkCount = 33

// Landmark indices of the default body model used by gesture detection
const (
	Nose          = 0
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
)

// LandmarkNames lists the default body model keypoints in index order
var LandmarkNames = [LandmarkCount]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// Landmark is one estimated keypoint. X and Y are normalized to [0,1], Z is
// depth relative to the hips.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// LandmarkSet is the ordered output of one estimation. Treat it as read-only.
type LandmarkSet []Landmark

// Clone returns an independent copy
func (s LandmarkSet) Clone() LandmarkSet {
	if s == nil {
		return nil
	}
	out := make(LandmarkSet, len(s))
	copy(out, s)
	return out
}

// Estimator is the pose-estimation collaborator. ok is false when the model
// found no confident pose in the frame.
type Estimator interface {
	Estimate(ctx context.Context, frame capture.Packet) (set LandmarkSet, ok bool, err error)
}

// EstimatorFunc adapts a function to Estimator
type EstimatorFunc func(ctx context.Context, frame capture.Packet) (LandmarkSet, bool, error)

// Estimate implements Estimator
func (f EstimatorFunc) Estimate(ctx context.Context, frame capture.Packet) (LandmarkSet, bool, error) {
	return f(ctx, frame)
}

// Options are the recognized estimator settings
type Options struct {
	ModelComplexity        int     `json:"model_complexity"` // 0 lite, 1 full, 2 heavy
	SmoothLandmarks        bool    `json:"smooth_landmarks"`
	MinDetectionConfidence float64 `json:"min_detection_confidence"`
	MinTrackingConfidence  float64 `json:"min_tracking_confidence"`
}

// DefaultOptions matches the settings the demo pipeline shipped with
func DefaultOptions() Options {
	return Options{
		ModelComplexity:        1,
		SmoothLandmarks:        true,
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
	}
}

// Validate rejects out-of-range options
func (o Options) Validate() error {
	var errs []error
	if o.ModelComplexity < 0 || o.ModelComplexity > 2 {
		errs = append(errs, fmt.Errorf("model complexity must be 0, 1 or 2, got %d", o.ModelComplexity))
	}
	if o.MinDetectionConfidence < 0 || o.MinDetectionConfidence > 1 {
		errs = append(errs, fmt.Errorf("min detection confidence must be in [0,1], got %v", o.MinDetectionConfidence))
	}
	if o.MinTrackingConfidence < 0 || o.MinTrackingConfidence > 1 {
		errs = append(errs, fmt.Errorf("min tracking confidence must be in [0,1], got %v", o.MinTrackingConfidence))
	}
	return errors.Join(errs...)
}
