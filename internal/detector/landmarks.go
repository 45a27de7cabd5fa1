// Package detector provides landmark model interfaces, landmark types and their post-processing.
package detector

import (
	"time"

	"github.com/ayusman/mudra/internal/geometry"
)

// Kind identifies the landmark model family.
type Kind string

const (
	// KindFace is the face mesh model.
	KindFace Kind = "face"
	// KindHands is the hand tracking model.
	KindHands Kind = "hands"
)

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist            = 0
	ThumbCMC         = 1
	ThumbMCP         = 2
	ThumbIP          = 3
	ThumbTip         = 4
	IndexMCP         = 5
	IndexPIP         = 6
	IndexDIP         = 7
	IndexTip         = 8
	MiddleMCP        = 9
	MiddlePIP        = 10
	MiddleDIP        = 11
	MiddleTip        = 12
	RingMCP          = 13
	RingPIP          = 14
	RingDIP          = 15
	RingTip          = 16
	PinkyMCP         = 17
	PinkyPIP         = 18
	PinkyDIP         = 19
	PinkyTip         = 20
	NumHandLandmarks = 21
)

// Face mesh landmark indices used by overlays.
const (
	FaceNoseTip         = 1
	FaceRightEyeOuter   = 33
	FaceUpperLip        = 13
	FaceLowerLip        = 14
	FaceChin            = 152
	FaceLeftEyeOuter    = 263
	NumFaceLandmarks    = 468
	NumRefinedLandmarks = 478 // with iris
)

// LandmarkSet is the ordered landmark sequence of one detected subject.
// Index i always refers to the same anatomical point for a given Kind.
type LandmarkSet struct {
	Points []geometry.Point `json:"points"`
	Label  string           `json:"label,omitempty"` // handedness for hands
	Score  float64          `json:"score"`
}

// Result is the output of one detection pass.
// OK is false until the model has produced a result; an OK result with no
// sets means no subject was found.
type Result struct {
	OK        bool          `json:"ok"`
	Kind      Kind          `json:"kind"`
	Sets      []LandmarkSet `json:"sets"`
	Timestamp time.Time     `json:"timestamp"`
}

// Count returns the number of detected subjects.
func (r Result) Count() int {
	return len(r.Sets)
}
