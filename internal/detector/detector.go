package detector

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Errors reported by landmark models.
var (
	// ErrModelLoadFailed is returned when a model cannot be initialized.
	ErrModelLoadFailed = errors.New("detection model failed to load")

	// ErrModelBusy is returned by Send while a previous frame is still being processed.
	ErrModelBusy = errors.New("detection model busy")

	// ErrModelNotConfigured is returned by Send before Configure succeeded.
	ErrModelNotConfigured = errors.New("detection model not configured")

	// ErrUnknownKind is returned for a detection kind other than face or hands.
	ErrUnknownKind = errors.New("unknown detection kind")
)

// Model is an external landmark detection model.
//
// Send submits a frame and returns immediately; results are delivered
// asynchronously to the callback registered with OnResults.
type Model interface {
	// Configure applies options and loads the model.
	Configure(opts Options) error

	// Send submits a frame for detection. The model does not retain the frame.
	Send(frame *gocv.Mat) error

	// OnResults registers the result callback. Only the last registration is kept.
	OnResults(fn func(Result))

	// Close releases any resources held by the model.
	Close() error
}

// Options configures a landmark model.
type Options struct {
	// MaxSubjects is the maximum number of faces or hands to detect.
	MaxSubjects int `json:"max_subjects" yaml:"max_subjects"`

	// MinDetectionConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinDetectionConfidence float64 `json:"min_detection_confidence" yaml:"min_detection_confidence"`

	// MinTrackingConfidence is the minimum tracking confidence threshold (0.0-1.0).
	MinTrackingConfidence float64 `json:"min_tracking_confidence" yaml:"min_tracking_confidence"`

	// RefineLandmarks enables iris landmarks on the face mesh.
	RefineLandmarks bool `json:"refine_landmarks" yaml:"refine_landmarks"`

	// ModelComplexity selects the hand landmark model (0 lite, 1 full).
	ModelComplexity int `json:"model_complexity" yaml:"model_complexity"`
}

// Validate checks that the options are within range.
func (o Options) Validate() error {
	if o.MaxSubjects < 1 {
		return fmt.Errorf("max subjects must be at least 1, got %d", o.MaxSubjects)
	}
	if o.MinDetectionConfidence < 0 || o.MinDetectionConfidence > 1 {
		return fmt.Errorf("min detection confidence must be between 0 and 1, got %v", o.MinDetectionConfidence)
	}
	if o.MinTrackingConfidence < 0 || o.MinTrackingConfidence > 1 {
		return fmt.Errorf("min tracking confidence must be between 0 and 1, got %v", o.MinTrackingConfidence)
	}
	if o.ModelComplexity < 0 || o.ModelComplexity > 1 {
		return fmt.Errorf("model complexity must be 0 or 1, got %d", o.ModelComplexity)
	}
	return nil
}

// Variant selects a detection kind together with its model options.
type Variant struct {
	Kind    Kind
	Options Options
}

// FaceVariant returns the face mesh variant: one face with refined landmarks.
func FaceVariant() Variant {
	return Variant{
		Kind: KindFace,
		Options: Options{
			MaxSubjects:            1,
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
			RefineLandmarks:        true,
		},
	}
}

// HandsVariant returns the hand tracking variant: up to two hands.
func HandsVariant() Variant {
	return Variant{
		Kind: KindHands,
		Options: Options{
			MaxSubjects:            2,
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
			ModelComplexity:        1,
		},
	}
}

// VariantFor returns the default variant for kind.
func VariantFor(kind Kind) (Variant, error) {
	switch kind {
	case KindFace:
		return FaceVariant(), nil
	case KindHands:
		return HandsVariant(), nil
	default:
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
