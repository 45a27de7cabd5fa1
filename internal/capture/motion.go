package capture

import (
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Motion analysis parameters.
const (
	// motionWidth is the width frames are scaled to before differencing.
	motionWidth = 160

	// motionBlur is the Gaussian kernel applied to the scaled frame.
	motionBlur = 7

	// motionPixelDelta is the grey level change that counts a pixel as moved.
	motionPixelDelta = 25
)

// MotionDetector reports how much of the frame changed since the previous one.
type MotionDetector struct {
	mu        sync.Mutex
	threshold float64 // percent of changed pixels
	baseline  gocv.Mat
	primed    bool
}

// NewMotionDetector creates a MotionDetector. threshold is the percentage of
// pixels that must change, so 1.0 means 1%.
func NewMotionDetector(threshold float64) *MotionDetector {
	return &MotionDetector{
		threshold: threshold,
		baseline:  gocv.NewMat(),
	}
}

// Detect compares frame with the previous frame and returns whether motion
// exceeded the threshold along with the changed percentage. The first frame,
// and any frame whose size differs from the baseline, only primes the detector.
func (m *MotionDetector) Detect(frame *gocv.Mat) (bool, float64) {
	if frame == nil || frame.Empty() {
		return false, 0
	}

	small := prepareMotionFrame(frame)
	defer small.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed || m.baseline.Rows() != small.Rows() || m.baseline.Cols() != small.Cols() {
		small.CopyTo(&m.baseline)
		m.primed = true
		return false, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(small, m.baseline, &diff)
	gocv.Threshold(diff, &diff, motionPixelDelta, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(diff)) / float64(diff.Rows()*diff.Cols()) * 100
	small.CopyTo(&m.baseline)

	return changed > m.threshold, changed
}

// prepareMotionFrame returns a blurred greyscale copy of frame scaled to motionWidth.
func prepareMotionFrame(frame *gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	if gray.Cols() > motionWidth {
		height := gray.Rows() * motionWidth / gray.Cols()
		if height < 1 {
			height = 1
		}
		gocv.Resize(gray, &gray, image.Pt(motionWidth, height), 0, 0, gocv.InterpolationArea)
	}

	gocv.GaussianBlur(gray, &gray, image.Pt(motionBlur, motionBlur), 0, 0, gocv.BorderDefault)
	return gray
}

// Reset drops the baseline so the next frame primes the detector again.
func (m *MotionDetector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropBaseline()
}

// Close releases the baseline frame. The detector can still be used and
// primes itself on the next frame.
func (m *MotionDetector) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropBaseline()
}

func (m *MotionDetector) dropBaseline() {
	if !m.baseline.Empty() {
		m.baseline.Close()
		m.baseline = gocv.NewMat()
	}
	m.primed = false
}

// SetThreshold changes the changed-pixel percentage. Non-positive values are ignored.
func (m *MotionDetector) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// DefaultMotionIdleTimeout is how long a MotionGate stays open after the last motion.
const DefaultMotionIdleTimeout = 2 * time.Second

// MotionGate admits frames while there has been motion recently.
// It keeps a detection model idle while nothing in front of the camera moves.
type MotionGate struct {
	detector    *MotionDetector
	idleTimeout time.Duration
	now         func() time.Time

	mu         sync.Mutex
	lastMotion time.Time
}

// NewMotionGate creates a gate over a MotionDetector with the given threshold.
func NewMotionGate(threshold float64, idleTimeout time.Duration) *MotionGate {
	if idleTimeout <= 0 {
		idleTimeout = DefaultMotionIdleTimeout
	}
	return &MotionGate{
		detector:    NewMotionDetector(threshold),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Allow feeds frame to the motion detector and reports whether motion was
// seen within the idle timeout.
func (g *MotionGate) Allow(frame *gocv.Mat) bool {
	moved, _ := g.detector.Detect(frame)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if moved {
		g.lastMotion = now
	}
	return !g.lastMotion.IsZero() && now.Sub(g.lastMotion) <= g.idleTimeout
}

// Reset forgets the baseline frame and the last motion time.
func (g *MotionGate) Reset() {
	g.detector.Reset()

	g.mu.Lock()
	g.lastMotion = time.Time{}
	g.mu.Unlock()
}

// Close releases the detector's resources.
func (g *MotionGate) Close() {
	g.detector.Close()
}
