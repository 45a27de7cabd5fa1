package detector

import (
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/geometry"
)

// MockModel is a test implementation of the Model interface.
// It allows tests to control configuration failures and deliver results.
type MockModel struct {
	kind Kind

	mu           sync.Mutex
	configureErr error
	sendErr      error
	configured   bool
	options      Options
	sends        int
	configures   int
	autoRespond  bool
	sets         []LandmarkSet
	onResults    func(Result)
}

// NewMockModel creates a new MockModel of the given kind.
func NewMockModel(kind Kind) *MockModel {
	return &MockModel{kind: kind}
}

// SetConfigureError sets the error returned by Configure. Nil clears it.
func (m *MockModel) SetConfigureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configureErr = err
}

// SetSendError sets the error returned by Send.
func (m *MockModel) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetSets sets the landmark sets delivered when auto-responding.
// With autoRespond each Send synchronously delivers a result built from sets.
func (m *MockModel) SetSets(sets []LandmarkSet, autoRespond bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = sets
	m.autoRespond = autoRespond
}

// Configure records the options or returns the configured error.
func (m *MockModel) Configure(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configures++
	if m.configureErr != nil {
		m.configured = false
		return m.configureErr
	}
	if err := opts.Validate(); err != nil {
		m.configured = false
		return err
	}
	m.options = opts
	m.configured = true
	return nil
}

// OnResults registers the result callback.
func (m *MockModel) OnResults(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResults = fn
}

// Send counts the frame and optionally answers it.
func (m *MockModel) Send(frame *gocv.Mat) error {
	m.mu.Lock()
	if !m.configured {
		m.mu.Unlock()
		return ErrModelNotConfigured
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sends++
	respond := m.autoRespond
	sets := m.sets
	m.mu.Unlock()

	if respond {
		m.Emit(sets)
	}
	return nil
}

// Emit delivers a result carrying sets to the registered callback.
func (m *MockModel) Emit(sets []LandmarkSet) {
	m.mu.Lock()
	callback := m.onResults
	kind := m.kind
	m.mu.Unlock()

	if callback != nil {
		callback(Result{OK: true, Kind: kind, Sets: sets, Timestamp: time.Now()})
	}
}

// Sends returns the number of frames accepted by Send.
func (m *MockModel) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

// Configures returns the number of Configure calls.
func (m *MockModel) Configures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configures
}

// Options returns the last options accepted by Configure.
func (m *MockModel) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// Close is a no-op for the mock model.
func (m *MockModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured = false
	return nil
}

// OpenPalmLandmarks returns a right hand with all fingers extended.
func OpenPalmLandmarks() LandmarkSet {
	points := make([]geometry.Point, NumHandLandmarks)

	// Wrist at base
	points[Wrist] = geometry.Point{X: 0.5, Y: 0.8}

	// Thumb extended to the side
	points[ThumbCMC] = geometry.Point{X: 0.55, Y: 0.75}
	points[ThumbMCP] = geometry.Point{X: 0.62, Y: 0.70}
	points[ThumbIP] = geometry.Point{X: 0.68, Y: 0.65}
	points[ThumbTip] = geometry.Point{X: 0.73, Y: 0.60}

	// Index finger extended upward
	points[IndexMCP] = geometry.Point{X: 0.55, Y: 0.68}
	points[IndexPIP] = geometry.Point{X: 0.57, Y: 0.55}
	points[IndexDIP] = geometry.Point{X: 0.58, Y: 0.45}
	points[IndexTip] = geometry.Point{X: 0.58, Y: 0.35}

	// Middle finger extended upward (slightly longer)
	points[MiddleMCP] = geometry.Point{X: 0.50, Y: 0.66}
	points[MiddlePIP] = geometry.Point{X: 0.50, Y: 0.52}
	points[MiddleDIP] = geometry.Point{X: 0.50, Y: 0.40}
	points[MiddleTip] = geometry.Point{X: 0.50, Y: 0.28}

	// Ring finger extended upward
	points[RingMCP] = geometry.Point{X: 0.45, Y: 0.68}
	points[RingPIP] = geometry.Point{X: 0.43, Y: 0.55}
	points[RingDIP] = geometry.Point{X: 0.42, Y: 0.45}
	points[RingTip] = geometry.Point{X: 0.42, Y: 0.35}

	// Pinky finger extended upward
	points[PinkyMCP] = geometry.Point{X: 0.40, Y: 0.70}
	points[PinkyPIP] = geometry.Point{X: 0.37, Y: 0.60}
	points[PinkyDIP] = geometry.Point{X: 0.35, Y: 0.50}
	points[PinkyTip] = geometry.Point{X: 0.34, Y: 0.42}

	return LandmarkSet{Points: points, Label: "Right", Score: 0.95}
}
