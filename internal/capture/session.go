package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/geometry"
)

// Session errors.
var (
	// ErrNoDevicesFound is returned when enumeration finds no video inputs.
	ErrNoDevicesFound = errors.New("no video input devices found")

	// ErrInvalidDeviceIndex is returned for a device index outside the enumerated list.
	ErrInvalidDeviceIndex = errors.New("invalid device index")

	// ErrPermissionDenied is returned when camera access is refused.
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrSessionNotReady is returned when an operation runs before the session reached the required state.
	ErrSessionNotReady = errors.New("capture session not ready")

	// ErrStreamOpenFailed wraps a provider failure to open a stream.
	ErrStreamOpenFailed = errors.New("failed to open capture stream")

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("capture session closed")
)

// State is a capture session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateDevicesEnumerated
	StatePermissionChecked
	StateCapturing
	// StateReconfiguring is held while a device switch replaces the stream.
	// State reports it as StateCapturing.
	StateReconfiguring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDevicesEnumerated:
		return "devices-enumerated"
	case StatePermissionChecked:
		return "permission-checked"
	case StateCapturing:
		return "capturing"
	case StateReconfiguring:
		return "reconfiguring"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig holds the initial selection of a Session.
type SessionConfig struct {
	DeviceIndex int
	Width       int
	Height      int
	Transform   geometry.TransformSpec

	// OnReady is called once per successful stream open, outside any session lock.
	OnReady func()
}

// Session owns at most one capture stream and walks it through
// enumeration, permission and capture.
type Session struct {
	id       string
	provider Provider
	log      *zap.Logger

	// opMu serializes lifecycle operations so a stream is always released
	// before the next one is requested.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	devices []Device
	index   int
	width   int
	height  int
	spec    geometry.TransformSpec
	stream  Stream
	bound   Device // device the stream was opened on
	onReady func()
}

// NewSession creates a Session in StateUninitialized.
func NewSession(provider Provider, config SessionConfig, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Width <= 0 {
		config.Width = DefaultWidth
	}
	if config.Height <= 0 {
		config.Height = DefaultHeight
	}
	if config.DeviceIndex < 0 {
		config.DeviceIndex = 0
	}

	id := uuid.New().String()
	return &Session{
		id:       id,
		provider: provider,
		log:      log.With(zap.String("session", id)),
		state:    StateUninitialized,
		index:    config.DeviceIndex,
		width:    config.Width,
		height:   config.Height,
		spec:     config.Transform,
		onReady:  config.OnReady,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// SetOnReady replaces the ready notification.
func (s *Session) SetOnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// EnumerateDevices queries the provider for video inputs.
// An empty list fails with ErrNoDevicesFound and leaves the state unchanged.
// While a stream is bound the selected index follows its device into the
// new list. If that device is gone the stream is released and the session
// drops back to StatePermissionChecked.
func (s *Session) EnumerateDevices(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	devices, err := s.provider.ListVideoInputs(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		s.log.Warn("no video input devices found")
		return ErrNoDevicesFound
	}

	s.mu.Lock()
	s.devices = append([]Device(nil), devices...)
	lost := false
	if s.stream != nil {
		if i := deviceIndex(s.devices, s.bound.ID); i >= 0 {
			s.index = i
		} else {
			lost = true
		}
	}
	bound := s.bound
	if s.index >= len(s.devices) {
		s.log.Warn("selected device no longer present, using first device",
			zap.Int("index", s.index), zap.Int("devices", len(s.devices)))
		s.index = 0
	}
	if s.state == StateUninitialized {
		s.state = StateDevicesEnumerated
	}
	s.mu.Unlock()

	if lost {
		s.log.Warn("bound device disappeared, releasing stream", zap.String("device", bound.Label))
		s.release()
		s.setState(StatePermissionChecked)
	}

	s.log.Info("devices enumerated", zap.Int("count", len(devices)))
	return nil
}

func deviceIndex(devices []Device, id string) int {
	for i, d := range devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// CheckPermission queries camera permission and, when access is or becomes
// granted, opens the stream for the selected device.
// A denial returns ErrPermissionDenied and the session stays in StateDevicesEnumerated.
func (s *Session) CheckPermission(ctx context.Context) error {
	s.opMu.Lock()

	opened, err := s.checkPermission(ctx)
	s.opMu.Unlock()

	if opened {
		s.notifyReady()
	}
	return err
}

func (s *Session) checkPermission(ctx context.Context) (bool, error) {
	s.mu.RLock()
	state := s.state
	numDevices := len(s.devices)
	index, width, height := s.index, s.width, s.height
	s.mu.RUnlock()

	switch {
	case state == StateClosed:
		return false, ErrSessionClosed
	case numDevices == 0:
		return false, fmt.Errorf("check permission: %w: devices not enumerated", ErrSessionNotReady)
	case state == StateCapturing:
		return false, nil
	}

	perm, err := s.provider.Query(ctx)
	if err != nil {
		return false, fmt.Errorf("query camera permission: %w", err)
	}
	s.log.Debug("camera permission", zap.String("permission", string(perm)))

	switch perm {
	case PermissionGranted:
		s.setState(StatePermissionChecked)
		if err := s.open(ctx, index, width, height); err != nil {
			return false, err
		}
		return true, nil

	case PermissionPrompt:
		device := s.deviceAt(index)
		stream, err := s.provider.RequestAccess(ctx, device, width, height)
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				s.log.Warn("camera permission denied", zap.Error(err))
				return false, err
			}
			return false, fmt.Errorf("%w: %w", ErrStreamOpenFailed, err)
		}
		s.setState(StatePermissionChecked)
		s.bind(stream, index, width, height)
		return true, nil

	case PermissionDenied:
		s.log.Warn("camera permission denied")
		return false, ErrPermissionDenied

	default:
		return false, fmt.Errorf("unknown camera permission %q", perm)
	}
}

// OpenStream binds a stream for the device at index with the given resolution.
// Any existing stream is released first. A non-positive width or height keeps
// the configured resolution.
func (s *Session) OpenStream(ctx context.Context, index, width, height int) error {
	s.opMu.Lock()
	err := s.open(ctx, index, width, height)
	s.opMu.Unlock()

	if err != nil {
		return err
	}
	s.notifyReady()
	return nil
}

// open requires opMu.
func (s *Session) open(ctx context.Context, index, width, height int) error {
	s.mu.RLock()
	state := s.state
	numDevices := len(s.devices)
	if width <= 0 || height <= 0 {
		width, height = s.width, s.height
	}
	s.mu.RUnlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case numDevices == 0:
		return ErrNoDevicesFound
	case state < StatePermissionChecked:
		return fmt.Errorf("open stream: %w: permission not checked", ErrSessionNotReady)
	case index < 0 || index >= numDevices:
		return fmt.Errorf("%w: %d (have %d devices)", ErrInvalidDeviceIndex, index, numDevices)
	}

	s.release()

	device := s.deviceAt(index)
	stream, err := s.provider.Open(ctx, device, width, height)
	if err != nil {
		s.setState(StatePermissionChecked)
		s.log.Error("failed to open stream", zap.String("device", device.Label), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrStreamOpenFailed, device.Label, err)
	}

	s.bind(stream, index, width, height)
	return nil
}

// SwitchDevice replaces the stream with one on the device at index and stores spec.
// Selecting the current device is a no-op. The ready notification fires
// again once the new stream is open.
func (s *Session) SwitchDevice(ctx context.Context, index int, spec geometry.TransformSpec) error {
	s.opMu.Lock()

	s.mu.Lock()
	state := s.state
	current := s.index
	numDevices := len(s.devices)
	width, height := s.width, s.height

	switch {
	case state == StateClosed:
		s.mu.Unlock()
		s.opMu.Unlock()
		return ErrSessionClosed
	case state != StateCapturing:
		s.mu.Unlock()
		s.opMu.Unlock()
		return fmt.Errorf("switch device: %w: not capturing", ErrSessionNotReady)
	case index == current:
		s.mu.Unlock()
		s.opMu.Unlock()
		return nil
	case index < 0 || index >= numDevices:
		s.mu.Unlock()
		s.opMu.Unlock()
		return fmt.Errorf("%w: %d (have %d devices)", ErrInvalidDeviceIndex, index, numDevices)
	}

	s.state = StateReconfiguring
	s.spec = spec
	s.mu.Unlock()

	s.log.Info("switching device", zap.Int("from", current), zap.Int("to", index))

	s.release()

	device := s.deviceAt(index)
	stream, err := s.provider.Open(ctx, device, width, height)
	if err != nil {
		s.setState(StatePermissionChecked)
		s.opMu.Unlock()
		s.log.Error("failed to open stream after switch", zap.String("device", device.Label), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrStreamOpenFailed, device.Label, err)
	}

	s.bind(stream, index, width, height)
	s.opMu.Unlock()

	s.notifyReady()
	return nil
}

// Close releases the stream. Every later operation returns ErrSessionClosed.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateClosed {
		return nil
	}

	err := s.release()
	s.setState(StateClosed)
	s.log.Info("session closed")
	return err
}

// IsReady reports whether a stream is open and the session is capturing.
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateCapturing && s.stream != nil
}

// State returns the externally visible state. A device switch in progress
// reports StateCapturing.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateReconfiguring {
		return StateCapturing
	}
	return s.state
}

// ReadFrame reads a frame from the bound stream.
// Returns ErrSessionNotReady before the session is capturing.
func (s *Session) ReadFrame() (*gocv.Mat, error) {
	s.mu.RLock()
	stream := s.stream
	ready := s.state == StateCapturing && stream != nil
	s.mu.RUnlock()

	if !ready {
		return nil, ErrSessionNotReady
	}
	return stream.ReadFrame()
}

// Transform returns the current transform spec.
func (s *Session) Transform() geometry.TransformSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// SetTransform replaces the transform spec. The stream is not touched.
func (s *Session) SetTransform(spec geometry.TransformSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec = spec
}

// Devices returns a copy of the enumerated devices.
func (s *Session) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Device(nil), s.devices...)
}

// SelectedIndex returns the index of the selected device.
func (s *Session) SelectedIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// SelectIndex changes the device used by the next CheckPermission or open
// without touching a bound stream. Use SwitchDevice while capturing.
func (s *Session) SelectIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if index < 0 || (s.devices != nil && index >= len(s.devices)) {
		return fmt.Errorf("%w: %d (have %d devices)", ErrInvalidDeviceIndex, index, len(s.devices))
	}
	s.index = index
	return nil
}

// Resolution returns the requested capture resolution.
func (s *Session) Resolution() (width, height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		s.log.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", state))
	}
	s.state = state
}

func (s *Session) deviceAt(index int) Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[index]
}

// bind stores an opened stream and enters StateCapturing.
func (s *Session) bind(stream Stream, index, width, height int) {
	s.mu.Lock()
	s.stream = stream
	s.index = index
	s.width = width
	s.height = height
	s.state = StateCapturing
	device := s.devices[index]
	s.bound = device
	s.mu.Unlock()

	s.log.Info("capturing",
		zap.String("device", device.Label),
		zap.Int("width", width),
		zap.Int("height", height))
}

// release closes the bound stream, if any.
func (s *Session) release() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("error releasing stream", zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) notifyReady() {
	s.mu.RLock()
	callback := s.onReady
	s.mu.RUnlock()

	if callback != nil {
		callback()
	}
}
