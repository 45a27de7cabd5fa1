package capture

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// MockProvider is a scripted Provider for tests.
// It counts opens and releases so tests can check that a session never
// holds more than one stream.
type MockProvider struct {
	mu         sync.Mutex
	devices    []Device
	listErr    error
	permission Permission
	denyAccess bool
	openErr    error
	frames     []*gocv.Mat
	loop       bool

	opens    int
	releases int
	active   int
	maxOpen  int
	opened   []Device
}

// NewMockProvider creates a provider with the given devices and granted permission.
func NewMockProvider(devices ...Device) *MockProvider {
	return &MockProvider{
		devices:    devices,
		permission: PermissionGranted,
	}
}

// SetDevices replaces the device list.
func (p *MockProvider) SetDevices(devices []Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
}

// SetListError makes ListVideoInputs fail.
func (p *MockProvider) SetListError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// SetPermission sets the state reported by Query.
// With PermissionPrompt, deny decides whether RequestAccess is refused.
func (p *MockProvider) SetPermission(perm Permission, deny bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = perm
	p.denyAccess = deny
}

// SetOpenError makes Open fail.
func (p *MockProvider) SetOpenError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// SetFrames sets the frames played back by streams opened after the call.
func (p *MockProvider) SetFrames(frames []*gocv.Mat, loop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = frames
	p.loop = loop
}

// ListVideoInputs returns the scripted devices.
func (p *MockProvider) ListVideoInputs(ctx context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]Device(nil), p.devices...), nil
}

// Query returns the scripted permission.
func (p *MockProvider) Query(ctx context.Context) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission, nil
}

// RequestAccess grants access by opening a stream unless denial is scripted.
func (p *MockProvider) RequestAccess(ctx context.Context, device Device, width, height int) (Stream, error) {
	p.mu.Lock()
	deny := p.denyAccess
	p.mu.Unlock()

	if deny {
		return nil, fmt.Errorf("%w: user dismissed prompt", ErrPermissionDenied)
	}

	stream, err := p.Open(ctx, device, width, height)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.permission = PermissionGranted
	p.mu.Unlock()
	return stream, nil
}

// Open opens a MockStream on device.
func (p *MockProvider) Open(ctx context.Context, device Device, width, height int) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.openErr != nil {
		return nil, p.openErr
	}

	p.opens++
	p.active++
	if p.active > p.maxOpen {
		p.maxOpen = p.active
	}
	p.opened = append(p.opened, device)

	return &MockStream{
		provider: p,
		device:   device,
		width:    width,
		height:   height,
		frames:   p.frames,
		loop:     p.loop,
		running:  true,
	}, nil
}

// Opens returns the number of successful opens.
func (p *MockProvider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Releases returns the number of closed streams.
func (p *MockProvider) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

// Active returns the number of streams currently open.
func (p *MockProvider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxActive returns the highest number of streams open at the same time.
func (p *MockProvider) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// Opened returns the devices passed to successful opens, in order.
func (p *MockProvider) Opened() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Device(nil), p.opened...)
}

func (p *MockProvider) released() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	p.active--
}

// MockStream plays back pre-recorded frames for testing.
type MockStream struct {
	provider *MockProvider
	device   Device
	width    int
	height   int
	frames   []*gocv.Mat
	index    int
	loop     bool
	mu       sync.Mutex
	running  bool
}

// Device returns the device the stream was opened on.
func (s *MockStream) Device() Device {
	return s.device
}

// ReadFrame returns a clone of the next frame.
func (s *MockStream) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrCameraNotOpen
	}

	if len(s.frames) == 0 {
		return nil, fmt.Errorf("no frames available")
	}

	if s.index >= len(s.frames) {
		if s.loop {
			s.index = 0
		} else {
			return nil, fmt.Errorf("no more frames")
		}
	}

	// Clone the frame so the original isn't modified
	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

// Size returns the requested frame size.
func (s *MockStream) Size() (int, int) {
	return s.width, s.height
}

// Close marks the stream closed. Closing twice is a no-op.
func (s *MockStream) Close() error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning && s.provider != nil {
		s.provider.released()
	}
	return nil
}
