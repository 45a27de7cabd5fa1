// Package capture provides camera device discovery, permission handling and
// the capture session lifecycle, backed by GoCV (OpenCV).
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Default camera settings
const (
	DefaultFPS     = 15
	DefaultWidth   = 640
	DefaultHeight  = 480
	DefaultMaxScan = 4
)

// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// OpenCVProvider discovers and opens cameras through OpenCV.
//
// Permission is reported as PermissionPrompt until a stream has been opened,
// so the OS prompt is tied to the first open.
type OpenCVProvider struct {
	// MaxScan is the number of device indices tried when no device nodes can be listed.
	MaxScan int

	// FPS is requested from the device on open.
	FPS int

	log     *zap.Logger
	mu      sync.Mutex
	granted bool
}

// NewOpenCVProvider creates an OpenCVProvider with default settings.
func NewOpenCVProvider(log *zap.Logger) *OpenCVProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenCVProvider{
		MaxScan: DefaultMaxScan,
		FPS:     DefaultFPS,
		log:     log,
	}
}

// ListVideoInputs lists /dev/video* nodes on Linux and otherwise tries device indices.
func (p *OpenCVProvider) ListVideoInputs(ctx context.Context) ([]Device, error) {
	if runtime.GOOS == "linux" {
		if devices := listVideoNodes(); len(devices) > 0 {
			return devices, nil
		}
	}

	var devices []Device
	for i := 0; i < p.MaxScan; i++ {
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		opened := vc.IsOpened()
		vc.Close()
		if !opened {
			continue
		}

		devices = append(devices, Device{
			Label: fmt.Sprintf("Camera %d", i),
			ID:    strconv.Itoa(i),
		})
	}
	return devices, nil
}

// listVideoNodes reads V4L2 device nodes and their names from sysfs.
func listVideoNodes() []Device {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil || len(paths) == 0 {
		return nil
	}

	var ids []int
	for _, path := range paths {
		id, err := strconv.Atoi(strings.TrimPrefix(path, "/dev/video"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		label := fmt.Sprintf("/dev/video%d", id)
		if name, err := os.ReadFile(fmt.Sprintf("/sys/class/video4linux/video%d/name", id)); err == nil {
			if n := strings.TrimSpace(string(name)); n != "" {
				label = n
			}
		}
		devices = append(devices, Device{Label: label, ID: strconv.Itoa(id)})
	}
	return devices
}

// Query returns granted once a stream has been opened, prompt before.
func (p *OpenCVProvider) Query(ctx context.Context) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.granted {
		return PermissionGranted, nil
	}
	return PermissionPrompt, nil
}

// RequestAccess opens a stream on device, which triggers the OS prompt where there is one.
func (p *OpenCVProvider) RequestAccess(ctx context.Context, device Device, width, height int) (Stream, error) {
	return p.Open(ctx, device, width, height)
}

// Open opens the camera and applies the resolution and FPS.
func (p *OpenCVProvider) Open(ctx context.Context, device Device, width, height int) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := strconv.Atoi(device.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", device.ID, err)
	}

	if runtime.GOOS == "linux" {
		if err := checkNodeAccess(id); err != nil {
			return nil, err
		}
	}

	cam := newCameraStream(id, width, height, p.FPS)
	if err := cam.open(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.granted = true
	p.mu.Unlock()

	p.log.Debug("opened camera", zap.String("device", device.Label), zap.Int("id", id))
	return cam, nil
}

// checkNodeAccess reports a permission failure on the device node as ErrPermissionDenied.
func checkNodeAccess(id int) error {
	f, err := os.Open(fmt.Sprintf("/dev/video%d", id))
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil
	}
	return f.Close()
}

// cameraStream manages video capture from a camera device using GoCV.
type cameraStream struct {
	deviceID int
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
	fps      int
	width    int
	height   int
}

func newCameraStream(deviceID, width, height, fps int) *cameraStream {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &cameraStream{
		deviceID: deviceID,
		fps:      fps,
		width:    width,
		height:   height,
	}
}

// open opens the camera for capturing frames.
func (c *cameraStream) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(c.deviceID)
	if err != nil {
		return err
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("camera %d could not be opened", c.deviceID)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	capture.Set(gocv.VideoCaptureFPS, float64(c.fps))

	// The device may not support the requested size.
	if w := int(capture.Get(gocv.VideoCaptureFrameWidth)); w > 0 {
		c.width = w
	}
	if h := int(capture.Get(gocv.VideoCaptureFrameHeight)); h > 0 {
		c.height = h
	}

	c.capture = capture
	c.running = true

	return nil
}

// Close closes the camera and releases resources.
func (c *cameraStream) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// ReadFrame reads a single frame from the camera.
// The caller is responsible for closing the returned Mat.
func (c *cameraStream) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, errors.New("failed to read frame from camera")
	}

	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}

	return &mat, nil
}

// Size returns the frame size reported by the device.
func (c *cameraStream) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.width, c.height
}

// IsOpen returns true if the camera is currently open and running.
func (c *cameraStream) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}
