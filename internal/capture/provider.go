package capture

import (
	"context"

	"gocv.io/x/gocv"
)

// Device is a video input device reported by a DeviceLister.
type Device struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

// Permission is the host's camera permission state.
type Permission string

const (
	// PermissionGranted means streams can be opened without a prompt.
	PermissionGranted Permission = "granted"
	// PermissionDenied means the user or OS refused camera access.
	PermissionDenied Permission = "denied"
	// PermissionPrompt means access is decided when the first stream is opened.
	PermissionPrompt Permission = "prompt"
)

// Stream is an open capture stream bound to one device.
type Stream interface {
	// ReadFrame reads a single frame. The caller is responsible for closing the returned Mat.
	ReadFrame() (*gocv.Mat, error)

	// Size returns the frame size the device is delivering.
	Size() (width, height int)

	// Close releases the device handle.
	Close() error
}

// DeviceLister enumerates video input devices.
type DeviceLister interface {
	ListVideoInputs(ctx context.Context) ([]Device, error)
}

// PermissionProvider reports and requests camera permission.
type PermissionProvider interface {
	// Query returns the current permission state without prompting.
	Query(ctx context.Context) (Permission, error)

	// RequestAccess asks for access by opening a stream on device.
	// A denial is reported as an error wrapping ErrPermissionDenied.
	RequestAccess(ctx context.Context, device Device, width, height int) (Stream, error)
}

// StreamOpener opens capture streams.
type StreamOpener interface {
	Open(ctx context.Context, device Device, width, height int) (Stream, error)
}

// Provider is the full set of host capture capabilities a Session needs.
type Provider interface {
	DeviceLister
	PermissionProvider
	StreamOpener
}
