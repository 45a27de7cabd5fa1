package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/tracking"
)

// fakeController is an in-memory Controller for handler tests.
type fakeController struct {
	devices    []capture.Device
	selected   int
	selectErr  error
	refreshErr error
	refreshes  int
	spec       geometry.TransformSpec
	specErr    error
	enabled    bool
	reloadErr  error
	reloads    int
	latest     detector.Result
}

func newFakeController() *fakeController {
	return &fakeController{
		devices: []capture.Device{
			{Label: "Integrated Camera", ID: "0"},
			{Label: "USB Camera", ID: "1"},
		},
		latest: detector.Result{Kind: detector.KindHands},
	}
}

func (f *fakeController) Devices() []capture.Device { return f.devices }
func (f *fakeController) SelectedIndex() int { return f.selected }

func (f *fakeController) SelectDevice(ctx context.Context, index int) error {
	if f.selectErr != nil {
		return f.selectErr
	}
	if index < 0 || index >= len(f.devices) {
		return fmt.Errorf("%w: %d", capture.ErrInvalidDeviceIndex, index)
	}
	f.selected = index
	return nil
}

func (f *fakeController) RefreshDevices(ctx context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func (f *fakeController) Transform() geometry.TransformSpec { return f.spec }

func (f *fakeController) SetTransform(spec geometry.TransformSpec) error {
	if f.specErr != nil {
		return f.specErr
	}
	f.spec = spec
	return nil
}

func (f *fakeController) SessionID() string { return "session-1" }
func (f *fakeController) State() capture.State { return capture.StateCapturing }
func (f *fakeController) IsReady() bool { return true }
func (f *fakeController) Resolution() (int, int) { return 640, 480 }
func (f *fakeController) Kind() detector.Kind { return detector.KindHands }
func (f *fakeController) Stats() tracking.Stats { return tracking.Stats{FramesSeen: 10, FramesSent: 4} }
func (f *fakeController) Enabled() bool { return f.enabled }
func (f *fakeController) SetEnabled(enabled bool) error {
	f.enabled = enabled
	return nil
}
func (f *fakeController) ReloadModel() error {
	f.reloads++
	return f.reloadErr
}
func (f *fakeController) Latest() detector.Result { return f.latest }

func TestDevicesHandler_List(t *testing.T) {
	ctrl := newFakeController()
	handler := NewDevicesHandler(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var response devicesResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Devices) != 2 || response.Devices[1].Label != "USB Camera" {
		t.Errorf("unexpected devices: %+v", response.Devices)
	}
	if response.Selected != 0 {
		t.Errorf("expected selected 0, got %d", response.Selected)
	}
}

func TestDevicesHandler_ListEmpty(t *testing.T) {
	ctrl := newFakeController()
	ctrl.devices = nil
	handler := NewDevicesHandler(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(raw["devices"]) != "[]" {
		t.Errorf("expected empty devices array, got %s", raw["devices"])
	}
}

func TestDevicesHandler_Select(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		selectErr  error
		wantStatus int
		wantIndex  int
	}{
		{name: "valid index", body: `{"index": 1}`, wantStatus: http.StatusOK, wantIndex: 1},
		{name: "out of range", body: `{"index": 5}`, wantStatus: http.StatusBadRequest},
		{name: "missing index", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "negative index", body: `{"index": -1}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{"index":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"index": 1, "label": "x"}`, wantStatus: http.StatusBadRequest},
		{
			name:       "not capturing",
			body:       `{"index": 1}`,
			selectErr:  fmt.Errorf("switch device: %w", capture.ErrSessionNotReady),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "open failure",
			body:       `{"index": 1}`,
			selectErr:  fmt.Errorf("%w: USB Camera: busy", capture.ErrStreamOpenFailed),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.selectErr = tt.selectErr
			handler := NewDevicesHandler(ctrl)

			req := httptest.NewRequest(http.MethodPut, "/api/devices/selected", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (body %s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && ctrl.selected != tt.wantIndex {
				t.Errorf("expected selected %d, got %d", tt.wantIndex, ctrl.selected)
			}
		})
	}
}

func TestDevicesHandler_Refresh(t *testing.T) {
	ctrl := newFakeController()
	handler := NewDevicesHandler(ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/refresh", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ctrl.refreshes != 1 {
		t.Errorf("expected 1 refresh, got %d", ctrl.refreshes)
	}

	ctrl.refreshErr = capture.ErrNoDevicesFound
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/devices/refresh", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestDevicesHandler_MethodNotAllowed(t *testing.T) {
	handler := NewDevicesHandler(newFakeController())

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/devices"},
		{http.MethodGet, "/api/devices/selected"},
		{http.MethodGet, "/api/devices/refresh"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.path, http.StatusMethodNotAllowed, rec.Code)
		}
	}
}

func TestTransformHandler(t *testing.T) {
	ctrl := newFakeController()
	handler := NewTransformHandler(ctrl)

	t.Run("get", func(t *testing.T) {
		ctrl.spec = geometry.TransformSpec{Mirror: true, RotationDegrees: 90}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transform", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var got geometry.TransformSpec
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got != ctrl.spec {
			t.Errorf("expected %+v, got %+v", ctrl.spec, got)
		}
	})

	t.Run("partial update keeps other fields", func(t *testing.T) {
		ctrl.spec = geometry.TransformSpec{Mirror: true, RotationDegrees: 90}

		req := httptest.NewRequest(http.MethodPut, "/api/transform", bytes.NewBufferString(`{"rotation_degrees": 180}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		want := geometry.TransformSpec{Mirror: true, RotationDegrees: 180}
		if ctrl.spec != want {
			t.Errorf("expected %+v, got %+v", want, ctrl.spec)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/transform", bytes.NewBufferString(`{"mirror": "yes"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("controller error", func(t *testing.T) {
		ctrl.specErr = capture.ErrSessionClosed
		defer func() { ctrl.specErr = nil }()

		req := httptest.NewRequest(http.MethodPut, "/api/transform", bytes.NewBufferString(`{"mirror": false}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}

func TestSessionHandler(t *testing.T) {
	ctrl := newFakeController()
	handler := NewSessionHandler(ctrl)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var got sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "session-1" || got.State != "capturing" || !got.Ready || got.Kind != "hands" {
		t.Errorf("unexpected session response: %+v", got)
	}
	if got.Width != 640 || got.Height != 480 || got.Stats.FramesSent != 4 {
		t.Errorf("unexpected session response: %+v", got)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/session", bytes.NewBufferString(`{"enabled": true}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !ctrl.enabled {
		t.Error("expected detection to be enabled")
	}

	req = httptest.NewRequest(http.MethodPut, "/api/session", bytes.NewBufferString(`{"enabled": false}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ctrl.enabled {
		t.Error("expected detection to be disabled")
	}

	req = httptest.NewRequest(http.MethodPut, "/api/session", bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestModelHandler(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		err      error
		wantCode int
	}{
		{"reload succeeds", http.MethodPost, nil, http.StatusOK},
		{"reload fails", http.MethodPost, fmt.Errorf("%w: no service", detector.ErrModelLoadFailed), http.StatusServiceUnavailable},
		{"get not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.reloadErr = tt.err

			rec := httptest.NewRecorder()
			NewModelHandler(ctrl).ServeHTTP(rec, httptest.NewRequest(tt.method, "/api/session/model", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.method == http.MethodPost && ctrl.reloads != 1 {
				t.Errorf("reloads = %d, want 1", ctrl.reloads)
			}
		})
	}
}

func TestLatestHandler(t *testing.T) {
	ctrl := newFakeController()
	handler := NewLatestHandler(ctrl)

	t.Run("no result yet", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/landmarks/latest", nil))

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
	})

	t.Run("zero subjects", func(t *testing.T) {
		ctrl.latest = detector.Result{OK: true, Kind: detector.KindHands, Sets: []detector.LandmarkSet{}, Timestamp: time.Now()}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/landmarks/latest", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var got detector.Result
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !got.OK || got.Count() != 0 {
			t.Errorf("expected ok result with zero subjects, got %+v", got)
		}
	})

	t.Run("with landmarks", func(t *testing.T) {
		ctrl.latest = detector.Result{
			OK:        true,
			Kind:      detector.KindHands,
			Sets:      []detector.LandmarkSet{detector.OpenPalmLandmarks()},
			Timestamp: time.Now(),
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/landmarks/latest", nil))

		var got detector.Result
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Count() != 1 || len(got.Sets[0].Points) != detector.NumHandLandmarks {
			t.Errorf("expected one full hand, got %+v", got)
		}
		if got.Sets[0].Label != "Right" {
			t.Errorf("expected label Right, got %q", got.Sets[0].Label)
		}
	})
}

func TestHistoryHandler(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	handler := NewHistoryHandler(s)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var empty historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&empty); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if empty.Sessions == nil || len(empty.Sessions) != 0 {
		t.Errorf("expected empty sessions array, got %v", empty.Sessions)
	}

	for _, id := range []string{"a", "b", "c"} {
		rec := &store.SessionRecord{ID: id, DeviceID: "0", Kind: "hands", Width: 640, Height: 480}
		if err := s.Sessions().Create(rec); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=2", nil))
	var got historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got.Sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(got.Sessions))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", capture.ErrInvalidDeviceIndex), http.StatusBadRequest},
		{capture.ErrNoDevicesFound, http.StatusNotFound},
		{capture.ErrPermissionDenied, http.StatusForbidden},
		{capture.ErrSessionNotReady, http.StatusConflict},
		{capture.ErrStreamOpenFailed, http.StatusBadGateway},
		{capture.ErrSessionClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: no python", detector.ErrModelLoadFailed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	zero, negative := 0, -1
	tests := []struct {
		name string
		req  interface{}
		want string
	}{
		{name: "valid zero index", req: &selectDeviceRequest{Index: &zero}, want: ""},
		{name: "missing index", req: &selectDeviceRequest{}, want: "index is required"},
		{name: "negative index", req: &selectDeviceRequest{Index: &negative}, want: "index must be at least 0"},
		{name: "missing enabled", req: &updateSessionRequest{}, want: "enabled is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Errorf("validateRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
