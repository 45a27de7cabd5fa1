package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/mudra/internal/capture"
)

// DevicesHandler handles /api/devices and /api/devices/selected.
type DevicesHandler struct {
	ctrl DeviceController
}

// NewDevicesHandler creates a new DevicesHandler.
func NewDevicesHandler(ctrl DeviceController) *DevicesHandler {
	return &DevicesHandler{ctrl: ctrl}
}

type devicesResponse struct {
	Devices  []capture.Device `json:"devices"`
	Selected int              `json:"selected"`
}

type selectDeviceRequest struct {
	Index *int `json:"index" validate:"required,min=0"`
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/devices, /api/devices/refresh or /api/devices/selected
	path := strings.TrimPrefix(r.URL.Path, "/api/devices")
	path = strings.Trim(path, "/")

	switch path {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)

	case "refresh":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.refresh(w, r)

	case "selected":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.selectDevice(w, r)

	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (h *DevicesHandler) response() devicesResponse {
	devices := h.ctrl.Devices()
	if devices == nil {
		devices = []capture.Device{}
	}
	return devicesResponse{Devices: devices, Selected: h.ctrl.SelectedIndex()}
}

// list handles GET /api/devices.
func (h *DevicesHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.response())
}

// refresh handles POST /api/devices/refresh and re-enumerates devices.
func (h *DevicesHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.RefreshDevices(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response())
}

// selectDevice handles PUT /api/devices/selected.
func (h *DevicesHandler) selectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ctrl.SelectDevice(r.Context(), *req.Index); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response())
}
