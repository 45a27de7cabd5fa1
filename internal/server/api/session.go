package api

import (
	"net/http"

	"github.com/ayusman/mudra/internal/tracking"
)

// SessionHandler handles GET and PUT /api/session.
type SessionHandler struct {
	ctrl SessionController
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(ctrl SessionController) *SessionHandler {
	return &SessionHandler{ctrl: ctrl}
}

type sessionResponse struct {
	ID      string         `json:"id"`
	State   string         `json:"state"`
	Ready   bool           `json:"ready"`
	Enabled bool           `json:"enabled"`
	Kind    string         `json:"kind"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Stats   tracking.Stats `json:"stats"`
}

type updateSessionRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ServeHTTP implements the http.Handler interface.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.status())
	case http.MethodPut:
		h.update(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SessionHandler) status() sessionResponse {
	width, height := h.ctrl.Resolution()
	return sessionResponse{
		ID:      h.ctrl.SessionID(),
		State:   h.ctrl.State().String(),
		Ready:   h.ctrl.IsReady(),
		Enabled: h.ctrl.Enabled(),
		Kind:    string(h.ctrl.Kind()),
		Width:   width,
		Height:  height,
		Stats:   h.ctrl.Stats(),
	}
}

// update handles PUT /api/session, which enables or disables detection.
func (h *SessionHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ctrl.SetEnabled(*req.Enabled); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// ModelHandler handles POST /api/session/model, which retries loading the
// detection model after a failure.
type ModelHandler struct {
	session *SessionHandler
}

// NewModelHandler creates a new ModelHandler.
func NewModelHandler(ctrl SessionController) *ModelHandler {
	return &ModelHandler{session: NewSessionHandler(ctrl)}
}

// ServeHTTP implements the http.Handler interface.
func (h *ModelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.session.ctrl.ReloadModel(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.status())
}
