package api

import "net/http"

// TransformHandler handles GET and PUT /api/transform.
type TransformHandler struct {
	ctrl TransformController
}

// NewTransformHandler creates a new TransformHandler.
func NewTransformHandler(ctrl TransformController) *TransformHandler {
	return &TransformHandler{ctrl: ctrl}
}

type transformRequest struct {
	Mirror          *bool    `json:"mirror"`
	RotationDegrees *float64 `json:"rotation_degrees"`
}

// ServeHTTP implements the http.Handler interface.
func (h *TransformHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.ctrl.Transform())
	case http.MethodPut:
		h.update(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// update replaces the fields present in the request and keeps the others.
func (h *TransformHandler) update(w http.ResponseWriter, r *http.Request) {
	var req transformRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	spec := h.ctrl.Transform()
	if req.Mirror != nil {
		spec.Mirror = *req.Mirror
	}
	if req.RotationDegrees != nil {
		spec.RotationDegrees = *req.RotationDegrees
	}

	if err := h.ctrl.SetTransform(spec); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}
