package api

import "net/http"

// LatestHandler handles GET /api/landmarks/latest.
type LatestHandler struct {
	source ResultSource
}

// NewLatestHandler creates a new LatestHandler.
func NewLatestHandler(source ResultSource) *LatestHandler {
	return &LatestHandler{source: source}
}

// ServeHTTP writes the latest result, or 204 before the first result.
func (h *LatestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := h.source.Latest()
	if !result.OK {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
