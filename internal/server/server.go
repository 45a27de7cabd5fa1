// Package server provides the HTTP server for mudra.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/mudra/internal/server/api"
	"github.com/ayusman/mudra/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Controller api.Controller
	Frames     FrameSource
	Results    ResultFeed

	// StreamQuality is the MJPEG JPEG quality (1-100). Zero means 80.
	StreamQuality int

	// StreamFPS is the MJPEG frame rate. Zero means 15.
	StreamFPS int

	Logger *zap.Logger
}

// Server represents the HTTP server for the mudra application.
type Server struct {
	config    Config
	mux       *http.ServeMux
	start     time.Time
	log       *zap.Logger
	landmarks *LandmarksHandler
	http      *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if ctrl := s.config.Controller; ctrl != nil {
		devices := api.NewDevicesHandler(ctrl)
		s.mux.Handle("/api/devices", devices)
		s.mux.Handle("/api/devices/", devices)
		s.mux.Handle("/api/transform", api.NewTransformHandler(ctrl))
		s.mux.Handle("/api/session", api.NewSessionHandler(ctrl))
		s.mux.Handle("/api/session/model", api.NewModelHandler(ctrl))
		s.mux.Handle("/api/landmarks/latest", api.NewLatestHandler(ctrl))
	}

	if s.config.Store != nil {
		s.mux.Handle("/api/sessions", api.NewHistoryHandler(s.config.Store))
	}

	// Register camera stream endpoint if a frame source is configured
	if s.config.Frames != nil {
		var overlay api.ResultSource
		if s.config.Controller != nil {
			overlay = s.config.Controller
		}
		stream := NewStreamHandler(s.config.Frames, overlay, s.config.StreamQuality, s.config.StreamFPS)
		s.mux.Handle("/api/stream", stream)
	}

	// Register landmarks WebSocket endpoint if a result feed is configured
	if s.config.Results != nil {
		s.landmarks = NewLandmarksHandler(s.config.Results, s.log)
		s.mux.Handle("/api/landmarks", s.landmarks)
	}

	if s.config.Controller != nil {
		var clients func() int
		if s.landmarks != nil {
			clients = s.landmarks.Clients
		}
		s.mux.Handle("/metrics", NewMetricsHandler(s.config.Controller, clients))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
// It returns nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", zap.String("addr", addr))

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.landmarks != nil {
		s.landmarks.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
