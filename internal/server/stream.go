package server

import (
	"fmt"
	"image"
	"image/color"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/server/api"
)

// Stream defaults.
const (
	DefaultStreamQuality = 80
	DefaultStreamFPS     = 15
)

// FrameSource provides the most recent captured frame.
type FrameSource interface {
	// Snapshot returns a copy of the latest frame, or false if there is none.
	// The caller is responsible for closing the returned Mat.
	Snapshot() (*gocv.Mat, bool)
}

var (
	handColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	faceColor = color.RGBA{R: 0, G: 200, B: 255, A: 0}
)

// StreamHandler serves MJPEG frames from the capture session.
// With ?overlay=1 the latest landmarks are drawn onto each frame.
type StreamHandler struct {
	frames   FrameSource
	results  api.ResultSource
	quality  int
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler. results may be nil, which disables the overlay.
func NewStreamHandler(frames FrameSource, results api.ResultSource, quality, fps int) *StreamHandler {
	if quality < 1 || quality > 100 {
		quality = DefaultStreamQuality
	}
	if fps <= 0 {
		fps = DefaultStreamFPS
	}
	return &StreamHandler{
		frames:   frames,
		results:  results,
		quality:  quality,
		interval: time.Second / time.Duration(fps),
	}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	overlay := h.results != nil && r.URL.Query().Get("overlay") == "1"

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame, ok := h.frames.Snapshot()
		if !ok {
			continue
		}

		if overlay {
			drawLandmarks(frame, h.results.Latest())
		}

		buf, err := gocv.IMEncodeWithParams(".jpg", *frame, []int{int(gocv.IMWriteJpegQuality), h.quality})
		frame.Close()
		if err != nil {
			continue
		}

		// Write MJPEG frame
		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", buf.Len())
		_, err = w.Write(buf.GetBytes())
		fmt.Fprintf(w, "\r\n")
		buf.Close()
		if err != nil {
			return
		}

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// drawLandmarks draws every point of result onto frame.
// Points that fall outside the frame after rotation are skipped.
func drawLandmarks(frame *gocv.Mat, result detector.Result) {
	if !result.OK || frame.Empty() {
		return
	}

	width, height := frame.Cols(), frame.Rows()
	c, radius := handColor, 4
	if result.Kind == detector.KindFace {
		c, radius = faceColor, 1
	}

	for _, set := range result.Sets {
		for _, p := range set.Points {
			if !p.InFrame() {
				continue
			}
			x, y := p.ToPixel(width, height)
			gocv.Circle(frame, image.Pt(x, y), radius, c, -1)
		}
	}
}
