package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/capture"
)

// runPump is the frame pump. Every tick it reads one frame from the
// session, keeps a copy for the MJPEG stream and hands it to the adapter
// when detection is enabled.
// Frames are never queued: a slow model makes the adapter skip frames.
func (a *App) runPump(ctx context.Context) {
	fps := a.settings.Camera.FPS
	if fps <= 0 {
		fps = capture.DefaultFPS
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pumpFrame()
		}
	}
}

// pumpFrame processes a single frame. It reports whether a frame was read.
// While detection is disabled frames still refresh the snapshot but are not
// handed to the adapter.
func (a *App) pumpFrame() bool {
	if !a.session.IsReady() {
		return false
	}

	frame, err := a.session.ReadFrame()
	if err != nil {
		if !errors.Is(err, capture.ErrSessionNotReady) {
			a.log.Debug("error reading frame", zap.Error(err))
		}
		return false
	}
	defer frame.Close()

	if frame.Empty() {
		return false
	}

	a.storeSnapshot(frame.Clone())
	if a.Enabled() {
		a.adapter.OnFrame(frame)
	}
	return true
}

// storeSnapshot replaces the frame served by Snapshot.
func (a *App) storeSnapshot(frame gocv.Mat) {
	a.mu.Lock()
	old := a.snapshot
	a.snapshot = &frame
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
}
