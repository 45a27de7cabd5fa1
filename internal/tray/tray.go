// Package tray provides the system tray menu for mudra.
package tray

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
)

// statusInterval is how often the status line is refreshed.
const statusInterval = time.Second

// Controller is the part of the application the tray drives.
type Controller interface {
	Enabled() bool
	SetEnabled(enabled bool) error
	Transform() geometry.TransformSpec
	SetTransform(spec geometry.TransformSpec) error
	Devices() []capture.Device
	SelectedIndex() int
	SelectDevice(ctx context.Context, index int) error
	IsReady() bool
	Kind() detector.Kind
}

// Tray represents the system tray application.
type Tray struct {
	ctrl Controller
	log  *zap.Logger

	mu         sync.RWMutex
	onSettings func()
	onQuit     func()

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuMirror *systray.MenuItem
	menuStatus *systray.MenuItem
	done       chan struct{}
}

// New creates a new Tray driving ctrl.
func New(ctrl Controller, log *zap.Logger) *Tray {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tray{
		ctrl: ctrl,
		log:  log,
		done: make(chan struct{}),
	}
}

// OnSettings sets the callback function to be called when the settings menu item is clicked.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit removes the tray icon and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Mudra")
	systray.SetTooltip("Mudra landmark tracking")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.ctrl.Enabled()), "Toggle landmark detection")
	t.menuMirror = systray.AddMenuItemCheckbox("Mirror", "Mirror landmarks horizontally", t.ctrl.Transform().Mirror)
	t.mu.Unlock()

	menuNext := systray.AddMenuItem("Next Camera", "Switch to the next camera")
	systray.AddSeparator()

	t.mu.Lock()
	t.menuStatus = systray.AddMenuItem(statusText(t.ctrl), "Capture status")
	t.menuStatus.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Settings...", "Open settings in browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Mudra")

	// Handle menu item clicks in a separate goroutine
	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-t.menuMirror.ClickedCh:
				t.handleMirror()
			case <-menuNext.ClickedCh:
				t.handleNextCamera()
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-ticker.C:
				t.refresh()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			case <-t.done:
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {
	close(t.done)
}

// handleToggle flips detection on or off.
func (t *Tray) handleToggle() {
	enabled := !t.ctrl.Enabled()
	if err := t.ctrl.SetEnabled(enabled); err != nil {
		t.log.Warn("failed to toggle detection", zap.Error(err))
	}
	t.refresh()
}

// handleMirror flips the mirror flag and keeps the rotation.
func (t *Tray) handleMirror() {
	spec := t.ctrl.Transform()
	spec.Mirror = !spec.Mirror
	if err := t.ctrl.SetTransform(spec); err != nil {
		t.log.Warn("failed to toggle mirror", zap.Error(err))
	}
	t.refresh()
}

// handleNextCamera switches to the next enumerated device, wrapping around.
func (t *Tray) handleNextCamera() {
	next, ok := nextIndex(t.ctrl.SelectedIndex(), len(t.ctrl.Devices()))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.ctrl.SelectDevice(ctx, next); err != nil {
		t.log.Warn("failed to switch camera", zap.Int("index", next), zap.Error(err))
	}
	t.refresh()
}

// handleSettings handles the settings menu item click.
func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// refresh updates the menu from the controller. It does nothing before
// the menu is built.
func (t *Tray) refresh() {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(t.ctrl.Enabled()))
	}
	if t.menuMirror != nil {
		if t.ctrl.Transform().Mirror {
			t.menuMirror.Check()
		} else {
			t.menuMirror.Uncheck()
		}
	}
	if t.menuStatus != nil {
		t.menuStatus.SetTitle(statusText(t.ctrl))
	}
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Disabled"
}

// statusText describes the capture state for the status line.
func statusText(ctrl Controller) string {
	if !ctrl.IsReady() {
		return "Camera: not ready"
	}
	devices := ctrl.Devices()
	index := ctrl.SelectedIndex()
	label := "unknown"
	if index >= 0 && index < len(devices) {
		label = devices[index].Label
	}
	return fmt.Sprintf("Camera: %s (%s)", label, ctrl.Kind())
}

// nextIndex returns the device after selected, or false with fewer than two devices.
func nextIndex(selected, count int) (int, bool) {
	if count < 2 {
		return 0, false
	}
	return (selected + 1) % count, true
}
