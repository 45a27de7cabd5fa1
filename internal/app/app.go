// Package app wires the capture session, the detection adapter and the
// preferences store into the running mudra service.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/tracking"
)

// ModelFactory builds the detection model for a landmark kind.
type ModelFactory func(kind detector.Kind) detector.Model

// Config holds the dependencies of an App.
type Config struct {
	Settings config.Config
	Provider capture.Provider
	NewModel ModelFactory

	// Store persists preferences and session history. Nil disables both.
	Store *store.Store

	Logger *zap.Logger
}

// App is the main application that orchestrates capture and landmark detection.
type App struct {
	settings config.Config
	store    *store.Store
	log      *zap.Logger
	session  *capture.Session
	adapter  *tracking.Adapter
	gate     *capture.MotionGate
	variant  detector.Variant

	mu       sync.RWMutex
	enabled  bool
	deviceID string
	record   *store.SessionRecord
	snapshot *gocv.Mat
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an App. Preferences saved in the store override the camera and
// detection settings.
func New(cfg Config) (*App, error) {
	if cfg.Provider == nil {
		return nil, errors.New("app: provider is required")
	}
	if cfg.NewModel == nil {
		return nil, errors.New("app: model factory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := &App{
		settings: cfg.Settings,
		store:    cfg.Store,
		log:      log,
	}

	prefs := a.loadPreferences()
	a.enabled = prefs.Enabled
	a.deviceID = prefs.DeviceID

	variant, err := a.resolveVariant(prefs.Kind)
	if err != nil {
		return nil, err
	}
	a.variant = variant

	a.session = capture.NewSession(cfg.Provider, capture.SessionConfig{
		DeviceIndex: cfg.Settings.Camera.DeviceIndex,
		Width:       prefs.Width,
		Height:      prefs.Height,
		Transform: geometry.TransformSpec{
			Mirror:          prefs.Mirror,
			RotationDegrees: prefs.RotationDegrees,
		},
		OnReady: a.handleReady,
	}, log)

	a.adapter = tracking.NewAdapter(a.session, cfg.NewModel(variant.Kind), variant, log)

	if cfg.Settings.Motion.Enabled {
		a.gate = capture.NewMotionGate(cfg.Settings.Motion.Threshold, cfg.Settings.Motion.IdleTimeout)
		a.adapter.SetGate(a.gate)
	}

	if a.store != nil {
		if n, err := a.store.Sessions().EndOpen(time.Now()); err != nil {
			log.Warn("failed to close stale session records", zap.Error(err))
		} else if n > 0 {
			log.Info("closed stale session records", zap.Int64("count", n))
		}
	}

	return a, nil
}

// loadPreferences returns the configured defaults with saved preferences applied.
func (a *App) loadPreferences() store.Preferences {
	defaults := store.Preferences{
		Mirror:          a.settings.Camera.Mirror,
		RotationDegrees: a.settings.Camera.RotationDegrees,
		Width:           a.settings.Camera.Width,
		Height:          a.settings.Camera.Height,
		Kind:            a.settings.Detection.Kind,
		Enabled:         true,
	}
	if a.store == nil {
		return defaults
	}

	prefs, err := a.store.Preferences().Load(defaults)
	if err != nil {
		a.log.Warn("failed to load preferences, using defaults", zap.Error(err))
		return defaults
	}
	return prefs
}

// resolveVariant picks the variant for kind, falling back to the configured one.
func (a *App) resolveVariant(kind string) (detector.Variant, error) {
	settings := a.settings
	settings.Detection.Kind = kind
	if v, err := settings.Variant(); err == nil {
		return v, nil
	}

	a.log.Warn("ignoring saved detection kind", zap.String("kind", kind))
	v, err := a.settings.Variant()
	if err != nil {
		return v, fmt.Errorf("app: %w", err)
	}
	return v, nil
}

// Start configures the model and starts device setup and the frame pump on
// their own goroutines. It returns without waiting for the camera or the
// model. A model that fails to load leaves detection degraded while capture
// keeps running; ReloadModel retries it.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	// Not tracked by wg: Stop closes the model, which ends a start in progress.
	go a.adapter.Init()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.setup(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runPump(ctx)
	}()

	a.log.Info("app started",
		zap.String("kind", string(a.variant.Kind)),
		zap.Int("fps", a.settings.Camera.FPS))
	return nil
}

// setup enumerates devices, restores the saved device and checks permission.
func (a *App) setup(ctx context.Context) {
	if err := a.session.EnumerateDevices(ctx); err != nil {
		a.log.Error("device enumeration failed", zap.Error(err))
		return
	}
	a.restoreDevice()

	if err := a.session.CheckPermission(ctx); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			a.log.Warn("camera access denied, waiting for a device selection", zap.Error(err))
			return
		}
		a.log.Error("failed to start capture", zap.Error(err))
	}
}

// restoreDevice selects the saved device id if it is still present.
func (a *App) restoreDevice() {
	a.mu.RLock()
	id := a.deviceID
	a.mu.RUnlock()
	if id == "" {
		return
	}

	for i, d := range a.session.Devices() {
		if d.ID == id {
			if err := a.session.SelectIndex(i); err != nil {
				a.log.Warn("failed to restore device", zap.String("device", d.Label), zap.Error(err))
			}
			return
		}
	}
	a.log.Info("saved device not present", zap.String("device_id", id))
}

// handleReady runs after every successful stream open.
func (a *App) handleReady() {
	if a.gate != nil {
		a.gate.Reset()
	}

	devices := a.session.Devices()
	index := a.session.SelectedIndex()
	if index < 0 || index >= len(devices) {
		return
	}
	device := devices[index]
	width, height := a.session.Resolution()

	a.endRecord()
	if a.store == nil {
		return
	}

	rec := &store.SessionRecord{
		ID:          uuid.New().String(),
		DeviceID:    device.ID,
		DeviceLabel: device.Label,
		Kind:        string(a.variant.Kind),
		Width:       width,
		Height:      height,
	}
	if err := a.store.Sessions().Create(rec); err != nil {
		a.log.Warn("failed to record capture session", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.record = rec
	a.mu.Unlock()
}

// endRecord marks the current session record as ended.
func (a *App) endRecord() {
	a.mu.Lock()
	rec := a.record
	a.record = nil
	a.mu.Unlock()

	if rec == nil || a.store == nil {
		return
	}
	if err := a.store.Sessions().End(rec.ID, time.Now()); err != nil {
		a.log.Warn("failed to end capture session record", zap.String("record", rec.ID), zap.Error(err))
	}
}

// Stop halts the pump and releases the stream and the model.
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		a.wg.Wait()
	}

	a.endRecord()

	if err := a.session.Close(); err != nil {
		a.log.Warn("error closing capture session", zap.Error(err))
	}
	if err := a.adapter.Close(); err != nil {
		a.log.Warn("error closing detection model", zap.Error(err))
	}
	if a.gate != nil {
		a.gate.Close()
	}

	a.mu.Lock()
	if a.snapshot != nil {
		a.snapshot.Close()
		a.snapshot = nil
	}
	a.mu.Unlock()

	a.log.Info("app stopped")
}

// Devices returns the enumerated capture devices.
func (a *App) Devices() []capture.Device {
	return a.session.Devices()
}

// SelectedIndex returns the index of the selected device.
func (a *App) SelectedIndex() int {
	return a.session.SelectedIndex()
}

// SelectDevice switches capture to the device at index and saves the choice.
// Before capture has started it opens the stream if permission was already
// checked, and otherwise only records the selection.
func (a *App) SelectDevice(ctx context.Context, index int) error {
	var err error
	switch a.session.State() {
	case capture.StateCapturing:
		err = a.session.SwitchDevice(ctx, index, a.session.Transform())
	case capture.StatePermissionChecked:
		err = a.session.OpenStream(ctx, index, 0, 0)
	case capture.StateDevicesEnumerated:
		if err = a.session.SelectIndex(index); err == nil {
			err = a.session.CheckPermission(ctx)
		}
	default:
		err = a.session.SelectIndex(index)
	}
	if err != nil {
		return err
	}

	devices := a.session.Devices()
	if index >= len(devices) {
		return nil
	}
	id := devices[index].ID

	a.mu.Lock()
	a.deviceID = id
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Preferences().SetDevice(id); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
	}
	return nil
}

// RefreshDevices enumerates devices again and starts capture if it is not running.
func (a *App) RefreshDevices(ctx context.Context) error {
	if err := a.session.EnumerateDevices(ctx); err != nil {
		return err
	}
	switch a.session.State() {
	case capture.StateDevicesEnumerated:
		a.restoreDevice()
		return a.session.CheckPermission(ctx)
	case capture.StatePermissionChecked:
		// The bound device went away during enumeration.
		a.endRecord()
		a.restoreDevice()
		return a.session.OpenStream(ctx, a.session.SelectedIndex(), 0, 0)
	}
	return nil
}

// Transform returns the current landmark transform.
func (a *App) Transform() geometry.TransformSpec {
	return a.session.Transform()
}

// SetTransform applies spec to new results and saves it.
func (a *App) SetTransform(spec geometry.TransformSpec) error {
	a.session.SetTransform(spec)
	a.log.Info("transform changed",
		zap.Bool("mirror", spec.Mirror),
		zap.Float64("rotation_degrees", spec.RotationDegrees))

	if a.store == nil {
		return nil
	}
	if err := a.store.Preferences().SetTransform(spec.Mirror, spec.RotationDegrees); err != nil {
		return fmt.Errorf("save transform: %w", err)
	}
	return nil
}

// SessionID returns the capture session id.
func (a *App) SessionID() string {
	return a.session.ID()
}

// State returns the capture session state.
func (a *App) State() capture.State {
	return a.session.State()
}

// IsReady reports whether frames are being captured.
func (a *App) IsReady() bool {
	return a.session.IsReady()
}

// Resolution returns the capture resolution.
func (a *App) Resolution() (width, height int) {
	return a.session.Resolution()
}

// Kind returns the landmark kind being detected.
func (a *App) Kind() detector.Kind {
	return a.variant.Kind
}

// ReloadModel configures the detection model again after a load failure.
// It is a no-op while the model is loaded.
func (a *App) ReloadModel() error {
	if a.adapter.Loaded() {
		return nil
	}
	return a.adapter.Init()
}

// Stats returns the detection counters.
func (a *App) Stats() tracking.Stats {
	return a.adapter.Stats()
}

// Enabled reports whether frames are sent for detection.
func (a *App) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// SetEnabled enables or disables detection and saves the choice.
func (a *App) SetEnabled(enabled bool) error {
	a.mu.Lock()
	changed := a.enabled != enabled
	a.enabled = enabled
	a.mu.Unlock()

	if changed {
		a.log.Info("detection toggled", zap.Bool("enabled", enabled))
		if !enabled && a.gate != nil {
			a.gate.Reset()
		}
	}

	if a.store == nil {
		return nil
	}
	if err := a.store.Preferences().SetEnabled(enabled); err != nil {
		return fmt.Errorf("save enabled: %w", err)
	}
	return nil
}

// Latest returns the most recent transformed result.
func (a *App) Latest() detector.Result {
	return a.adapter.Latest()
}

// Subscribe registers fn for every new transformed result.
func (a *App) Subscribe(fn func(detector.Result)) func() {
	return a.adapter.Subscribe(fn)
}

// Snapshot returns a copy of the latest captured frame.
// The caller must close the returned Mat.
func (a *App) Snapshot() (*gocv.Mat, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.snapshot == nil || a.snapshot.Empty() {
		return nil, false
	}
	frame := a.snapshot.Clone()
	return &frame, true
}
