package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
	"github.com/ayusman/mudra/internal/store"
)

type testApp struct {
	app      *App
	provider *capture.MockProvider
	store    *store.Store

	mu     sync.Mutex
	models []*detector.MockModel
	kinds  []detector.Kind
}

func (ta *testApp) model() *detector.MockModel {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.models[len(ta.models)-1]
}

func testDevices() []capture.Device {
	return []capture.Device{
		{Label: "Front Camera", ID: "0"},
		{Label: "USB Camera", ID: "1"},
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestApp(t *testing.T, s *store.Store, modify func(*config.Config)) *testApp {
	t.Helper()

	settings := config.Default()
	if modify != nil {
		modify(&settings)
	}

	ta := &testApp{
		provider: capture.NewMockProvider(testDevices()...),
		store:    s,
	}
	a, err := New(Config{
		Settings: settings,
		Provider: ta.provider,
		Store:    s,
		NewModel: func(kind detector.Kind) detector.Model {
			m := detector.NewMockModel(kind)
			ta.mu.Lock()
			ta.models = append(ta.models, m)
			ta.kinds = append(ta.kinds, kind)
			ta.mu.Unlock()
			return m
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ta.app = a
	return ta
}

// waitReady polls until the app is capturing.
func waitReady(t *testing.T, a *App) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !a.IsReady() {
		if time.Now().After(deadline) {
			t.Fatalf("app not ready, state = %v", a.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitLoaded polls until the detection model is loaded.
func waitLoaded(t *testing.T, a *App) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !a.Stats().ModelLoaded {
		if time.Now().After(deadline) {
			t.Fatal("model not loaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{Settings: config.Default()}); err == nil {
		t.Error("New() without provider should fail")
	}
	if _, err := New(Config{Settings: config.Default(), Provider: capture.NewMockProvider()}); err == nil {
		t.Error("New() without model factory should fail")
	}
}

func TestApp_StartAndStop(t *testing.T) {
	ta := newTestApp(t, nil, nil)
	a := ta.app

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Starting twice is a no-op
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitReady(t, a)

	if got := ta.provider.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
	waitLoaded(t, a)
	if a.Kind() != detector.KindHands {
		t.Errorf("Kind() = %q, want hands", a.Kind())
	}

	a.Stop()

	if got := ta.provider.Active(); got != 0 {
		t.Errorf("Active() after Stop = %d, want 0", got)
	}
	if a.State() != capture.StateClosed {
		t.Errorf("State() = %v, want closed", a.State())
	}
}

func TestApp_RestoresPreferences(t *testing.T) {
	s := openStore(t)
	err := s.Preferences().Save(store.Preferences{
		DeviceID:        "1",
		Mirror:          true,
		RotationDegrees: 90,
		Width:           320,
		Height:          240,
		Kind:            string(detector.KindFace),
		Enabled:         false,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ta := newTestApp(t, s, nil)
	a := ta.app
	defer a.Stop()

	if a.Kind() != detector.KindFace || ta.kinds[0] != detector.KindFace {
		t.Errorf("Kind() = %q, model kind = %q, want face", a.Kind(), ta.kinds[0])
	}
	if a.Enabled() {
		t.Error("Enabled() = true, want saved false")
	}
	if got := a.Transform(); !got.Mirror || got.RotationDegrees != 90 {
		t.Errorf("Transform() = %+v, want mirror with 90 degrees", got)
	}

	a.Start(context.Background())
	waitReady(t, a)

	if got := a.SelectedIndex(); got != 1 {
		t.Errorf("SelectedIndex() = %d, want restored 1", got)
	}
	if w, h := a.Resolution(); w != 320 || h != 240 {
		t.Errorf("Resolution() = %dx%d, want 320x240", w, h)
	}
}

func TestApp_InvalidSavedKindFallsBack(t *testing.T) {
	s := openStore(t)
	if err := s.Settings().Set(store.KeyKind, "pose"); err != nil {
		t.Fatal(err)
	}

	ta := newTestApp(t, s, nil)
	defer ta.app.Stop()

	if ta.app.Kind() != detector.KindHands {
		t.Errorf("Kind() = %q, want configured hands", ta.app.Kind())
	}
}

func TestApp_SelectDevice(t *testing.T) {
	s := openStore(t)
	ta := newTestApp(t, s, nil)
	a := ta.app
	defer a.Stop()

	a.Start(context.Background())
	waitReady(t, a)

	t.Run("switches and saves", func(t *testing.T) {
		if err := a.SelectDevice(context.Background(), 1); err != nil {
			t.Fatalf("SelectDevice() error = %v", err)
		}
		if got := a.SelectedIndex(); got != 1 {
			t.Errorf("SelectedIndex() = %d, want 1", got)
		}
		if got := ta.provider.MaxActive(); got != 1 {
			t.Errorf("MaxActive() = %d, want 1", got)
		}

		prefs, err := s.Preferences().Load(store.Preferences{})
		if err != nil {
			t.Fatal(err)
		}
		if prefs.DeviceID != "1" {
			t.Errorf("saved DeviceID = %q, want 1", prefs.DeviceID)
		}
	})

	t.Run("records one session per stream", func(t *testing.T) {
		records, err := s.Sessions().Recent(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 2 {
			t.Fatalf("len(records) = %d, want 2", len(records))
		}
		open := 0
		for _, r := range records {
			if r.EndedAt == nil {
				open++
				if r.DeviceID != "1" || r.Kind != "hands" {
					t.Errorf("open record = %+v, want device 1 hands", r)
				}
			}
		}
		if open != 1 {
			t.Errorf("open records = %d, want 1", open)
		}
	})

	t.Run("invalid index keeps stream", func(t *testing.T) {
		err := a.SelectDevice(context.Background(), 5)
		if !errors.Is(err, capture.ErrInvalidDeviceIndex) {
			t.Errorf("SelectDevice(5) error = %v, want ErrInvalidDeviceIndex", err)
		}
		if !a.IsReady() || a.SelectedIndex() != 1 {
			t.Error("invalid selection should keep the current stream")
		}
	})
}

func TestApp_StaleRecordsEnded(t *testing.T) {
	s := openStore(t)
	if err := s.Sessions().Create(&store.SessionRecord{ID: "crashed", DeviceID: "0", Kind: "hands"}); err != nil {
		t.Fatal(err)
	}

	ta := newTestApp(t, s, nil)
	defer ta.app.Stop()

	rec, err := s.Sessions().GetByID("crashed")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndedAt == nil {
		t.Error("stale record should be ended on startup")
	}
}

func TestApp_PermissionDenied(t *testing.T) {
	ta := newTestApp(t, nil, nil)
	a := ta.app
	defer a.Stop()
	ta.provider.SetPermission(capture.PermissionDenied, false)

	a.setup(context.Background())

	if a.IsReady() {
		t.Error("app should not capture without permission")
	}
	if a.State() != capture.StateDevicesEnumerated {
		t.Errorf("State() = %v, want devices-enumerated", a.State())
	}

	t.Run("refresh after grant starts capture", func(t *testing.T) {
		ta.provider.SetPermission(capture.PermissionGranted, false)
		if err := a.RefreshDevices(context.Background()); err != nil {
			t.Fatalf("RefreshDevices() error = %v", err)
		}
		if !a.IsReady() {
			t.Error("app should capture after refresh")
		}
	})
}

func TestApp_RefreshDevices(t *testing.T) {
	s := openStore(t)
	ta := newTestApp(t, s, nil)
	a := ta.app
	defer a.Stop()
	ctx := context.Background()

	a.setup(ctx)
	if !a.IsReady() {
		t.Fatal("app should capture after setup")
	}

	t.Run("device added keeps the stream", func(t *testing.T) {
		ta.provider.SetDevices(append([]capture.Device{{Label: "Dock Camera", ID: "2"}}, testDevices()...))
		if err := a.RefreshDevices(ctx); err != nil {
			t.Fatalf("RefreshDevices() error = %v", err)
		}
		if got := a.SelectedIndex(); got != 1 {
			t.Errorf("SelectedIndex() = %d, want 1", got)
		}
		if ta.provider.Opens() != 1 {
			t.Errorf("Opens() = %d, want 1", ta.provider.Opens())
		}
	})

	t.Run("bound device removed reopens on another", func(t *testing.T) {
		ta.provider.SetDevices([]capture.Device{{Label: "USB Camera", ID: "1"}})
		if err := a.RefreshDevices(ctx); err != nil {
			t.Fatalf("RefreshDevices() error = %v", err)
		}
		if !a.IsReady() {
			t.Fatal("app should capture again after refresh")
		}
		if ta.provider.Active() != 1 || ta.provider.MaxActive() != 1 {
			t.Errorf("Active() = %d, MaxActive() = %d, want 1 and 1", ta.provider.Active(), ta.provider.MaxActive())
		}
		opened := ta.provider.Opened()
		if last := opened[len(opened)-1]; last.ID != "1" {
			t.Errorf("reopened on %q, want 1", last.ID)
		}

		records, err := s.Sessions().Recent(10)
		if err != nil {
			t.Fatal(err)
		}
		open := 0
		for _, r := range records {
			if r.EndedAt == nil {
				open++
			}
		}
		if len(records) != 2 || open != 1 {
			t.Errorf("records = %d with %d open, want 2 with 1 open", len(records), open)
		}
	})
}

func TestApp_ReloadModel(t *testing.T) {
	ta := newTestApp(t, nil, nil)
	a := ta.app
	defer a.Stop()
	model := ta.model()

	model.SetConfigureError(errors.New("service missing"))
	if err := a.ReloadModel(); !errors.Is(err, detector.ErrModelLoadFailed) {
		t.Fatalf("ReloadModel() error = %v, want ErrModelLoadFailed", err)
	}
	if a.Stats().ModelLoaded {
		t.Error("model should not be loaded")
	}

	model.SetConfigureError(nil)
	if err := a.ReloadModel(); err != nil {
		t.Fatalf("ReloadModel() error = %v", err)
	}
	if !a.Stats().ModelLoaded {
		t.Error("model should be loaded after a successful retry")
	}

	configures := model.Configures()
	if err := a.ReloadModel(); err != nil {
		t.Fatalf("ReloadModel() error = %v", err)
	}
	if model.Configures() != configures {
		t.Error("ReloadModel() should not reconfigure a loaded model")
	}
}

func TestApp_NoDevices(t *testing.T) {
	ta := newTestApp(t, nil, nil)
	defer ta.app.Stop()
	ta.provider.SetDevices(nil)

	ta.app.setup(context.Background())

	if ta.app.State() != capture.StateUninitialized {
		t.Errorf("State() = %v, want uninitialized", ta.app.State())
	}
	err := ta.app.RefreshDevices(context.Background())
	if !errors.Is(err, capture.ErrNoDevicesFound) {
		t.Errorf("RefreshDevices() error = %v, want ErrNoDevicesFound", err)
	}
}

func TestApp_SetTransform(t *testing.T) {
	s := openStore(t)
	ta := newTestApp(t, s, nil)
	defer ta.app.Stop()

	spec := geometry.TransformSpec{Mirror: true, RotationDegrees: -45}
	if err := ta.app.SetTransform(spec); err != nil {
		t.Fatalf("SetTransform() error = %v", err)
	}
	if got := ta.app.Transform(); got != spec {
		t.Errorf("Transform() = %+v, want %+v", got, spec)
	}

	prefs, err := s.Preferences().Load(store.Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if !prefs.Mirror || prefs.RotationDegrees != -45 {
		t.Errorf("saved transform = %v/%v, want true/-45", prefs.Mirror, prefs.RotationDegrees)
	}
}

func TestApp_SetEnabled(t *testing.T) {
	s := openStore(t)
	ta := newTestApp(t, s, nil)
	defer ta.app.Stop()

	if !ta.app.Enabled() {
		t.Fatal("app should start enabled")
	}
	if err := ta.app.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if ta.app.Enabled() {
		t.Error("Enabled() = true after disable")
	}

	prefs, err := s.Preferences().Load(store.Preferences{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if prefs.Enabled {
		t.Error("disabled state should be saved")
	}
}

func TestApp_PumpFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that needs OpenCV frame operations")
	}

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	ta := newTestApp(t, nil, nil)
	a := ta.app
	defer a.Stop()
	ta.provider.SetFrames([]*gocv.Mat{&frame}, true)

	if a.pumpFrame() {
		t.Error("pumpFrame() before capture should not read a frame")
	}
	if _, ok := a.Snapshot(); ok {
		t.Error("Snapshot() should be empty before capture")
	}

	if err := a.adapter.Init(); err != nil {
		t.Fatal(err)
	}
	a.setup(context.Background())
	ta.model().SetSets([]detector.LandmarkSet{detector.OpenPalmLandmarks()}, true)

	t.Run("reads and sends", func(t *testing.T) {
		if !a.pumpFrame() {
			t.Fatal("pumpFrame() = false, want true")
		}
		if got := ta.model().Sends(); got != 1 {
			t.Errorf("Sends() = %d, want 1", got)
		}
		if latest := a.Latest(); latest.Count() != 1 {
			t.Errorf("Latest().Count() = %d, want 1", latest.Count())
		}

		snap, ok := a.Snapshot()
		if !ok {
			t.Fatal("Snapshot() should hold the last frame")
		}
		defer snap.Close()
		if snap.Cols() != 64 || snap.Rows() != 48 {
			t.Errorf("snapshot size = %dx%d, want 64x48", snap.Cols(), snap.Rows())
		}
	})

	t.Run("disabled keeps capturing without sending", func(t *testing.T) {
		a.SetEnabled(false)
		defer a.SetEnabled(true)

		a.mu.RLock()
		before := a.snapshot
		a.mu.RUnlock()

		if !a.pumpFrame() {
			t.Error("pumpFrame() while disabled should still read a frame")
		}
		if got := ta.model().Sends(); got != 1 {
			t.Errorf("Sends() = %d, want still 1", got)
		}

		a.mu.RLock()
		after := a.snapshot
		a.mu.RUnlock()
		if after == before {
			t.Error("snapshot should be refreshed while detection is disabled")
		}
	})

	t.Run("subscribers see results", func(t *testing.T) {
		got := make(chan detector.Result, 1)
		unsubscribe := a.Subscribe(func(r detector.Result) {
			select {
			case got <- r:
			default:
			}
		})
		defer unsubscribe()

		a.pumpFrame()
		select {
		case r := <-got:
			if !r.OK || r.Kind != detector.KindHands {
				t.Errorf("result = %+v", r)
			}
		case <-time.After(time.Second):
			t.Error("no result delivered")
		}
	})
}
