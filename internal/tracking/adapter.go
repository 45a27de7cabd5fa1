// Package tracking connects a capture session to a landmark detection model
// and keeps the most recent transformed result.
package tracking

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
)

// Session is the part of a capture session the adapter reads.
type Session interface {
	IsReady() bool
	Transform() geometry.TransformSpec
}

// Gate can veto sending a frame to the model.
type Gate interface {
	Allow(frame *gocv.Mat) bool
}

// Stats counts frames and results handled by an Adapter.
type Stats struct {
	FramesSeen    uint64 `json:"frames_seen"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesSkipped uint64 `json:"frames_skipped"`
	SendErrors    uint64 `json:"send_errors"`
	Results       uint64 `json:"results"`
	ModelLoaded   bool   `json:"model_loaded"`
}

// Adapter forwards frames from a session to a model and stores the latest
// result after applying the session's transform.
type Adapter struct {
	session Session
	model   detector.Model
	variant detector.Variant
	log     *zap.Logger

	mu          sync.RWMutex
	loaded      bool
	gate        Gate
	latest      detector.Result
	subscribers map[int]func(detector.Result)
	nextSubID   int

	seen       atomic.Uint64
	sent       atomic.Uint64
	skipped    atomic.Uint64
	sendErrors atomic.Uint64
	results    atomic.Uint64
}

// NewAdapter creates an Adapter and registers its result callback on model.
// The model is not configured until Init is called.
func NewAdapter(session Session, model detector.Model, variant detector.Variant, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		session:     session,
		model:       model,
		variant:     variant,
		log:         log.With(zap.String("kind", string(variant.Kind))),
		latest:      detector.Result{Kind: variant.Kind},
		subscribers: make(map[int]func(detector.Result)),
	}
	model.OnResults(a.handleResult)
	return a
}

// Init configures the model with the variant's options.
// On failure the adapter stays degraded: frames are skipped and no results
// are produced. Init may be called again to retry.
func (a *Adapter) Init() error {
	if err := a.model.Configure(a.variant.Options); err != nil {
		a.mu.Lock()
		a.loaded = false
		a.mu.Unlock()

		if !errors.Is(err, detector.ErrModelLoadFailed) {
			err = fmt.Errorf("%w: %w", detector.ErrModelLoadFailed, err)
		}
		a.log.Error("detection model failed to load, running degraded", zap.Error(err))
		return err
	}

	a.mu.Lock()
	a.loaded = true
	a.mu.Unlock()

	a.log.Info("detection model loaded",
		zap.Int("max_subjects", a.variant.Options.MaxSubjects))
	return nil
}

// SetGate installs a gate consulted before each send. Nil removes it.
func (a *Adapter) SetGate(g Gate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gate = g
}

// Variant returns the detection variant.
func (a *Adapter) Variant() detector.Variant {
	return a.variant
}

// Loaded reports whether the model was configured successfully.
func (a *Adapter) Loaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded
}

// OnFrame sends frame to the model if the session is ready and the model is
// loaded. Frames are never queued: anything that cannot be sent right now is
// skipped. A model that fails to come back after a restart leaves the
// adapter degraded until Init succeeds again. It reports whether the frame
// was sent.
func (a *Adapter) OnFrame(frame *gocv.Mat) bool {
	a.seen.Add(1)

	a.mu.RLock()
	loaded := a.loaded
	gate := a.gate
	a.mu.RUnlock()

	if frame == nil || !loaded || !a.session.IsReady() {
		a.skipped.Add(1)
		return false
	}
	if gate != nil && !gate.Allow(frame) {
		a.skipped.Add(1)
		return false
	}

	if err := a.model.Send(frame); err != nil {
		if errors.Is(err, detector.ErrModelBusy) {
			a.skipped.Add(1)
			return false
		}
		if errors.Is(err, detector.ErrModelLoadFailed) {
			a.mu.Lock()
			a.loaded = false
			a.mu.Unlock()
			a.sendErrors.Add(1)
			a.log.Error("detection model lost, running degraded", zap.Error(err))
			return false
		}
		a.sendErrors.Add(1)
		a.log.Warn("failed to send frame", zap.Error(err))
		return false
	}

	a.sent.Add(1)
	return true
}

// handleResult is the model's result callback.
func (a *Adapter) handleResult(raw detector.Result) {
	result := detector.Process(raw, a.session.Transform())
	if result.Kind == "" {
		result.Kind = a.variant.Kind
	}
	a.results.Add(1)

	a.mu.Lock()
	a.latest = result
	subs := make([]func(detector.Result), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
}

// Latest returns the most recent transformed result.
// Before the first result it returns a Result with OK false.
func (a *Adapter) Latest() detector.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Subscribe registers fn to be called with every new result.
// fn runs on the model's result goroutine and must not block.
// The returned function removes the subscription.
func (a *Adapter) Subscribe(fn func(detector.Result)) func() {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// Stats returns the current counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		FramesSeen:    a.seen.Load(),
		FramesSent:    a.sent.Load(),
		FramesSkipped: a.skipped.Load(),
		SendErrors:    a.sendErrors.Load(),
		Results:       a.results.Load(),
		ModelLoaded:   a.Loaded(),
	}
}

// Close closes the model. The adapter is degraded afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.loaded = false
	a.mu.Unlock()
	return a.model.Close()
}
