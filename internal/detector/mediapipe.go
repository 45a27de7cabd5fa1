package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/mudra/internal/geometry"
)

// MediaPipe service timeouts.
const (
	// DefaultIdleTimeout is how long the process stays up without frames.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultStartTimeout bounds the wait for the service's ready line.
	// Importing mediapipe and building a model is slow on first run.
	DefaultStartTimeout = 60 * time.Second

	// DefaultResponseTimeout bounds the wait for the answer to one frame.
	DefaultResponseTimeout = 5 * time.Second

	// stopGrace is how long a closed service gets to exit before it is killed.
	stopGrace = 2 * time.Second
)

// MediaPipeConfig locates the Python MediaPipe service.
type MediaPipeConfig struct {
	// Script is the path to mediapipe_service.py. Searched for when empty.
	Script string
	// Python is the interpreter. A project venv or python3 is used when empty.
	Python string
	// IdleTimeout shuts the process down after this long without frames.
	IdleTimeout time.Duration
	// StartTimeout bounds the wait for the ready line after a start.
	StartTimeout time.Duration
	// ResponseTimeout bounds the wait for a frame's answer. A service that
	// misses it is killed and restarted on a later frame.
	ResponseTimeout time.Duration
}

// MediaPipeModel implements Model using a Python MediaPipe subprocess.
//
// After building its model the service writes {"ready":true}. Frames are
// then JPEG encoded and written to stdin prefixed with a 4-byte big-endian
// length, and the service answers each frame with one JSON line on stdout.
// Only one frame is in flight at a time.
//
// A process that exits or idles out is restarted in the background by the
// next Send. If that restart fails, Send returns ErrModelLoadFailed until
// Configure is called again.
type MediaPipeModel struct {
	kind   Kind
	config MediaPipeConfig
	log    *zap.Logger

	mu         sync.Mutex
	opts       Options
	configured bool
	gen        int // bumped by Configure and Close
	proc       *mediapipeProc
	starting   bool
	startErr   error
	inFlight   bool
	seq        uint64
	onResults  func(Result)
	idleTimer  *time.Timer
	replyTimer *time.Timer
}

type mediapipeProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ready chan error
	done  chan struct{}
}

// NewMediaPipeModel creates a MediaPipe model of the given kind.
// The Python process is started by Configure.
func NewMediaPipeModel(kind Kind, config MediaPipeConfig, log *zap.Logger) *MediaPipeModel {
	if log == nil {
		log = zap.NewNop()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	return &MediaPipeModel{
		kind:   kind,
		config: config,
		log:    log.With(zap.String("kind", string(kind))),
	}
}

// Configure validates opts, starts the MediaPipe process with them and waits
// until the service reports ready. A running process is replaced.
// Any failure, including a service that exits or stays silent through
// StartTimeout, is ErrModelLoadFailed.
func (m *MediaPipeModel) Configure(opts Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}

	m.mu.Lock()
	old := m.detach()
	m.opts = opts
	m.configured = false
	m.starting = false
	m.startErr = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	stopProc(old)

	p, err := m.launch(opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		go killProc(p)
		return fmt.Errorf("%w: configure superseded", ErrModelLoadFailed)
	}
	m.proc = p
	m.configured = true
	return nil
}

// OnResults registers the result callback.
func (m *MediaPipeModel) OnResults(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResults = fn
}

// Send encodes the frame and writes it to the MediaPipe process.
// Returns ErrModelBusy while the previous frame has not been answered or the
// process is restarting.
func (m *MediaPipeModel) Send(frame *gocv.Mat) error {
	if frame == nil || frame.Empty() {
		return fmt.Errorf("send: empty frame")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.startErr != nil:
		return m.startErr
	case !m.configured:
		return ErrModelNotConfigured
	case m.starting, m.inFlight:
		return ErrModelBusy
	case m.proc == nil:
		m.starting = true
		go m.restart(m.gen, m.opts)
		return ErrModelBusy
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := m.proc.stdin.Write(length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := m.proc.stdin.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}

	m.inFlight = true
	m.seq++
	m.armReplyTimer(m.proc, m.seq)
	m.resetIdleTimer()
	return nil
}

// Close shuts down the Python process.
func (m *MediaPipeModel) Close() error {
	m.mu.Lock()
	p := m.detach()
	m.configured = false
	m.starting = false
	m.gen++
	m.mu.Unlock()

	return stopProc(p)
}

// restart relaunches the process for generation gen after it exited.
func (m *MediaPipeModel) restart(gen int, opts Options) {
	p, err := m.launch(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		if p != nil {
			go killProc(p)
		}
		return
	}
	m.starting = false
	if err != nil {
		m.configured = false
		m.startErr = err
		m.log.Error("mediapipe service restart failed", zap.Error(err))
		return
	}
	m.proc = p
}

// launch starts the service and waits for its ready line.
// It does not touch model state, so callers must not hold m.mu.
func (m *MediaPipeModel) launch(opts Options) (*mediapipeProc, error) {
	scriptPath := m.config.Script
	if scriptPath == "" {
		scriptPath = findMediaPipeScript()
	}
	if scriptPath == "" {
		return nil, fmt.Errorf("%w: mediapipe_service.py not found", ErrModelLoadFailed)
	}

	pythonPath := m.config.Python
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	cmd := exec.Command(pythonPath, append([]string{scriptPath}, serviceArgs(m.kind, opts)...)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrModelLoadFailed, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrModelLoadFailed, err)
	}

	// Capture stderr for debugging
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start mediapipe service: %v", ErrModelLoadFailed, err)
	}

	p := &mediapipeProc{
		cmd:   cmd,
		stdin: stdin,
		ready: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go m.readResults(p, bufio.NewReader(stdout))

	timer := time.NewTimer(m.config.StartTimeout)
	defer timer.Stop()

	select {
	case err := <-p.ready:
		if err != nil {
			killProc(p)
			return nil, fmt.Errorf("%w: mediapipe service: %v", ErrModelLoadFailed, err)
		}
	case <-timer.C:
		killProc(p)
		return nil, fmt.Errorf("%w: mediapipe service not ready after %s", ErrModelLoadFailed, m.config.StartTimeout)
	}

	m.log.Info("mediapipe service started",
		zap.String("script", scriptPath),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// readHandshake reads the service's first line, which must be {"ready":true}.
func readHandshake(stdout *bufio.Reader) error {
	line, err := stdout.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("exited before ready: %w", err)
	}

	var hello struct {
		Ready bool   `json:"ready"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(line, &hello); err != nil {
		return fmt.Errorf("parse ready line: %w", err)
	}
	switch {
	case hello.Error != "":
		return fmt.Errorf("service error: %s", hello.Error)
	case !hello.Ready:
		return fmt.Errorf("service not ready")
	}
	return nil
}

// readResults reports the handshake on p.ready, then delivers one result per
// JSON line until the process exits.
func (m *MediaPipeModel) readResults(p *mediapipeProc, stdout *bufio.Reader) {
	defer close(p.done)

	if err := readHandshake(stdout); err != nil {
		p.ready <- err
		p.cmd.Wait()
		return
	}
	p.ready <- nil

	for {
		line, err := stdout.ReadBytes('\n')
		if err != nil {
			break
		}

		result, err := decodeResponse(line, m.kind)

		m.mu.Lock()
		if m.proc == p {
			m.inFlight = false
		}
		callback := m.onResults
		m.mu.Unlock()

		if err != nil {
			m.log.Warn("discarding mediapipe response", zap.Error(err))
			continue
		}
		if callback != nil {
			callback(result)
		}
	}

	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
		m.inFlight = false
		m.log.Warn("mediapipe service exited")
	}
	m.mu.Unlock()

	if err := p.cmd.Wait(); err != nil {
		m.log.Debug("mediapipe service wait", zap.Error(err))
	}
}

// detach removes the running process from the model. Caller holds m.mu.
func (m *MediaPipeModel) detach() *mediapipeProc {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.replyTimer != nil {
		m.replyTimer.Stop()
		m.replyTimer = nil
	}
	p := m.proc
	m.proc = nil
	m.inFlight = false
	return p
}

// stopProc closes stdin so the service exits, killing it after stopGrace.
func stopProc(p *mediapipeProc) error {
	if p == nil {
		return nil
	}
	err := p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.cmd.Process.Kill()
		<-p.done
	}
	return err
}

// killProc kills the service and waits for its reader to finish.
func killProc(p *mediapipeProc) {
	p.cmd.Process.Kill()
	p.stdin.Close()
	<-p.done
}

func (m *MediaPipeModel) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.config.IdleTimeout, func() {
		m.mu.Lock()
		p := m.detach()
		m.mu.Unlock()

		if p != nil {
			m.log.Info("mediapipe service idle, shutting down")
			stopProc(p)
		}
	})
}

// armReplyTimer kills p if frame seq is still unanswered after ResponseTimeout.
// Caller holds m.mu.
func (m *MediaPipeModel) armReplyTimer(p *mediapipeProc, seq uint64) {
	if m.replyTimer != nil {
		m.replyTimer.Stop()
	}
	m.replyTimer = time.AfterFunc(m.config.ResponseTimeout, func() {
		m.mu.Lock()
		if m.proc != p || !m.inFlight || m.seq != seq {
			m.mu.Unlock()
			return
		}
		m.detach()
		m.mu.Unlock()

		m.log.Warn("mediapipe service did not answer, killing it",
			zap.Duration("timeout", m.config.ResponseTimeout))
		killProc(p)
	})
}

// serviceArgs renders options as command line flags for mediapipe_service.py.
func serviceArgs(kind Kind, opts Options) []string {
	args := []string{
		"--kind", string(kind),
		"--max-subjects", strconv.Itoa(opts.MaxSubjects),
		"--min-detection-confidence", strconv.FormatFloat(opts.MinDetectionConfidence, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(opts.MinTrackingConfidence, 'f', -1, 64),
	}
	switch kind {
	case KindFace:
		if opts.RefineLandmarks {
			args = append(args, "--refine-landmarks")
		}
	case KindHands:
		args = append(args, "--model-complexity", strconv.Itoa(opts.ModelComplexity))
	}
	return args
}

func findMediaPipeScript() string {
	// Get executable directory
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/mediapipe_service.py",
		"../scripts/mediapipe_service.py",
		filepath.Join(execDir, "scripts/mediapipe_service.py"),
		filepath.Join(os.Getenv("HOME"), ".mudra/scripts/mediapipe_service.py"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".mudra/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonResponse is one line written by the Python service.
type jsonResponse struct {
	Subjects []jsonSubject `json:"subjects"`
	Error    string        `json:"error,omitempty"`
}

type jsonSubject struct {
	Points []jsonPoint `json:"points"`
	Label  string      `json:"label"`
	Score  float64     `json:"score"`
}

type jsonPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func decodeResponse(line []byte, kind Kind) (Result, error) {
	var resp jsonResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return Result{}, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("service error: %s", resp.Error)
	}

	result := Result{
		OK:        true,
		Kind:      kind,
		Sets:      make([]LandmarkSet, len(resp.Subjects)),
		Timestamp: time.Now(),
	}
	for i, s := range resp.Subjects {
		points := make([]geometry.Point, len(s.Points))
		for j, p := range s.Points {
			points[j] = geometry.Point{X: p.X, Y: p.Y}
		}
		result.Sets[i] = LandmarkSet{Points: points, Label: s.Label, Score: s.Score}
	}
	return result, nil
}
