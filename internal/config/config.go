// Package config loads the mudra YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/logger"
)

// DataDirName is the per-user directory holding the database, web files
// and the MediaPipe service.
const DataDirName = ".mudra"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Detection DetectionConfig `yaml:"detection"`
	Motion    MotionConfig    `yaml:"motion"`
	Store     StoreConfig     `yaml:"store"`
	Tray      TrayConfig      `yaml:"tray"`
	Log       logger.Config   `yaml:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	WebDir string `yaml:"web_dir"` // empty disables static files

	// StreamQuality is the JPEG quality of the MJPEG stream (1-100).
	StreamQuality int `yaml:"stream_quality"`
}

// CameraConfig holds the initial capture settings. Preferences saved in the
// store take precedence over DeviceIndex, Mirror and RotationDegrees.
type CameraConfig struct {
	DeviceIndex     int     `yaml:"device_index"`
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	FPS             int     `yaml:"fps"`
	MaxScan         int     `yaml:"max_scan"`
	Mirror          bool    `yaml:"mirror"`
	RotationDegrees float64 `yaml:"rotation_degrees"`
}

// DetectionConfig selects the landmark model.
type DetectionConfig struct {
	Kind string `yaml:"kind"` // face or hands

	// Options overrides the variant defaults when set.
	Options *detector.Options `yaml:"options"`

	Python          string        `yaml:"python"`
	Script          string        `yaml:"script"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// Mock replaces the MediaPipe service with a model that never answers.
	Mock bool `yaml:"mock"`
}

// MotionConfig configures the motion gate.
type MotionConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Threshold   float64       `yaml:"threshold"` // percent of changed pixels
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// StoreConfig configures the preferences database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TrayConfig configures the system tray.
type TrayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			StreamQuality: 80,
		},
		Camera: CameraConfig{
			Width:   640,
			Height:  480,
			FPS:     15,
			MaxScan: 4,
		},
		Detection: DetectionConfig{
			Kind:            string(detector.KindHands),
			IdleTimeout:     detector.DefaultIdleTimeout,
			StartTimeout:    detector.DefaultStartTimeout,
			ResponseTimeout: detector.DefaultResponseTimeout,
		},
		Motion: MotionConfig{
			Threshold:   1.0,
			IdleTimeout: 2 * time.Second,
		},
		Tray: TrayConfig{Enabled: true},
		Log:  logger.Config{Level: "info"},
	}
}

// Load reads path and layers it over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the config values.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr must not be empty")
	}
	if c.Server.StreamQuality < 1 || c.Server.StreamQuality > 100 {
		problems = append(problems, "server.stream_quality must be between 1 and 100")
	}

	if c.Camera.DeviceIndex < 0 {
		problems = append(problems, "camera.device_index must not be negative")
	}
	if c.Camera.Width < 160 || c.Camera.Width > 4096 {
		problems = append(problems, "camera.width must be between 160 and 4096")
	}
	if c.Camera.Height < 120 || c.Camera.Height > 2160 {
		problems = append(problems, "camera.height must be between 120 and 2160")
	}
	if c.Camera.FPS < 1 || c.Camera.FPS > 120 {
		problems = append(problems, "camera.fps must be between 1 and 120")
	}
	if c.Camera.MaxScan < 1 {
		problems = append(problems, "camera.max_scan must be at least 1")
	}

	if _, err := detector.VariantFor(detector.Kind(c.Detection.Kind)); err != nil {
		problems = append(problems, "detection.kind must be face or hands")
	}
	if c.Detection.Options != nil {
		if err := c.Detection.Options.Validate(); err != nil {
			problems = append(problems, "detection.options: "+err.Error())
		}
	}
	if c.Detection.IdleTimeout < 0 {
		problems = append(problems, "detection.idle_timeout must not be negative")
	}
	if c.Detection.StartTimeout < 0 {
		problems = append(problems, "detection.start_timeout must not be negative")
	}
	if c.Detection.ResponseTimeout < 0 {
		problems = append(problems, "detection.response_timeout must not be negative")
	}

	if c.Motion.Threshold <= 0 || c.Motion.Threshold > 100 {
		problems = append(problems, "motion.threshold must be between 0 and 100")
	}
	if c.Motion.IdleTimeout < 0 {
		problems = append(problems, "motion.idle_timeout must not be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level must be debug, info, warn or error")
	}

	return problems
}

// Variant returns the detection variant with any option overrides applied.
func (c *Config) Variant() (detector.Variant, error) {
	v, err := detector.VariantFor(detector.Kind(c.Detection.Kind))
	if err != nil {
		return v, err
	}
	if c.Detection.Options != nil {
		v.Options = *c.Detection.Options
	}
	return v, nil
}

// DataDir returns ~/.mudra, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, DataDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

// StorePath returns the configured database path or ~/.mudra/mudra.db.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return expandHome(c.Store.Path), nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mudra.db"), nil
}

// FindWebDir returns the configured web directory, or searches
// "web", "../web", "../../web" and ~/.mudra/web.
// Returns the first existing directory or empty string if none found.
func (c *Config) FindWebDir() string {
	if c.Server.WebDir != "" {
		return expandHome(c.Server.WebDir)
	}

	for _, p := range []string{"web", "../web", "../../web"} {
		if isDir(p) {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if dir := filepath.Join(home, DataDirName, "web"); isDir(dir) {
		return dir
	}
	return ""
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// IsNotExist reports whether err came from a missing config file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
