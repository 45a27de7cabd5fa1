package store

import (
	"fmt"
	"strconv"
)

// Preference keys in the settings table.
const (
	KeyDeviceID        = "camera.device_id"
	KeyMirror          = "camera.mirror"
	KeyRotationDegrees = "camera.rotation_degrees"
	KeyWidth           = "camera.width"
	KeyHeight          = "camera.height"
	KeyKind            = "detection.kind"
	KeyEnabled         = "detection.enabled"
)

// Preferences are the user choices restored on startup.
type Preferences struct {
	DeviceID        string
	Mirror          bool
	RotationDegrees float64
	Width           int
	Height          int
	Kind            string
	Enabled         bool
}

// PreferencesRepository reads and writes Preferences through the settings table.
type PreferencesRepository struct {
	settings *SettingsRepository
}

// Preferences returns the preferences repository for this store.
func (s *Store) Preferences() *PreferencesRepository {
	return &PreferencesRepository{settings: s.Settings()}
}

// Load returns defaults with every stored preference applied on top.
func (r *PreferencesRepository) Load(defaults Preferences) (Preferences, error) {
	values, err := r.settings.All()
	if err != nil {
		return defaults, err
	}

	p := defaults
	if v, ok := values[KeyDeviceID]; ok {
		p.DeviceID = v
	}
	if v, ok := values[KeyKind]; ok {
		p.Kind = v
	}
	if err := parseBool(values, KeyMirror, &p.Mirror); err != nil {
		return defaults, err
	}
	if err := parseBool(values, KeyEnabled, &p.Enabled); err != nil {
		return defaults, err
	}
	if err := parseInt(values, KeyWidth, &p.Width); err != nil {
		return defaults, err
	}
	if err := parseInt(values, KeyHeight, &p.Height); err != nil {
		return defaults, err
	}
	if v, ok := values[KeyRotationDegrees]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaults, fmt.Errorf("invalid %s %q: %w", KeyRotationDegrees, v, err)
		}
		p.RotationDegrees = f
	}

	return p, nil
}

// Save stores every field of p.
func (r *PreferencesRepository) Save(p Preferences) error {
	return r.settings.SetMany(map[string]string{
		KeyDeviceID:        p.DeviceID,
		KeyMirror:          strconv.FormatBool(p.Mirror),
		KeyRotationDegrees: strconv.FormatFloat(p.RotationDegrees, 'g', -1, 64),
		KeyWidth:           strconv.Itoa(p.Width),
		KeyHeight:          strconv.Itoa(p.Height),
		KeyKind:            p.Kind,
		KeyEnabled:         strconv.FormatBool(p.Enabled),
	})
}

// SetDevice stores the selected device id.
func (r *PreferencesRepository) SetDevice(id string) error {
	return r.settings.Set(KeyDeviceID, id)
}

// SetTransform stores the mirror and rotation preferences.
func (r *PreferencesRepository) SetTransform(mirror bool, rotationDegrees float64) error {
	return r.settings.SetMany(map[string]string{
		KeyMirror:          strconv.FormatBool(mirror),
		KeyRotationDegrees: strconv.FormatFloat(rotationDegrees, 'g', -1, 64),
	})
}

// SetEnabled stores whether detection is enabled.
func (r *PreferencesRepository) SetEnabled(enabled bool) error {
	return r.settings.Set(KeyEnabled, strconv.FormatBool(enabled))
}

func parseBool(values map[string]string, key string, dst *bool) error {
	v, ok := values[key]
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func parseInt(values map[string]string, key string, dst *int) error {
	v, ok := values[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
