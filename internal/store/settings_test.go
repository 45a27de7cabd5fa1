package store

import (
	"errors"
	"testing"
)

func TestSettingsRepository_GetSet(t *testing.T) {
	repo := newTestStore(t).Settings()

	if _, err := repo.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := repo.Set("camera.device_id", "0"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := repo.Set("camera.device_id", "2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}

	got, err := repo.Get("camera.device_id")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "2" {
		t.Errorf("Get() = %q, want 2", got)
	}
}

func TestSettingsRepository_SetManyAndAll(t *testing.T) {
	repo := newTestStore(t).Settings()

	values := map[string]string{"a": "1", "b": "2", "c": ""}
	if err := repo.SetMany(values); err != nil {
		t.Fatalf("SetMany() error = %v", err)
	}

	all, err := repo.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != len(values) {
		t.Fatalf("All() returned %d settings, want %d", len(all), len(values))
	}
	for k, v := range values {
		if all[k] != v {
			t.Errorf("All()[%q] = %q, want %q", k, all[k], v)
		}
	}
}

func TestSettingsRepository_Delete(t *testing.T) {
	repo := newTestStore(t).Settings()

	if err := repo.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(nope) error = %v, want ErrNotFound", err)
	}

	if err := repo.Set("k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := repo.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}
