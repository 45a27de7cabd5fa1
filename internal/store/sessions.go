package store

import (
	"database/sql"
	"errors"
	"time"
)

// SessionRecord is one bound capture stream.
type SessionRecord struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	DeviceLabel string     `json:"device_label"`
	Kind        string     `json:"kind"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// SessionRepository records capture session history.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the capture session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a new session record. StartedAt is set if zero.
func (r *SessionRepository) Create(rec *SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO capture_sessions (id, device_id, device_label, kind, width, height, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.DeviceLabel, rec.Kind, rec.Width, rec.Height, rec.StartedAt,
	)
	return err
}

// End marks the session as ended. Returns ErrNotFound if it does not exist.
func (r *SessionRepository) End(id string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE capture_sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		at, id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var ended sql.NullTime

	err := r.db.QueryRow(
		`SELECT id, device_id, device_label, kind, width, height, started_at, ended_at
		 FROM capture_sessions WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.DeviceID, &rec.DeviceLabel, &rec.Kind, &rec.Width, &rec.Height, &rec.StartedAt, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (r *SessionRepository) Recent(limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(
		`SELECT id, device_id, device_label, kind, width, height, started_at, ended_at
		 FROM capture_sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var ended sql.NullTime

		err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.DeviceLabel, &rec.Kind, &rec.Width, &rec.Height, &rec.StartedAt, &ended)
		if err != nil {
			return nil, err
		}
		if ended.Valid {
			rec.EndedAt = &ended.Time
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// EndOpen marks every session without an end time as ended.
// It is used on startup to close records left by a crash.
func (r *SessionRepository) EndOpen(at time.Time) (int64, error) {
	result, err := r.db.Exec(`UPDATE capture_sessions SET ended_at = ? WHERE ended_at IS NULL`, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
