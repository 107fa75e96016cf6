package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taglocator/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracked_objects (
			slot TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			password TEXT NOT NULL,
			radio_id TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tracked_objects_radio_id
			ON tracked_objects(radio_id) WHERE radio_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS sightings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slot TEXT NOT NULL,
			radio_id TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			observed_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_slot_time ON sightings(slot, observed_at);`,
		`CREATE TABLE IF NOT EXISTS app_flags (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// LoadObjects returns every registered tracked object in slot order.
func (s *Store) LoadObjects(ctx context.Context) ([]model.TrackedObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, name, COALESCE(description, ''), password, COALESCE(radio_id, ''), created_at, updated_at
		 FROM tracked_objects ORDER BY slot;`)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var objects []model.TrackedObject
	for rows.Next() {
		var o model.TrackedObject
		var createdAt, updatedAt string
		if err := rows.Scan(&o.Slot, &o.Name, &o.Description, &o.Password, &o.RadioID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		o.CreatedAt = parseTimestamp(createdAt)
		o.UpdatedAt = parseTimestamp(updatedAt)
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	return objects, nil
}

// GetObject returns the object registered in the given slot.
func (s *Store) GetObject(ctx context.Context, slot model.TagSlot) (model.TrackedObject, error) {
	var o model.TrackedObject
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT slot, name, COALESCE(description, ''), password, COALESCE(radio_id, ''), created_at, updated_at
		 FROM tracked_objects WHERE slot = ?;`, slot).
		Scan(&o.Slot, &o.Name, &o.Description, &o.Password, &o.RadioID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrackedObject{}, ErrNotFound
	}
	if err != nil {
		return model.TrackedObject{}, fmt.Errorf("get object: %w", err)
	}
	o.CreatedAt = parseTimestamp(createdAt)
	o.UpdatedAt = parseTimestamp(updatedAt)
	return o, nil
}

// CreateObject registers a new tracked object. The collection invariants
// (capacity, slot uniqueness) are enforced against the current contents.
func (s *Store) CreateObject(ctx context.Context, o model.TrackedObject) error {
	if err := o.Validate(); err != nil {
		return err
	}

	existing, err := s.LoadObjects(ctx)
	if err != nil {
		return err
	}
	if err := model.ValidateSet(append(existing, o)); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tracked_objects (slot, name, description, password) VALUES (?, ?, ?, ?);`,
		o.Slot, o.Name, o.Description, o.Password)
	if err != nil {
		return fmt.Errorf("insert object: %w", err)
	}
	return nil
}

// UpdateObject replaces the name, description, and password of an existing object.
func (s *Store) UpdateObject(ctx context.Context, o model.TrackedObject) error {
	if err := o.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_objects SET name = ?, description = ?, password = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE slot = ?;`,
		o.Name, o.Description, o.Password, o.Slot)
	if err != nil {
		return fmt.Errorf("update object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindRadioID records the hardware identifier learned during pairing.
func (s *Store) BindRadioID(ctx context.Context, slot model.TagSlot, radioID string) error {
	if radioID == "" {
		return fmt.Errorf("radio id must not be empty")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_objects SET radio_id = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE slot = ?;`,
		radioID, slot)
	if err != nil {
		return fmt.Errorf("bind radio id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteObject removes a registration. No engine path calls this; it exists
// for operational cleanup until a removal flow is specified.
func (s *Store) DeleteObject(ctx context.Context, slot model.TagSlot) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_objects WHERE slot = ?;`, slot)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const setupFlagKey = "setup_complete"

// LoadSetupFlag reports whether registration has been marked complete.
func (s *Store) LoadSetupFlag(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_flags WHERE key = ?;`, setupFlagKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load setup flag: %w", err)
	}
	return value == "true", nil
}

// SaveSetupFlag persists the registration-complete marker.
func (s *Store) SaveSetupFlag(ctx context.Context, complete bool) error {
	value := "false"
	if complete {
		value = "true"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_flags (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now');`,
		setupFlagKey, value)
	if err != nil {
		return fmt.Errorf("save setup flag: %w", err)
	}
	return nil
}

// Sighting is a persisted proximity observation.
type Sighting struct {
	Slot       model.TagSlot `json:"slot"`
	RadioID    string        `json:"radio_id"`
	RSSI       int           `json:"rssi"`
	ObservedAt time.Time     `json:"observed_at"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// InsertSighting persists a matched discovery observation.
func (s *Store) InsertSighting(ctx context.Context, slot model.TagSlot, ev model.DiscoveryEvent) error {
	observedAt := ev.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sightings (slot, radio_id, rssi, observed_at) VALUES (?, ?, ?, ?);`,
		slot, ev.RadioID, ev.RSSI, observedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert sighting: %w", err)
	}
	return nil
}

// RecentSightings returns the newest sightings, most recent first.
func (s *Store) RecentSightings(ctx context.Context, limit int) ([]Sighting, error) {
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, radio_id, rssi, observed_at, recorded_at
		 FROM sightings ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sightings: %w", err)
	}
	defer rows.Close()

	var sightings []Sighting
	for rows.Next() {
		var sg Sighting
		var observedAt, recordedAt string
		if err := rows.Scan(&sg.Slot, &sg.RadioID, &sg.RSSI, &observedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan sighting: %w", err)
		}
		sg.ObservedAt = parseTimestamp(observedAt)
		sg.RecordedAt = parseTimestamp(recordedAt)
		sightings = append(sightings, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent sightings: %w", err)
	}
	return sightings, nil
}

func parseTimestamp(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
