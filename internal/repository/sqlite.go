package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
)

// SQLiteStore is the sqlite-backed Repository implementation: a *sql.DB,
// a migrate-on-construct step, and typed methods wrapping plain SQL.
type SQLiteStore struct {
	db  *sql.DB
	bus *events.Bus
	now clock

	mu           sync.RWMutex
	roomsCache   []model.Room
	roomsValid   bool
	scanCache    []model.Scanner
	scanValid    bool
}

// Open creates (or reuses) a sqlite database at path and returns a
// ready-to-use SQLiteStore. bus may be nil, in which case post-commit
// events are simply not published (useful in tests that only exercise
// storage).
func Open(path string, bus *events.Bus) (*SQLiteStore, error) {
	db, err := sql.Open(sqlDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time keeps this simple and correct.

	s := &SQLiteStore{db: db, bus: bus, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			uuid TEXT NOT NULL UNIQUE,
			use_name_as_id INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			prediction_model_id INTEGER
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS scanners (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS scanner_rooms (
			scanner_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			PRIMARY KEY (scanner_id, room_id)
		);

		CREATE TABLE IF NOT EXISTS prediction_models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			accuracy REAL NOT NULL,
			inputs_hash TEXT NOT NULL,
			blob BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS prediction_model_devices (
			model_id INTEGER NOT NULL,
			device_id INTEGER NOT NULL,
			PRIMARY KEY (model_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS learning_sessions (
			id TEXT PRIMARY KEY,
			device_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			learning_session_id TEXT,
			device_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			scanner_id INTEGER NOT NULL,
			rssi REAL NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_signals_session ON device_signals(learning_session_id);
		CREATE INDEX IF NOT EXISTS idx_signals_device ON device_signals(device_id);

		CREATE TABLE IF NOT EXISTS heartbeat_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			values_json TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) publish(ctx context.Context, event any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}

// --- Devices ---

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, uuid, use_name_as_id, display_name, COALESCE(prediction_model_id, 0) FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.UUID, &d.UseNameAsID, &d.DisplayName, &d.PredictionModelID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id int) (model.Device, error) {
	var d model.Device
	row := s.db.QueryRowContext(ctx, `SELECT id, name, uuid, use_name_as_id, display_name, COALESCE(prediction_model_id, 0) FROM devices WHERE id = ?`, id)
	err := row.Scan(&d.ID, &d.Name, &d.UUID, &d.UseNameAsID, &d.DisplayName, &d.PredictionModelID)
	if err == sql.ErrNoRows {
		return model.Device{}, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStore) CreateDevice(ctx context.Context, d model.Device) (model.Device, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (name, uuid, use_name_as_id, display_name, prediction_model_id) VALUES (?, ?, ?, ?, NULLIF(?, 0))`,
		d.Name, d.UUID, d.UseNameAsID, d.DisplayName, d.PredictionModelID)
	if err != nil {
		return model.Device{}, fmt.Errorf("create device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Device{}, err
	}
	d.ID = int(id)

	s.publish(ctx, coreevents.DeviceAddedEvent{Device: d})
	return d, nil
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id int) error {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	s.publish(ctx, coreevents.DeviceRemovedEvent{Device: d})
	return nil
}

// --- Rooms ---

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]model.Room, error) {
	s.mu.RLock()
	if s.roomsValid {
		cached := append([]model.Room(nil), s.roomsCache...)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		var r model.Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.roomsCache = out
	s.roomsValid = true
	s.mu.Unlock()

	return out, nil
}

func (s *SQLiteStore) invalidateRooms() {
	s.mu.Lock()
	s.roomsValid = false
	s.roomsCache = nil
	s.mu.Unlock()
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, r model.Room) (model.Room, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO rooms (name) VALUES (?)`, r.Name)
	if err != nil {
		return model.Room{}, fmt.Errorf("create room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Room{}, err
	}
	r.ID = int(id)

	s.invalidateRooms()
	s.publish(ctx, coreevents.RoomAddedEvent{Room: r})
	return r, nil
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, id int) error {
	var r model.Room
	row := s.db.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE id = ?`, id)
	if err := row.Scan(&r.ID, &r.Name); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	s.invalidateRooms()
	s.publish(ctx, coreevents.RoomRemovedEvent{Room: r})
	return nil
}

// --- Scanners ---

func (s *SQLiteStore) ListScanners(ctx context.Context) ([]model.Scanner, error) {
	s.mu.RLock()
	if s.scanValid {
		cached := append([]model.Scanner(nil), s.scanCache...)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, uuid, display_name FROM scanners`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Scanner
	for rows.Next() {
		var sc model.Scanner
		if err := rows.Scan(&sc.ID, &sc.UUID, &sc.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scanCache = out
	s.scanValid = true
	s.mu.Unlock()

	return out, nil
}

func (s *SQLiteStore) invalidateScanners() {
	s.mu.Lock()
	s.scanValid = false
	s.scanCache = nil
	s.mu.Unlock()
}

func (s *SQLiteStore) GetScanner(ctx context.Context, uid string) (model.Scanner, error) {
	var sc model.Scanner
	row := s.db.QueryRowContext(ctx, `SELECT id, uuid, display_name FROM scanners WHERE uuid = ?`, uid)
	err := row.Scan(&sc.ID, &sc.UUID, &sc.DisplayName)
	if err == sql.ErrNoRows {
		return model.Scanner{}, ErrNotFound
	}
	return sc, err
}

func (s *SQLiteStore) CreateScanner(ctx context.Context, sc model.Scanner) (model.Scanner, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO scanners (uuid, display_name) VALUES (?, ?)`, sc.UUID, sc.DisplayName)
	if err != nil {
		return model.Scanner{}, fmt.Errorf("create scanner: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Scanner{}, err
	}
	sc.ID = int(id)

	s.invalidateScanners()
	s.publish(ctx, coreevents.ScannerChangedEvent{})
	return sc, nil
}

func (s *SQLiteStore) DeleteScanner(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scanners WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scanner: %w", err)
	}
	s.invalidateScanners()
	s.publish(ctx, coreevents.ScannerChangedEvent{})
	return nil
}

// --- Prediction models ---

func (s *SQLiteStore) GetPredictionModel(ctx context.Context, deviceID int) (*model.PredictionModel, error) {
	d, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.PredictionModelID == 0 {
		return nil, ErrNotFound
	}

	var m model.PredictionModel
	row := s.db.QueryRowContext(ctx, `SELECT id, accuracy, inputs_hash, blob FROM prediction_models WHERE id = ?`, d.PredictionModelID)
	if err := row.Scan(&m.ID, &m.Accuracy, &m.InputsHash, &m.Blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM prediction_model_devices WHERE model_id = ?`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var devID int
		if err := rows.Scan(&devID); err != nil {
			return nil, err
		}
		m.DeviceIDs = append(m.DeviceIDs, devID)
	}

	return &m, rows.Err()
}

func (s *SQLiteStore) SavePredictionModel(ctx context.Context, m model.PredictionModel) (model.PredictionModel, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO prediction_models (accuracy, inputs_hash, blob) VALUES (?, ?, ?)`,
		m.Accuracy, m.InputsHash, m.Blob)
	if err != nil {
		return model.PredictionModel{}, fmt.Errorf("save prediction model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PredictionModel{}, err
	}
	m.ID = int(id)

	for _, devID := range m.DeviceIDs {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO prediction_model_devices (model_id, device_id) VALUES (?, ?)`, m.ID, devID); err != nil {
			return model.PredictionModel{}, fmt.Errorf("link model to device %d: %w", devID, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE devices SET prediction_model_id = ? WHERE id = ?`, m.ID, devID); err != nil {
			return model.PredictionModel{}, fmt.Errorf("assign model to device %d: %w", devID, err)
		}
	}

	return m, nil
}

// --- Learning sessions & signals ---

func (s *SQLiteStore) CreateLearningSession(ctx context.Context, deviceID, roomID int) (model.LearningSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.LearningSession{}, fmt.Errorf("generate learning session id: %w", err)
	}
	now := s.now().UTC()

	_, err = s.db.ExecContext(ctx, `INSERT INTO learning_sessions (id, device_id, room_id, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), deviceID, roomID, now.Format(time.RFC3339Nano))
	if err != nil {
		return model.LearningSession{}, fmt.Errorf("create learning session: %w", err)
	}

	return model.LearningSession{ID: id.String(), DeviceID: deviceID, RoomID: roomID, CreatedAt: now}, nil
}

func (s *SQLiteStore) CreateSignal(ctx context.Context, sig model.DeviceSignal) (model.DeviceSignal, error) {
	now := s.now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now

	var sessionID sql.NullString
	if sig.LearningSessionID != "" {
		sessionID = sql.NullString{String: sig.LearningSessionID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_signals (learning_session_id, device_id, room_id, scanner_id, rssi, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, sig.DeviceID, sig.RoomID, sig.ScannerID, sig.RSSI,
		sig.CreatedAt.Format(time.RFC3339Nano), sig.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.DeviceSignal{}, fmt.Errorf("create signal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.DeviceSignal{}, err
	}
	sig.ID = int(id)
	return sig, nil
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.DeviceSignal, error) {
	query := `SELECT id, COALESCE(learning_session_id, ''), device_id, room_id, scanner_id, rssi, created_at, updated_at FROM device_signals WHERE 1=1`
	var args []any

	if filter.DeviceID != 0 {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.RoomID != 0 {
		query += ` AND room_id = ?`
		args = append(args, filter.RoomID)
	}
	if filter.ScannerID != 0 {
		query += ` AND scanner_id = ?`
		args = append(args, filter.ScannerID)
	}
	if filter.LearningSessionID != "" {
		query += ` AND learning_session_id = ?`
		args = append(args, filter.LearningSessionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceSignal
	for rows.Next() {
		var sig model.DeviceSignal
		var createdAt, updatedAt string
		if err := rows.Scan(&sig.ID, &sig.LearningSessionID, &sig.DeviceID, &sig.RoomID, &sig.ScannerID, &sig.RSSI, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sig.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sig.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BulkCreateHeartbeats(ctx context.Context, heartbeats []model.Heartbeat) error {
	if len(heartbeats) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bulk create heartbeats: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO heartbeat_log (device_id, values_json, timestamp) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("bulk create heartbeats: prepare: %w", err)
	}
	defer stmt.Close()

	for _, hb := range heartbeats {
		payload, err := json.Marshal(hb.Values)
		if err != nil {
			return fmt.Errorf("bulk create heartbeats: marshal: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, hb.DeviceID, payload, hb.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("bulk create heartbeats: insert: %w", err)
		}
	}

	return tx.Commit()
}
