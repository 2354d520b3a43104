package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"imbridge-server/domain"
)

// SQLite persists device records in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and creates the schema.
// Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '[]',
		brightness INTEGER NOT NULL DEFAULT 100,
		is_on INTEGER NOT NULL DEFAULT 1,
		is_connected INTEGER NOT NULL DEFAULT 0
	);
	`)
	if err != nil {
		return err
	}

	// No agent is attached to a store that is just opening; flags left over
	// from a previous process are stale.
	_, err = s.db.Exec(`UPDATE devices SET is_connected = 0 WHERE is_connected <> 0`)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

const selectDevice = `SELECT device_id, name, image, brightness, is_on, is_connected FROM devices`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (domain.Device, error) {
	var (
		dev   domain.Device
		image string
	)
	if err := row.Scan(&dev.ID, &dev.Name, &image, &dev.Brightness, &dev.IsOn, &dev.IsConnected); err != nil {
		return domain.Device{}, err
	}
	if err := json.Unmarshal([]byte(image), &dev.Image); err != nil {
		return domain.Device{}, fmt.Errorf("decode image of %s: %w", dev.ID, err)
	}
	return dev, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Device, error) {
	dev, err := scanDevice(s.db.QueryRowContext(ctx, selectDevice+` WHERE device_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	if err != nil {
		return domain.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	return dev, nil
}

func (s *SQLite) GetOrCreate(ctx context.Context, id string) (domain.Device, error) {
	def := domain.NewDevice(id)
	image, err := json.Marshal(def.Image)
	if err != nil {
		return domain.Device{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, name, image, brightness, is_on, is_connected)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO NOTHING
	`, def.ID, def.Name, string(image), def.Brightness, def.IsOn, def.IsConnected)
	if err != nil {
		return domain.Device{}, fmt.Errorf("create device %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) Upsert(ctx context.Context, id string, st domain.State) (domain.Device, error) {
	image, err := json.Marshal(st.Image)
	if err != nil {
		return domain.Device{}, fmt.Errorf("encode image: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, name, image, brightness, is_on)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			brightness = excluded.brightness,
			is_on = excluded.is_on
	`, id, st.Name, string(image), st.Brightness, st.IsOn)
	if err != nil {
		return domain.Device{}, fmt.Errorf("upsert device %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) SetConnected(ctx context.Context, id string, connected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET is_connected = ? WHERE device_id = ?`, connected, id)
	if err != nil {
		return fmt.Errorf("set connected on %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, selectDevice+` ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []domain.Device{}
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}
