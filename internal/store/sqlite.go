package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/electrohub/panelscan/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for local
// development and air-gapped site surveys.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single connection: SQLite is single-writer, and an in-memory database
	// exists per connection.
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS device_catalog (
	id              TEXT PRIMARY KEY,
	site            TEXT NOT NULL,
	ref_normalized  TEXT NOT NULL,
	reference       TEXT NOT NULL,
	manufacturer    TEXT,
	rated_current_a REAL,
	breaking_ka     REAL,
	poles           INTEGER,
	voltage_v       REAL,
	scan_count      INTEGER NOT NULL DEFAULT 1,
	validated       INTEGER NOT NULL DEFAULT 0,
	first_seen      DATETIME NOT NULL,
	last_seen       DATETIME NOT NULL,
	UNIQUE (site, ref_normalized)
);

CREATE TABLE IF NOT EXISTS devices (
	id                TEXT PRIMARY KEY,
	panel_id          TEXT NOT NULL,
	position          TEXT NOT NULL DEFAULT '',
	circuit_name      TEXT NOT NULL DEFAULT '',
	manufacturer      TEXT NOT NULL DEFAULT '',
	reference         TEXT NOT NULL DEFAULT '',
	rated_current_a   REAL,
	breaking_ka       REAL,
	poles             INTEGER,
	voltage_v         REAL,
	differential      INTEGER NOT NULL DEFAULT 0,
	sensitivity_ma    REAL,
	differential_type TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_panel_id ON devices(panel_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func (s *SQLiteStore) GetCatalogEntry(ctx context.Context, site, refNormalized string) (*model.CatalogEntry, error) {
	if refNormalized == "" {
		return nil, nil
	}

	var e model.CatalogEntry
	var manufacturer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, site, ref_normalized, reference, manufacturer, rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen
		FROM device_catalog WHERE site = ? AND ref_normalized = ?`,
		site, refNormalized,
	).Scan(&e.ID, &e.Site, &e.RefNormalized, &e.Reference, &manufacturer,
		&e.RatedCurrentA, &e.BreakingKA, &e.Poles, &e.VoltageV,
		&e.ScanCount, &e.Validated, &e.FirstSeen, &e.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get catalog entry %s", refNormalized)
	}
	e.Manufacturer = manufacturer.String
	return &e, nil
}

func (s *SQLiteStore) UpsertCatalogEntry(ctx context.Context, entry model.CatalogEntry) error {
	if entry.RefNormalized == "" {
		return eris.New("sqlite: catalog entry has empty normalized reference")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_catalog
		  (id, site, ref_normalized, reference, manufacturer, rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT (site, ref_normalized) DO UPDATE SET
		  scan_count      = device_catalog.scan_count + 1,
		  last_seen       = excluded.last_seen,
		  reference       = CASE WHEN device_catalog.validated THEN device_catalog.reference ELSE excluded.reference END,
		  manufacturer    = CASE WHEN device_catalog.validated THEN device_catalog.manufacturer ELSE COALESCE(excluded.manufacturer, device_catalog.manufacturer) END,
		  rated_current_a = CASE WHEN device_catalog.validated THEN device_catalog.rated_current_a ELSE COALESCE(excluded.rated_current_a, device_catalog.rated_current_a) END,
		  breaking_ka     = CASE WHEN device_catalog.validated THEN device_catalog.breaking_ka ELSE COALESCE(excluded.breaking_ka, device_catalog.breaking_ka) END,
		  poles           = CASE WHEN device_catalog.validated THEN device_catalog.poles ELSE COALESCE(excluded.poles, device_catalog.poles) END,
		  voltage_v       = CASE WHEN device_catalog.validated THEN device_catalog.voltage_v ELSE COALESCE(excluded.voltage_v, device_catalog.voltage_v) END`,
		entry.ID, entry.Site, entry.RefNormalized, entry.Reference, entry.Manufacturer,
		entry.RatedCurrentA, entry.BreakingKA, entry.Poles, entry.VoltageV, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert catalog entry %s", entry.RefNormalized)
}

func (s *SQLiteStore) SearchCatalog(ctx context.Context, site, query string, limit int) ([]model.CatalogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site, ref_normalized, reference, manufacturer, rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen
		FROM device_catalog
		WHERE site = ? AND (reference LIKE ? OR manufacturer LIKE ?)
		ORDER BY scan_count DESC, reference ASC
		LIMIT ?`,
		site, pattern, pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search catalog")
	}
	defer rows.Close()

	var entries []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		var manufacturer sql.NullString
		if err := rows.Scan(&e.ID, &e.Site, &e.RefNormalized, &e.Reference, &manufacturer,
			&e.RatedCurrentA, &e.BreakingKA, &e.Poles, &e.VoltageV,
			&e.ScanCount, &e.Validated, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog entry")
		}
		e.Manufacturer = manufacturer.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: search catalog iterate")
}

func (s *SQLiteStore) ValidateCatalogEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device_catalog SET validated = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: validate catalog entry %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "catalog entry %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, panelID string) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, panel_id, position, circuit_name, manufacturer, reference, rated_current_a, breaking_ka, poles, voltage_v, differential, sensitivity_ma, differential_type, created_at, updated_at
		FROM devices WHERE panel_id = ? ORDER BY position, created_at`,
		panelID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list devices for panel %s", panelID)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.PanelID, &d.Position, &d.CircuitName, &d.Manufacturer,
			&d.Reference, &d.RatedCurrentA, &d.BreakingKA, &d.Poles, &d.VoltageV,
			&d.Differential, &d.SensitivityMA, &d.DifferentialType, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan device")
		}
		devices = append(devices, d)
	}
	return devices, eris.Wrap(rows.Err(), "sqlite: list devices iterate")
}

func (s *SQLiteStore) CreateDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices
		  (id, panel_id, position, circuit_name, manufacturer, reference, rated_current_a, breaking_ka, poles, voltage_v, differential, sensitivity_ma, differential_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PanelID, d.Position, d.CircuitName, d.Manufacturer, d.Reference,
		d.RatedCurrentA, d.BreakingKA, d.Poles, d.VoltageV,
		d.Differential, d.SensitivityMA, d.DifferentialType, d.CreatedAt, d.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert device %s", d.Position)
}

func (s *SQLiteStore) UpdateDevice(ctx context.Context, d model.Device) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
		  position = ?, circuit_name = ?, manufacturer = ?, reference = ?,
		  rated_current_a = ?, breaking_ka = ?, poles = ?, voltage_v = ?,
		  differential = ?, sensitivity_ma = ?, differential_type = ?, updated_at = ?
		WHERE id = ?`,
		d.Position, d.CircuitName, d.Manufacturer, d.Reference,
		d.RatedCurrentA, d.BreakingKA, d.Poles, d.VoltageV,
		d.Differential, d.SensitivityMA, d.DifferentialType, time.Now().UTC(), d.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update device %s", d.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "device %s", d.ID)
	}
	return nil
}
