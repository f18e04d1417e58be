package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/electrohub/panelscan/internal/db"
	"github.com/electrohub/panelscan/internal/model"
)

// PostgresStore implements Store on pgxpool through the resilient session.
type PostgresStore struct {
	session   *Session
	keepalive *db.Keepalive
	closeFn   func()
}

// Session is re-exported so tests can construct a store over a mock pool.
type Session = db.Session

// PoolConfig holds connection pool tuning parameters.
type PoolConfig struct {
	MaxConns          int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns          int32         `yaml:"min_conns" mapstructure:"min_conns"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
}

// NewPostgres creates a PostgresStore with a bounded connection pool and
// starts the keepalive prober.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, sessCfg db.SessionConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Serverless Postgres caps concurrent connections hard; keep the pool
	// small and recycle aggressively.
	maxConns := int32(8)
	minConns := int32(1)
	keepaliveInterval := 4 * time.Minute
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.KeepaliveInterval > 0 {
			keepaliveInterval = poolCfg.KeepaliveInterval
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	session := db.NewSession(pool, db.PoolAcquirer{Pool: pool}, sessCfg)
	keepalive := db.NewKeepalive(session, keepaliveInterval)
	keepalive.Start(ctx)

	return &PostgresStore{session: session, keepalive: keepalive, closeFn: pool.Close}, nil
}

// NewPostgresWithSession constructs a store over an existing session.
// Used by tests with a pgxmock-backed session.
func NewPostgresWithSession(session *Session) *PostgresStore {
	return &PostgresStore{session: session}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS device_catalog (
	id              TEXT PRIMARY KEY,
	site            TEXT NOT NULL,
	ref_normalized  TEXT NOT NULL,
	reference       TEXT NOT NULL,
	manufacturer    TEXT,
	rated_current_a DOUBLE PRECISION,
	breaking_ka     DOUBLE PRECISION,
	poles           INTEGER,
	voltage_v       DOUBLE PRECISION,
	scan_count      INTEGER NOT NULL DEFAULT 1,
	validated       BOOLEAN NOT NULL DEFAULT false,
	first_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (site, ref_normalized)
);

CREATE INDEX IF NOT EXISTS idx_device_catalog_site_ref ON device_catalog(site, ref_normalized);
CREATE INDEX IF NOT EXISTS idx_device_catalog_manufacturer ON device_catalog(manufacturer);

CREATE TABLE IF NOT EXISTS devices (
	id                TEXT PRIMARY KEY,
	panel_id          TEXT NOT NULL,
	position          TEXT NOT NULL DEFAULT '',
	circuit_name      TEXT NOT NULL DEFAULT '',
	manufacturer      TEXT NOT NULL DEFAULT '',
	reference         TEXT NOT NULL DEFAULT '',
	rated_current_a   DOUBLE PRECISION,
	breaking_ka       DOUBLE PRECISION,
	poles             INTEGER,
	voltage_v         DOUBLE PRECISION,
	differential      BOOLEAN NOT NULL DEFAULT false,
	sensitivity_ma    DOUBLE PRECISION,
	differential_type TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_devices_panel_id ON devices(panel_id);
CREATE INDEX IF NOT EXISTS idx_devices_panel_position ON devices(panel_id, position);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.session.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.session.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.keepalive != nil {
		s.keepalive.Stop()
	}
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCatalogEntry(ctx context.Context, site, refNormalized string) (*model.CatalogEntry, error) {
	if refNormalized == "" {
		return nil, nil
	}

	var e model.CatalogEntry
	err := s.session.QueryRow(ctx, func(row pgx.Row) error {
		return row.Scan(&e.ID, &e.Site, &e.RefNormalized, &e.Reference, &e.Manufacturer,
			&e.RatedCurrentA, &e.BreakingKA, &e.Poles, &e.VoltageV,
			&e.ScanCount, &e.Validated, &e.FirstSeen, &e.LastSeen)
	}, `SELECT id, site, ref_normalized, reference, COALESCE(manufacturer, ''), rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen
	    FROM device_catalog WHERE site = $1 AND ref_normalized = $2`,
		site, refNormalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get catalog entry %s", refNormalized)
	}
	return &e, nil
}

// UpsertCatalogEntry inserts or refreshes an entry. The scan counter is
// incremented inside the statement so concurrent writers never lose counts,
// and a validated entry's populated fields win over any unvalidated write.
// A recorded breaking capacity is never replaced by null.
func (s *PostgresStore) UpsertCatalogEntry(ctx context.Context, entry model.CatalogEntry) error {
	if entry.RefNormalized == "" {
		return eris.New("postgres: catalog entry has empty normalized reference")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.session.ExecIdempotent(ctx, `
		INSERT INTO device_catalog
		  (id, site, ref_normalized, reference, manufacturer, rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, 1, false, $10, $10)
		ON CONFLICT (site, ref_normalized) DO UPDATE SET
		  scan_count      = device_catalog.scan_count + 1,
		  last_seen       = EXCLUDED.last_seen,
		  reference       = CASE WHEN device_catalog.validated THEN device_catalog.reference ELSE EXCLUDED.reference END,
		  manufacturer    = CASE WHEN device_catalog.validated THEN device_catalog.manufacturer ELSE COALESCE(EXCLUDED.manufacturer, device_catalog.manufacturer) END,
		  rated_current_a = CASE WHEN device_catalog.validated THEN device_catalog.rated_current_a ELSE COALESCE(EXCLUDED.rated_current_a, device_catalog.rated_current_a) END,
		  breaking_ka     = CASE WHEN device_catalog.validated THEN device_catalog.breaking_ka ELSE COALESCE(EXCLUDED.breaking_ka, device_catalog.breaking_ka) END,
		  poles           = CASE WHEN device_catalog.validated THEN device_catalog.poles ELSE COALESCE(EXCLUDED.poles, device_catalog.poles) END,
		  voltage_v       = CASE WHEN device_catalog.validated THEN device_catalog.voltage_v ELSE COALESCE(EXCLUDED.voltage_v, device_catalog.voltage_v) END`,
		entry.ID, entry.Site, entry.RefNormalized, entry.Reference, entry.Manufacturer,
		entry.RatedCurrentA, entry.BreakingKA, entry.Poles, entry.VoltageV, now,
	)
	return eris.Wrapf(err, "postgres: upsert catalog entry %s", entry.RefNormalized)
}

func (s *PostgresStore) SearchCatalog(ctx context.Context, site, query string, limit int) ([]model.CatalogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.session.Query(ctx, `
		SELECT id, site, ref_normalized, reference, COALESCE(manufacturer, ''), rated_current_a, breaking_ka, poles, voltage_v, scan_count, validated, first_seen, last_seen
		FROM device_catalog
		WHERE site = $1 AND (reference ILIKE '%' || $2 || '%' OR manufacturer ILIKE '%' || $2 || '%')
		ORDER BY scan_count DESC, reference ASC
		LIMIT $3`,
		site, query, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search catalog")
	}
	defer rows.Close()

	var entries []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.ID, &e.Site, &e.RefNormalized, &e.Reference, &e.Manufacturer,
			&e.RatedCurrentA, &e.BreakingKA, &e.Poles, &e.VoltageV,
			&e.ScanCount, &e.Validated, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: search catalog iterate")
}

func (s *PostgresStore) ValidateCatalogEntry(ctx context.Context, id string) error {
	tag, err := s.session.ExecIdempotent(ctx,
		`UPDATE device_catalog SET validated = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: validate catalog entry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "catalog entry %s", id)
	}
	return nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, panelID string) ([]model.Device, error) {
	rows, err := s.session.Query(ctx, `
		SELECT id, panel_id, position, circuit_name, manufacturer, reference, rated_current_a, breaking_ka, poles, voltage_v, differential, sensitivity_ma, differential_type, created_at, updated_at
		FROM devices WHERE panel_id = $1 ORDER BY position, created_at`,
		panelID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list devices for panel %s", panelID)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.PanelID, &d.Position, &d.CircuitName, &d.Manufacturer,
			&d.Reference, &d.RatedCurrentA, &d.BreakingKA, &d.Poles, &d.VoltageV,
			&d.Differential, &d.SensitivityMA, &d.DifferentialType, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan device")
		}
		devices = append(devices, d)
	}
	return devices, eris.Wrap(rows.Err(), "postgres: list devices iterate")
}

func (s *PostgresStore) CreateDevice(ctx context.Context, d model.Device) error {
	_, err := s.session.Exec(ctx, `
		INSERT INTO devices
		  (id, panel_id, position, circuit_name, manufacturer, reference, rated_current_a, breaking_ka, poles, voltage_v, differential, sensitivity_ma, differential_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		d.ID, d.PanelID, d.Position, d.CircuitName, d.Manufacturer, d.Reference,
		d.RatedCurrentA, d.BreakingKA, d.Poles, d.VoltageV,
		d.Differential, d.SensitivityMA, d.DifferentialType, d.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert device %s", d.Position)
}

func (s *PostgresStore) UpdateDevice(ctx context.Context, d model.Device) error {
	tag, err := s.session.ExecIdempotent(ctx, `
		UPDATE devices SET
		  position = $1, circuit_name = $2, manufacturer = $3, reference = $4,
		  rated_current_a = $5, breaking_ka = $6, poles = $7, voltage_v = $8,
		  differential = $9, sensitivity_ma = $10, differential_type = $11, updated_at = $12
		WHERE id = $13`,
		d.Position, d.CircuitName, d.Manufacturer, d.Reference,
		d.RatedCurrentA, d.BreakingKA, d.Poles, d.VoltageV,
		d.Differential, d.SensitivityMA, d.DifferentialType, time.Now().UTC(), d.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update device %s", d.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "device %s", d.ID)
	}
	return nil
}
