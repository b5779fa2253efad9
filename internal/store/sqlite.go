package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/edu-etl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are kept as
// RFC 3339 text and geometries as EWKB blobs.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; SQLite allows one at a time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for tests and ad-hoc queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS endpoint_metadata (
	source          TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	year            INTEGER NOT NULL,
	run_id          TEXT NOT NULL DEFAULT '',
	last_fetched_at TEXT,
	record_count    INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (source, endpoint, year)
);

CREATE TABLE IF NOT EXISTS census_geodata (
	geoid       TEXT NOT NULL,
	layer_type  TEXT NOT NULL,
	name        TEXT,
	state_fips  TEXT,
	county_fips TEXT,
	state_abbr  TEXT,
	geom        BLOB NOT NULL,
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (layer_type, geoid)
);

CREATE TABLE IF NOT EXISTS location_data (
	latitude    REAL NOT NULL,
	longitude   REAL NOT NULL,
	zip         TEXT,
	county      TEXT,
	county_fips TEXT,
	state       TEXT,
	state_fips  TEXT,
	geohash     TEXT,
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (latitude, longitude)
);

CREATE INDEX IF NOT EXISTS idx_endpoint_metadata_status ON endpoint_metadata(status);
CREATE INDEX IF NOT EXISTS idx_location_data_zip ON location_data(zip);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteType(ct ColumnType) string {
	switch ct {
	case TypeInteger, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// localName drops a schema qualifier; SQLite has a single namespace here.
func localName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

func (s *SQLiteStore) EnsureTable(ctx context.Context, t TableSpec) error {
	defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", quote(c.Name), sqliteType(c.Type)))
	}
	defs = append(defs,
		"created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))",
		"updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))",
	)
	if !t.Append() {
		keys := make([]string, len(t.Key))
		for i, k := range t.Key {
			keys[i] = quote(k)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(keys, ", ")))
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(localName(t.Name)), strings.Join(defs, ",\n\t"))
	_, err := s.db.ExecContext(ctx, stmt)
	return eris.Wrapf(err, "sqlite: ensure table %s", t.Name)
}

// WriteBatch widens the table, then inserts or upserts every row in one
// transaction. Later rows with the same key overwrite earlier ones.
func (s *SQLiteStore) WriteBatch(ctx context.Context, t TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols, data := withUpdatedAt(columns, rows, time.Now().UTC())
	CoerceRows(t, cols, data)
	for _, row := range data {
		for i, v := range row {
			if tv, ok := v.(time.Time); ok {
				row[i] = tv.UTC().Format(time.RFC3339Nano)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := localName(t.Name)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: write batch: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := tableColumns(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	for _, c := range missingColumns(existing, cols) {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quote(table), quote(c))); err != nil {
			return 0, eris.Wrapf(err, "sqlite: add column %s to %s", c, table)
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(table, cols, t.Key))
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare write for %s", table)
	}
	defer stmt.Close()

	var total int64
	for i, row := range data {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: write row %d into %s", i, table)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: write batch: commit tx")
	}
	return total, nil
}

func insertSQL(table string, cols, key []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		marks[i] = "?"
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if len(key) == 0 {
		return q
	}

	keySet := make(map[string]bool, len(key))
	keys := make([]string, len(key))
	for i, k := range key {
		keySet[k] = true
		keys[i] = quote(k)
	}
	var sets []string
	for _, c := range cols {
		if !keySet[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c), quote(c)))
		}
	}
	if len(sets) == 0 {
		return q + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info(%s)", sqlString(table)))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table info")
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate table info")
	}
	if len(cols) == 0 {
		return nil, eris.Errorf("sqlite: table %s does not exist", table)
	}
	return cols, nil
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *SQLiteStore) UpsertEndpointMetadata(ctx context.Context, m model.EndpointMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fetched any
	if !m.LastFetchedAt.IsZero() {
		fetched = m.LastFetchedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoint_metadata (source, endpoint, year, run_id, last_fetched_at, record_count, error_count, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, endpoint, year) DO UPDATE SET
			run_id = excluded.run_id,
			last_fetched_at = excluded.last_fetched_at,
			record_count = excluded.record_count,
			error_count = excluded.error_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		m.Source, m.Endpoint, m.Year, m.RunID, fetched, m.RecordCount, m.ErrorCount, string(m.Status),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrapf(err, "sqlite: upsert endpoint metadata %s/%s/%d", m.Source, m.Endpoint, m.Year)
}

func (s *SQLiteStore) ListEndpointMetadata(ctx context.Context) ([]model.EndpointMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, endpoint, year, run_id, last_fetched_at, record_count, error_count, status
		 FROM endpoint_metadata ORDER BY source, endpoint, year`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list endpoint metadata")
	}
	defer rows.Close()

	var out []model.EndpointMetadata
	for rows.Next() {
		var m model.EndpointMetadata
		var fetched sql.NullString
		var status string
		if err := rows.Scan(&m.Source, &m.Endpoint, &m.Year, &m.RunID, &fetched, &m.RecordCount, &m.ErrorCount, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan endpoint metadata")
		}
		if fetched.Valid {
			if t, err := time.Parse(time.RFC3339Nano, fetched.String); err == nil {
				m.LastFetchedAt = t
			}
		}
		m.Status = model.Status(status)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate endpoint metadata")
}

func (s *SQLiteStore) SaveBoundaries(ctx context.Context, b []model.BoundaryGeometry) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := make([][]any, 0, len(b))
	for _, g := range b {
		wkb, err := EncodeGeometry(g.Geometry)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: encode %s %s", g.Layer, g.GeoID)
		}
		rows = append(rows, []any{g.GeoID, string(g.Layer), g.Name, g.StateFIPS, g.CountyFIPS, g.StateAbbr, wkb, now})
	}
	return s.execRows(ctx, insertSQL("census_geodata", boundaryColumns, []string{"layer_type", "geoid"}), rows)
}

func (s *SQLiteStore) LoadBoundaries(ctx context.Context, layer model.LayerType) ([]model.BoundaryGeometry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT geoid, name, state_fips, county_fips, state_abbr, geom
		 FROM census_geodata WHERE layer_type = ? ORDER BY geoid`, string(layer))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load boundaries %s", layer)
	}
	defer rows.Close()

	var out []model.BoundaryGeometry
	for rows.Next() {
		var g model.BoundaryGeometry
		var name, state, county, abbr sql.NullString
		var raw []byte
		if err := rows.Scan(&g.GeoID, &name, &state, &county, &abbr, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan boundary")
		}
		mp, err := DecodeGeometry(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode boundary %s", g.GeoID)
		}
		g.Layer = layer
		g.Name, g.StateFIPS, g.CountyFIPS, g.StateAbbr = name.String, state.String, county.String, abbr.String
		g.Geometry = mp
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate boundaries")
}

func (s *SQLiteStore) SaveLocations(ctx context.Context, locs []model.ResolvedLocation) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}
	rows := locationRows(locs, time.Now().UTC())
	for _, r := range rows {
		r[len(r)-1] = r[len(r)-1].(time.Time).Format(time.RFC3339Nano)
	}
	return s.execRows(ctx, insertSQL("location_data", locationColumns, []string{"latitude", "longitude"}), rows)
}

func (s *SQLiteStore) execRows(ctx context.Context, query string, rows [][]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare")
	}
	defer stmt.Close()

	var total int64
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: exec row")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return total, nil
}

func (s *SQLiteStore) Coordinates(ctx context.Context, table, latCol, lonCol string) ([]model.Point, error) {
	lat, lon := quote(latCol), quote(lonCol)
	q := fmt.Sprintf(
		"SELECT DISTINCT CAST(%s AS TEXT), CAST(%s AS TEXT) FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL",
		lat, lon, quote(localName(table)), lat, lon,
	)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query coordinates from %s", table)
	}
	defer rows.Close()

	var raw [][2]string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coordinate")
		}
		raw = append(raw, [2]string{a, b})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate coordinates")
	}
	return parsePoints(raw), nil
}
