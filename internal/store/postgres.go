package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/edu-etl/internal/db"
	"github.com/sells-group/edu-etl/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	schema  string
	closeFn func()

	mu    sync.Mutex
	known map[string]map[string]bool // table -> columns known to exist
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. Landing tables
// live in schema.
func NewPostgres(ctx context.Context, connString, schema string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	if minConns > maxConns {
		minConns = maxConns
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
	return NewPostgresFromPool(pool, schema, pool.Close), nil
}

// NewPostgresFromPool wraps an existing pool. closeFn may be nil.
func NewPostgresFromPool(pool db.Pool, schema string, closeFn func()) *PostgresStore {
	if schema == "" {
		schema = "ingest"
	}
	return &PostgresStore{
		pool:    pool,
		schema:  schema,
		closeFn: closeFn,
		known:   make(map[string]map[string]bool),
	}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(migrate(ctx, s.pool, s.schema), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) qualified(table string) string {
	if strings.Contains(table, ".") {
		return table
	}
	return s.schema + "." + table
}

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func pgType(ct ColumnType) string {
	switch ct {
	case TypeInteger:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBool:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	case TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// EnsureTable creates the landing table with an id, the declared columns, the
// audit columns and a unique constraint on the key.
func (s *PostgresStore) EnsureTable(ctx context.Context, t TableSpec) error {
	defs := []string{"id BIGSERIAL PRIMARY KEY"}
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), pgType(c.Type)))
	}
	defs = append(defs,
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
	)
	if !t.Append() {
		keys := make([]string, len(t.Key))
		for i, k := range t.Key {
			keys[i] = pgx.Identifier{k}.Sanitize()
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(keys, ", ")))
	}

	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", s.ident(t.Name), strings.Join(defs, ",\n\t"))
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "postgres: ensure table %s", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.knownLocked(t.Name)
	for _, c := range t.Columns {
		known[c.Name] = true
	}
	return nil
}

func (s *PostgresStore) knownLocked(table string) map[string]bool {
	k, ok := s.known[table]
	if !ok {
		k = map[string]bool{"id": true, ColCreatedAt: true, ColUpdatedAt: true}
		s.known[table] = k
	}
	return k
}

// WriteBatch widens the table with any undeclared columns and then upserts by
// key (or appends when the table has no key), all in one transaction.
func (s *PostgresStore) WriteBatch(ctx context.Context, t TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols, data := withUpdatedAt(columns, rows, time.Now().UTC())
	CoerceRows(t, cols, data)

	s.mu.Lock()
	missing := missingColumns(s.knownLocked(t.Name), cols)
	s.mu.Unlock()

	table := s.qualified(t.Name)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: write batch: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := db.AddColumns(ctx, tx, table, missing, "TEXT"); err != nil {
		return 0, err
	}

	var n int64
	if t.Append() {
		n, err = db.CopyFrom(ctx, tx, table, cols, data)
	} else {
		n, err = db.UpsertTx(ctx, tx, db.UpsertConfig{
			Table:        table,
			Columns:      cols,
			ConflictKeys: t.Key,
		}, data)
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: write batch: commit tx")
	}

	if len(missing) > 0 {
		s.mu.Lock()
		known := s.knownLocked(t.Name)
		for _, c := range missing {
			known[c] = true
		}
		s.mu.Unlock()
	}
	return n, nil
}

func (s *PostgresStore) UpsertEndpointMetadata(ctx context.Context, m model.EndpointMetadata) error {
	sql := fmt.Sprintf(`INSERT INTO %s (source, endpoint, year, run_id, last_fetched_at, record_count, error_count, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (source, endpoint, year) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			last_fetched_at = EXCLUDED.last_fetched_at,
			record_count = EXCLUDED.record_count,
			error_count = EXCLUDED.error_count,
			status = EXCLUDED.status,
			updated_at = now()`, s.ident("endpoint_metadata"))

	_, err := s.pool.Exec(ctx, sql,
		m.Source, m.Endpoint, m.Year, m.RunID, m.LastFetchedAt.UTC(), m.RecordCount, m.ErrorCount, string(m.Status),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert endpoint metadata %s/%s/%d", m.Source, m.Endpoint, m.Year)
	}
	return nil
}

func (s *PostgresStore) ListEndpointMetadata(ctx context.Context) ([]model.EndpointMetadata, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT source, endpoint, year, run_id, last_fetched_at, record_count, error_count, status
		 FROM %s ORDER BY source, endpoint, year`, s.ident("endpoint_metadata")))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list endpoint metadata")
	}
	defer rows.Close()

	var out []model.EndpointMetadata
	for rows.Next() {
		var m model.EndpointMetadata
		var fetched *time.Time
		var status string
		if err := rows.Scan(&m.Source, &m.Endpoint, &m.Year, &m.RunID, &fetched, &m.RecordCount, &m.ErrorCount, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan endpoint metadata")
		}
		if fetched != nil {
			m.LastFetchedAt = *fetched
		}
		m.Status = model.Status(status)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate endpoint metadata")
}

var boundaryColumns = []string{"geoid", "layer_type", "name", "state_fips", "county_fips", "state_abbr", "geom", ColUpdatedAt}

func (s *PostgresStore) SaveBoundaries(ctx context.Context, b []model.BoundaryGeometry) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(b))
	for _, g := range b {
		wkb, err := EncodeGeometry(g.Geometry)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode %s %s", g.Layer, g.GeoID)
		}
		rows = append(rows, []any{g.GeoID, string(g.Layer), g.Name, g.StateFIPS, g.CountyFIPS, g.StateAbbr, wkb, now})
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.qualified("census_geodata"),
		Columns:      boundaryColumns,
		ConflictKeys: []string{"layer_type", "geoid"},
	}, rows)
}

func (s *PostgresStore) LoadBoundaries(ctx context.Context, layer model.LayerType) ([]model.BoundaryGeometry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT geoid, name, state_fips, county_fips, state_abbr, ST_AsEWKB(geom)
		 FROM %s WHERE layer_type = $1 ORDER BY geoid`, s.ident("census_geodata")), string(layer))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load boundaries %s", layer)
	}
	defer rows.Close()

	var out []model.BoundaryGeometry
	for rows.Next() {
		var g model.BoundaryGeometry
		var name, state, county, abbr *string
		var raw []byte
		if err := rows.Scan(&g.GeoID, &name, &state, &county, &abbr, &raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan boundary")
		}
		mp, err := DecodeGeometry(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: decode boundary %s", g.GeoID)
		}
		g.Layer = layer
		g.Name, g.StateFIPS, g.CountyFIPS, g.StateAbbr = deref(name), deref(state), deref(county), deref(abbr)
		g.Geometry = mp
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate boundaries")
}

var locationColumns = []string{"latitude", "longitude", "zip", "county", "county_fips", "state", "state_fips", "geohash", ColUpdatedAt}

func (s *PostgresStore) SaveLocations(ctx context.Context, locs []model.ResolvedLocation) (int64, error) {
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.qualified("location_data"),
		Columns:      locationColumns,
		ConflictKeys: []string{"latitude", "longitude"},
	}, locationRows(locs, time.Now().UTC()))
}

func (s *PostgresStore) Coordinates(ctx context.Context, table, latCol, lonCol string) ([]model.Point, error) {
	lat := pgx.Identifier{latCol}.Sanitize()
	lon := pgx.Identifier{lonCol}.Sanitize()
	q := fmt.Sprintf(
		"SELECT DISTINCT %s::text, %s::text FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL",
		lat, lon, tableIdentifier(s.qualified(table)), lat, lon,
	)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query coordinates from %s", table)
	}
	defer rows.Close()

	var raw [][2]string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coordinate")
		}
		raw = append(raw, [2]string{a, b})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate coordinates")
	}
	return parsePoints(raw), nil
}

func tableIdentifier(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func locationRows(locs []model.ResolvedLocation, now time.Time) [][]any {
	rows := make([][]any, len(locs))
	for i, l := range locs {
		rows[i] = []any{
			l.Latitude, l.Longitude,
			nullable(l.Zip), nullable(l.County), nullable(l.CountyFIPS),
			nullable(l.State), nullable(l.StateFIPS), nullable(l.Geohash), now,
		}
	}
	return rows
}

// parsePoints keeps parsable, in-range pairs, in input order.
func parsePoints(raw [][2]string) []model.Point {
	out := make([]model.Point, 0, len(raw))
	for _, r := range raw {
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(r[0]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(r[1]), 64)
		if err1 != nil || err2 != nil || !inRange(lat, lon) {
			continue
		}
		out = append(out, model.Point{Lat: lat, Lon: lon})
	}
	return out
}

// EncodeGeometry marshals a multipolygon as little-endian EWKB with SRID 4326.
func EncodeGeometry(mp *geom.MultiPolygon) ([]byte, error) {
	if mp == nil {
		return nil, eris.New("store: nil geometry")
	}
	if mp.SRID() != 4326 {
		mp = mp.Clone().SetSRID(4326)
	}
	return ewkb.Marshal(mp, ewkb.NDR)
}

// DecodeGeometry parses EWKB into a multipolygon, promoting a single polygon.
func DecodeGeometry(raw []byte) (*geom.MultiPolygon, error) {
	g, err := ewkb.Unmarshal(raw)
	if err != nil {
		return nil, eris.Wrap(err, "store: unmarshal ewkb")
	}
	switch t := g.(type) {
	case *geom.MultiPolygon:
		return t, nil
	case *geom.Polygon:
		mp := geom.NewMultiPolygon(t.Layout()).SetSRID(4326)
		if err := mp.Push(t); err != nil {
			return nil, eris.Wrap(err, "store: promote polygon")
		}
		return mp, nil
	default:
		return nil, eris.Errorf("store: unexpected geometry %T", g)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
