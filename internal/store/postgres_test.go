package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/edu-etl/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock, "ingest", nil), mock
}

var censusSpec = TableSpec{
	Name: "census_data",
	Columns: []Column{
		{Name: "zip_code", Type: TypeText},
		{Name: "year", Type: TypeInteger},
		{Name: "data_json", Type: TypeJSON},
	},
	Key: []string{"zip_code", "year"},
}

func TestPostgresStore_EnsureTable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "ingest"."census_data" \(\s+id BIGSERIAL PRIMARY KEY,\s+"zip_code" TEXT,\s+"year" BIGINT,\s+"data_json" JSONB,.*UNIQUE \("zip_code", "year"\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureTable(context.Background(), censusSpec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureTable_AppendOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "ingest"."events"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureTable(context.Background(), TableSpec{Name: "events", Columns: []Column{{Name: "v"}}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBatch_UpsertWithWidening(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureTable(ctx, censusSpec))

	cols := []string{"zip_code", "year", "data_json", "extra"}
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE "ingest"."census_data" ADD COLUMN IF NOT EXISTS "extra" TEXT`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ingest_census_data"}, append(cols, ColUpdatedAt)).WillReturnResult(2)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "ingest"."census_data"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.WriteBatch(ctx, censusSpec, cols, [][]any{
		{"10001", "2020", `{"a":1}`, "x"},
		{"10002", int64(2020), `{"a":2}`, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The widened column is remembered, so the next batch does not ALTER again.
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ingest_census_data"}, append(cols, ColUpdatedAt)).WillReturnResult(1)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err = s.WriteBatch(ctx, censusSpec, cols, [][]any{{"10003", int64(2020), `{}`, "y"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBatch_AppendOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	spec := TableSpec{Name: "events", Columns: []Column{{Name: "v", Type: TypeText}}}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "ingest"."events"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureTable(ctx, spec))

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"ingest", "events"}, []string{"v", ColUpdatedAt}).WillReturnResult(3)
	mock.ExpectCommit()

	n, err := s.WriteBatch(ctx, spec, []string{"v"}, [][]any{{"a"}, {"b"}, {"c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBatch_UndeclaredColumnWidensFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	spec := TableSpec{Name: "events", Columns: []Column{{Name: "v", Type: TypeText}}}

	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE "ingest"."events" ADD COLUMN IF NOT EXISTS "v" TEXT`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"ingest", "events"}, []string{"v", ColUpdatedAt}).WillReturnResult(1)
	mock.ExpectCommit()

	n, err := s.WriteBatch(context.Background(), spec, []string{"v"}, [][]any{{"a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBatch_ConstraintRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	spec := TableSpec{Name: "t", Columns: []Column{{Name: "k"}, {Name: "v"}}, Key: []string{"k"}}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "ingest"."t"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureTable(ctx, spec))

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ingest_t"}, []string{"k", "v", ColUpdatedAt}).WillReturnResult(1)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO").WillReturnError(&pgconn.PgError{Code: "23502", Message: "null value in column"})
	mock.ExpectRollback()

	_, err := s.WriteBatch(ctx, spec, []string{"k", "v"}, [][]any{{"a", nil}})
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
	assert.Equal(t, model.ErrorKindConstraint, Classify(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBatch_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	n, err := s.WriteBatch(context.Background(), censusSpec, []string{"zip_code"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEndpointMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO "ingest"."endpoint_metadata".*ON CONFLICT \(source, endpoint, year\) DO UPDATE`).
		WithArgs("urban", "enrollment", 2020, "run-1", fetched, int64(120), 1, "partial").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertEndpointMetadata(context.Background(), model.EndpointMetadata{
		Source: "urban", Endpoint: "enrollment", Year: 2020, RunID: "run-1",
		LastFetchedAt: fetched, RecordCount: 120, ErrorCount: 1, Status: model.StatusPartial,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEndpointMetadata_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "ingest"."endpoint_metadata"`).
		WithArgs("census", "acs5", 2021, "", pgxmock.AnyArg(), int64(0), 0, "").
		WillReturnError(errors.New("conn closed"))

	err := s.UpsertEndpointMetadata(context.Background(), model.EndpointMetadata{Source: "census", Endpoint: "acs5", Year: 2021})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "census/acs5/2021")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEndpointMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := mock.NewRows([]string{"source", "endpoint", "year", "run_id", "last_fetched_at", "record_count", "error_count", "status"}).
		AddRow("census", "acs5", 2020, "r1", &fetched, int64(33000), 0, "success").
		AddRow("urban", "enrollment", 2020, "r1", (*time.Time)(nil), int64(0), 4, "failed")
	mock.ExpectQuery(`SELECT source, endpoint, year, run_id, last_fetched_at, record_count, error_count, status\s+FROM "ingest"."endpoint_metadata"`).
		WillReturnRows(rows)

	got, err := s.ListEndpointMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.StatusSuccess, got[0].Status)
	assert.Equal(t, fetched, got[0].LastFetchedAt)
	assert.Equal(t, int64(33000), got[0].RecordCount)
	assert.Equal(t, model.StatusFailed, got[1].Status)
	assert.True(t, got[1].LastFetchedAt.IsZero())
	assert.Equal(t, 4, got[1].ErrorCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBoundaries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ingest_census_geodata"}, boundaryColumns).WillReturnResult(1)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`ON CONFLICT \("layer_type", "geoid"\)`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.SaveBoundaries(context.Background(), []model.BoundaryGeometry{{
		GeoID: "10001", Name: "10001", Layer: model.LayerZCTA, Geometry: square(-74, 40, 1),
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBoundaries_NilGeometry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.SaveBoundaries(context.Background(), []model.BoundaryGeometry{{GeoID: "x", Layer: model.LayerState}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBoundaries(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	raw, err := EncodeGeometry(square(-80, 35, 2))
	require.NoError(t, err)

	name := "North Carolina"
	abbr := "NC"
	state := "37"
	rows := mock.NewRows([]string{"geoid", "name", "state_fips", "county_fips", "state_abbr", "geom"}).
		AddRow("37", &name, &state, (*string)(nil), &abbr, raw)
	mock.ExpectQuery(`SELECT geoid, name, state_fips, county_fips, state_abbr, ST_AsEWKB\(geom\)`).
		WithArgs("state").
		WillReturnRows(rows)

	got, err := s.LoadBoundaries(context.Background(), model.LayerState)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "North Carolina", got[0].Name)
	assert.Equal(t, "NC", got[0].StateAbbr)
	assert.Equal(t, "", got[0].CountyFIPS)
	assert.Equal(t, model.LayerState, got[0].Layer)
	assert.Equal(t, 1, got[0].Geometry.NumPolygons())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLocations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ingest_location_data"}, locationColumns).WillReturnResult(2)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`ON CONFLICT \("latitude", "longitude"\)`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.SaveLocations(context.Background(), []model.ResolvedLocation{
		{Latitude: 40.75, Longitude: -73.99, Zip: "10001", State: "New York", StateFIPS: "36"},
		{Latitude: 0, Longitude: -30},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Coordinates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := mock.NewRows([]string{"lat", "lon"}).
		AddRow("40.75", "-73.99").
		AddRow("", "-73.99").
		AddRow("91", "0")
	mock.ExpectQuery(`SELECT DISTINCT "latitude"::text, "longitude"::text FROM "ingest"."schools"`).
		WillReturnRows(rows)

	got, err := s.Coordinates(context.Background(), "schools", "latitude", "longitude")
	require.NoError(t, err)
	assert.Equal(t, []model.Point{{Lat: 40.75, Lon: -73.99}}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Coordinates_QualifiedTable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM "public"."geocoded"`).WillReturnRows(mock.NewRows([]string{"lat", "lon"}))

	got, err := s.Coordinates(context.Background(), "public.geocoded", "lat", "lng")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "ingest"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM "ingest".schema_migrations`).
		WillReturnRows(mock.NewRows([]string{"filename"}).AddRow("001_ingest_schema.sql"))
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS postgis`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO "ingest".schema_migrations`).
		WithArgs("002_spatial.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_ApplyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename").WillReturnRows(mock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "ingest".endpoint_metadata`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_ingest_schema.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_LockError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockID).WillReturnError(errors.New("canceling statement"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	called := false
	s := NewPostgresFromPool(nil, "", func() { called = true })
	assert.Equal(t, "ingest", s.schema)
	require.NoError(t, s.Close())
	assert.True(t, called)
}
