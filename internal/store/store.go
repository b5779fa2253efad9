// Package store persists landing tables, endpoint metadata, boundary
// geometries and resolved locations behind one interface with a Postgres and a
// SQLite backend.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/edu-etl/internal/model"
)

// ColumnType is the storage class of a landing-table column.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

// Column is a declared landing-table column.
type Column struct {
	Name string
	Type ColumnType
}

// TableSpec describes a landing table. Columns written that are not declared
// here are added as text columns on first write. An empty Key makes the table
// append-only.
type TableSpec struct {
	Name    string
	Columns []Column
	Key     []string
}

// Append reports whether the table has no natural key.
func (t TableSpec) Append() bool { return len(t.Key) == 0 }

// ColumnType returns the declared type of name, defaulting to text.
func (t TableSpec) ColumnType(name string) ColumnType {
	if name == ColCreatedAt || name == ColUpdatedAt {
		return TypeTimestamp
	}
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return TypeText
}

// Store is the persistence surface used by the ingestion engine and the
// spatial resolver.
type Store interface {
	// EnsureTable creates a landing table if it does not exist.
	EnsureTable(ctx context.Context, t TableSpec) error
	// WriteBatch adds missing columns and writes rows in one transaction.
	// Nothing is visible if any row fails.
	WriteBatch(ctx context.Context, t TableSpec, columns []string, rows [][]any) (int64, error)

	UpsertEndpointMetadata(ctx context.Context, m model.EndpointMetadata) error
	ListEndpointMetadata(ctx context.Context) ([]model.EndpointMetadata, error)

	SaveBoundaries(ctx context.Context, b []model.BoundaryGeometry) (int64, error)
	LoadBoundaries(ctx context.Context, layer model.LayerType) ([]model.BoundaryGeometry, error)
	SaveLocations(ctx context.Context, locs []model.ResolvedLocation) (int64, error)
	// Coordinates returns distinct in-range coordinates from a source table.
	Coordinates(ctx context.Context, table, latCol, lonCol string) ([]model.Point, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Audit columns carried by every landing table.
const (
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
)

// Coerce converts a sanitized value to the Go type bound for a column of type
// ct. Values that cannot be converted are kept as text in text-like columns
// and dropped to nil otherwise.
func Coerce(ct ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch ct {
	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x
		case int:
			return int64(x)
		case float64:
			if x == float64(int64(x)) {
				return int64(x)
			}
			return nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil
			}
			return n
		}
		return nil
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case int:
			return float64(x)
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil
			}
			return f
		}
		return nil
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil
			}
			return b
		}
		return nil
	case TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC()
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil
			}
			return t.UTC()
		}
		return nil
	default:
		switch x := v.(type) {
		case string:
			return x
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		default:
			return fmt.Sprint(x)
		}
	}
}

// CoerceRows applies Coerce column-wise in place.
func CoerceRows(t TableSpec, columns []string, rows [][]any) {
	types := make([]ColumnType, len(columns))
	for i, c := range columns {
		types[i] = t.ColumnType(c)
	}
	for _, row := range rows {
		for i := range row {
			if i < len(types) {
				row[i] = Coerce(types[i], row[i])
			}
		}
	}
}

func missingColumns(declared map[string]bool, columns []string) []string {
	var out []string
	for _, c := range columns {
		if !declared[c] {
			out = append(out, c)
		}
	}
	return out
}

func withUpdatedAt(columns []string, rows [][]any, now time.Time) ([]string, [][]any) {
	for _, c := range columns {
		if c == ColUpdatedAt {
			return columns, rows
		}
	}
	cols := append(append([]string(nil), columns...), ColUpdatedAt)
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = append(append(make([]any, 0, len(r)+1), r...), now)
	}
	return cols, out
}

// inRange reports whether a coordinate pair is a valid WGS84 position.
func inRange(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
