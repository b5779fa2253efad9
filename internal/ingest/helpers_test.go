package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/fetcher"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/resilience"
	"github.com/sells-group/edu-etl/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		MaxConcurrent: 4,
		Timeout:       5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

func newTestDeps(st store.Store) Deps {
	return Deps{
		Fetcher: newTestFetcher(),
		Store:   st,
		Options: Options{BatchSize: 100, YearBatchSize: 2},
		Now:     func() time.Time { return fixedNow },
	}
}

func countRows(t *testing.T, st *store.SQLiteStore, table string) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func findMetadata(t *testing.T, st store.Store, source, endpoint string, year int) model.EndpointMetadata {
	t.Helper()
	metas, err := st.ListEndpointMetadata(context.Background())
	require.NoError(t, err)
	for _, m := range metas {
		if m.Source == source && m.Endpoint == endpoint && m.Year == year {
			return m
		}
	}
	t.Fatalf("no metadata for %s/%s/%d", source, endpoint, year)
	return model.EndpointMetadata{}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}
