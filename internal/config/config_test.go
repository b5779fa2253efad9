package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "ingest", cfg.Store.Schema)
	assert.Equal(t, 10, cfg.Ingest.MaxConcurrentRequests)
	assert.Equal(t, 1000, cfg.Ingest.DBBatchSize)
	assert.Equal(t, 3, cfg.Ingest.RetryAttempts)
	assert.Equal(t, 1.0, cfg.Ingest.BackoffBaseSeconds)
	assert.Equal(t, 2, cfg.Ingest.YearBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Ingest.BatchDelay())
	assert.Equal(t, []string{"nan", "nat", "none"}, cfg.Ingest.NullStrings)
	assert.True(t, cfg.Ingest.NullEmptyStrings)
	assert.Equal(t, "https://api.census.gov/data", cfg.Census.BaseURL)
	assert.Equal(t, "/{year}/acs/acs5", cfg.Census.Endpoints["acs5"])
	assert.Len(t, cfg.Census.Variables, len(DefaultCensusVariables))
	assert.Equal(t, []int{2019, 2021}, cfg.Urban.Years)
	assert.Contains(t, cfg.Urban.Endpoints, "schools_directory")
	assert.Equal(t, 50, cfg.Urban.PageSize)
	assert.Equal(t, 6, cfg.Spatial.RoundDecimals)
	assert.Equal(t, []string{"zcta", "county", "state"}, cfg.Spatial.Layers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: file:edu.db
ingest:
  max_concurrent_requests: 4
  db_batch_size: 250
urban:
  years: [2015, 2017]
  expand: true
  endpoints:
    enrollment: /api/v1/schools/ccd/enrollment/{year}/grade-12/
spatial:
  layers: [state]
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:edu.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 4, cfg.Ingest.MaxConcurrentRequests)
	assert.Equal(t, 250, cfg.Ingest.DBBatchSize)
	assert.Equal(t, []int{2015, 2017}, cfg.Urban.Years)
	assert.True(t, cfg.Urban.Expand)
	assert.Len(t, cfg.Urban.Endpoints, 1)
	assert.Equal(t, []string{"state"}, cfg.Spatial.Layers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EDU_ETL_STORE_DRIVER", "postgres")
	t.Setenv("EDU_ETL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("EDU_ETL_INGEST_DB_BATCH_SIZE", "50")
	t.Setenv("EDU_ETL_CENSUS_API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Ingest.DBBatchSize)
	assert.Equal(t, "secret", cfg.Census.APIKey)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Ingest.MaxConcurrentRequests = 10
	cfg.Ingest.DBBatchSize = 1000
	cfg.Ingest.RetryAttempts = 3
	cfg.Ingest.YearBatchSize = 2
	cfg.Census.Years = []int{2019, 2021}
	cfg.Urban.Years = []int{2019, 2021}
	cfg.Urban.PageSize = 50
	cfg.Spatial.Layers = []string{"zcta", "county", "state"}
	cfg.Spatial.RoundDecimals = 6
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Ingest.MaxConcurrentRequests = 0 }, wantErr: "max_concurrent_requests"},
		{name: "negative batch size", mutate: func(c *Config) { c.Ingest.DBBatchSize = -1 }, wantErr: "db_batch_size"},
		{name: "zero retries", mutate: func(c *Config) { c.Ingest.RetryAttempts = 0 }, wantErr: "retry_attempts"},
		{name: "negative backoff", mutate: func(c *Config) { c.Ingest.BackoffBaseSeconds = -1 }, wantErr: "backoff"},
		{name: "zero year batch", mutate: func(c *Config) { c.Ingest.YearBatchSize = 0 }, wantErr: "year_batch_size"},
		{name: "inverted census years", mutate: func(c *Config) { c.Census.Years = []int{2021, 2019} }, wantErr: "census.years"},
		{name: "too many urban years", mutate: func(c *Config) { c.Urban.Years = []int{1, 2, 3} }, wantErr: "urban.years"},
		{name: "zero page size", mutate: func(c *Config) { c.Urban.PageSize = 0 }, wantErr: "page_size"},
		{name: "unknown layer", mutate: func(c *Config) { c.Spatial.Layers = []string{"tract"} }, wantErr: "unknown spatial layer"},
		{name: "round decimals", mutate: func(c *Config) { c.Spatial.RoundDecimals = 20 }, wantErr: "round_decimals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestYearRange(t *testing.T) {
	years, err := YearRange([]int{2019, 2021})
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2020, 2021}, years)

	years, err = YearRange([]int{2020})
	require.NoError(t, err)
	assert.Equal(t, []int{2020}, years)

	_, err = YearRange(nil)
	assert.Error(t, err)
}

func TestLayerTypes(t *testing.T) {
	layers, err := SpatialConfig{Layers: []string{"State", " zcta "}}.LayerTypes()
	require.NoError(t, err)
	assert.Equal(t, []model.LayerType{model.LayerState, model.LayerZCTA}, layers)
}

func TestIngestConfigBuilders(t *testing.T) {
	c := IngestConfig{
		MaxConcurrentRequests: 7,
		RetryAttempts:         5,
		BackoffBaseSeconds:    0.5,
		RequestTimeoutSeconds: 30,
		NullStrings:           []string{"n/a"},
	}

	p := c.Policy()
	assert.Equal(t, []string{"n/a"}, p.NullStrings)
	assert.False(t, p.NullEmpty)
	assert.Contains(t, p.Reserved, "id")

	r := c.Retry()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.InitialBackoff)
	assert.NotNil(t, r.OnRetry)

	opts := c.HTTPOptions(nil)
	assert.Equal(t, 7, opts.MaxConcurrent)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 5, opts.Retry.MaxAttempts)
}
