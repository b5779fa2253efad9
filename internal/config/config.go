// Package config loads edu-etl configuration from config.yaml and EDU_ETL_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/edu-etl/internal/fetcher"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/resilience"
	"github.com/sells-group/edu-etl/internal/sanitize"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	Census  CensusConfig  `yaml:"census" mapstructure:"census"`
	Urban   UrbanConfig   `yaml:"urban" mapstructure:"urban"`
	Spatial SpatialConfig `yaml:"spatial" mapstructure:"spatial"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// IngestConfig holds the knobs shared by every source.
type IngestConfig struct {
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	DBBatchSize           int      `yaml:"db_batch_size" mapstructure:"db_batch_size"`
	RetryAttempts         int      `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BackoffBaseSeconds    float64  `yaml:"backoff_base_seconds" mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds     float64  `yaml:"backoff_max_seconds" mapstructure:"backoff_max_seconds"`
	ConnectTimeoutSeconds float64  `yaml:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	RequestTimeoutSeconds float64  `yaml:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	YearBatchSize         int      `yaml:"year_batch_size" mapstructure:"year_batch_size"`
	BatchDelaySeconds     float64  `yaml:"batch_delay_seconds" mapstructure:"batch_delay_seconds"`
	RequestsPerSecond     float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	NullStrings           []string `yaml:"null_strings" mapstructure:"null_strings"`
	NullEmptyStrings      bool     `yaml:"null_empty_strings" mapstructure:"null_empty_strings"`
}

// ConnectTimeout returns the dial timeout.
func (c IngestConfig) ConnectTimeout() time.Duration { return seconds(c.ConnectTimeoutSeconds) }

// RequestTimeout returns the total per-request timeout.
func (c IngestConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// BatchDelay returns the pause between year batches.
func (c IngestConfig) BatchDelay() time.Duration { return seconds(c.BatchDelaySeconds) }

// Policy builds the sanitizer policy from the null-string settings.
func (c IngestConfig) Policy() sanitize.Policy {
	p := sanitize.DefaultPolicy()
	p.NullStrings = c.NullStrings
	p.NullEmpty = c.NullEmptyStrings
	return p
}

// Retry builds the fetch retry policy.
func (c IngestConfig) Retry() resilience.RetryConfig {
	cfg := resilience.FromSeconds(c.RetryAttempts, c.BackoffBaseSeconds, c.BackoffMaxSeconds)
	cfg.OnRetry = resilience.RetryLogger("fetcher", "fetch")
	return cfg
}

// HTTPOptions builds fetcher options shared by every source.
func (c IngestConfig) HTTPOptions(m *monitoring.Metrics) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		MaxConcurrent:     c.MaxConcurrentRequests,
		ConnectTimeout:    c.ConnectTimeout(),
		Timeout:           c.RequestTimeout(),
		Retry:             c.Retry(),
		RequestsPerSecond: c.RequestsPerSecond,
		Metrics:           m,
	}
}

// CensusConfig configures the Census ACS source.
type CensusConfig struct {
	BaseURL   string            `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string            `yaml:"api_key" mapstructure:"api_key"`
	Endpoints map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	Years     []int             `yaml:"years" mapstructure:"years"`
	// Variables maps ACS variable codes to column names.
	Variables map[string]string `yaml:"variables" mapstructure:"variables"`
}

// UrbanConfig configures the Urban Institute Education Data source.
type UrbanConfig struct {
	BaseURL   string            `yaml:"base_url" mapstructure:"base_url"`
	Endpoints map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	Years     []int             `yaml:"years" mapstructure:"years"`
	PageSize  int               `yaml:"page_size" mapstructure:"page_size"`
	MaxPages  int               `yaml:"max_pages" mapstructure:"max_pages"`
	Expand    bool              `yaml:"expand" mapstructure:"expand"`
}

// SpatialConfig configures boundary loading and point resolution.
type SpatialConfig struct {
	DataDir                 string            `yaml:"data_dir" mapstructure:"data_dir"`
	Layers                  []string          `yaml:"layers" mapstructure:"layers"`
	Files                   map[string]string `yaml:"files" mapstructure:"files"`
	RoundDecimals           int               `yaml:"round_decimals" mapstructure:"round_decimals"`
	CountReprojectionErrors bool              `yaml:"count_reprojection_errors" mapstructure:"count_reprojection_errors"`
	BatchSize               int               `yaml:"batch_size" mapstructure:"batch_size"`
	SourceTable             string            `yaml:"source_table" mapstructure:"source_table"`
	SourceLatColumn         string            `yaml:"source_lat_column" mapstructure:"source_lat_column"`
	SourceLonColumn         string            `yaml:"source_lon_column" mapstructure:"source_lon_column"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// DefaultCensusVariables are the ACS5 estimates loaded per ZCTA.
var DefaultCensusVariables = map[string]string{
	"B02001_001E":  "total_pop_estimate",
	"B19001_016E":  "hhi_150k_200k",
	"B19001_017E":  "hhi_220k_plus",
	"B01001_006E":  "males_15_17",
	"B01001_030E":  "females_15_17",
	"B01001A_006E": "white_males_15_17",
	"B01001B_006E": "black_males_15_17",
	"B01001I_006E": "hispanic_males_15_17",
	"B01001A_021E": "white_females_15_17",
	"B01001B_021E": "black_females_15_17",
	"B01001I_021E": "hispanic_females_15_17",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EDU_ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.schema", "ingest")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("ingest.max_concurrent_requests", 10)
	v.SetDefault("ingest.db_batch_size", 1000)
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.backoff_base_seconds", 1.0)
	v.SetDefault("ingest.backoff_max_seconds", 30.0)
	v.SetDefault("ingest.connect_timeout_seconds", 10.0)
	v.SetDefault("ingest.request_timeout_seconds", 60.0)
	v.SetDefault("ingest.year_batch_size", 2)
	v.SetDefault("ingest.batch_delay_seconds", 2.0)
	v.SetDefault("ingest.requests_per_second", 0.0)
	v.SetDefault("ingest.null_strings", []string{"nan", "nat", "none"})
	v.SetDefault("ingest.null_empty_strings", true)
	v.SetDefault("census.base_url", "https://api.census.gov/data")
	v.SetDefault("census.api_key", "")
	v.SetDefault("census.endpoints", map[string]string{"acs5": "/{year}/acs/acs5"})
	v.SetDefault("census.years", []int{2019, 2021})
	v.SetDefault("census.variables", DefaultCensusVariables)
	v.SetDefault("urban.base_url", "https://educationdata.urban.org")
	v.SetDefault("urban.endpoints", map[string]string{
		"schools_directory": "/api/v1/schools/ccd/directory/{year}/",
		"enrollment":        "/api/v1/schools/ccd/enrollment/{year}/grade-12/",
	})
	v.SetDefault("urban.years", []int{2019, 2021})
	v.SetDefault("urban.page_size", 50)
	v.SetDefault("urban.max_pages", 0)
	v.SetDefault("urban.expand", false)
	v.SetDefault("spatial.data_dir", "data/boundaries")
	v.SetDefault("spatial.layers", []string{"zcta", "county", "state"})
	v.SetDefault("spatial.round_decimals", 6)
	v.SetDefault("spatial.count_reprojection_errors", false)
	v.SetDefault("spatial.batch_size", 1000)
	v.SetDefault("spatial.source_lat_column", "latitude")
	v.SetDefault("spatial.source_lon_column", "longitude")
	v.SetDefault("spatial.source_table", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store.driver %q (valid: postgres, sqlite)", c.Store.Driver)
	}
	if c.Ingest.MaxConcurrentRequests <= 0 {
		return eris.New("config: ingest.max_concurrent_requests must be positive")
	}
	if c.Ingest.DBBatchSize <= 0 {
		return eris.New("config: ingest.db_batch_size must be positive")
	}
	if c.Ingest.RetryAttempts <= 0 {
		return eris.New("config: ingest.retry_attempts must be positive")
	}
	if c.Ingest.BackoffBaseSeconds < 0 || c.Ingest.BackoffMaxSeconds < 0 {
		return eris.New("config: ingest backoff must not be negative")
	}
	if c.Ingest.YearBatchSize <= 0 {
		return eris.New("config: ingest.year_batch_size must be positive")
	}
	if _, err := YearRange(c.Census.Years); err != nil {
		return eris.Wrap(err, "config: census.years")
	}
	if _, err := YearRange(c.Urban.Years); err != nil {
		return eris.Wrap(err, "config: urban.years")
	}
	if c.Urban.PageSize <= 0 {
		return eris.New("config: urban.page_size must be positive")
	}
	if c.Urban.MaxPages < 0 {
		return eris.New("config: urban.max_pages must not be negative")
	}
	if _, err := c.Spatial.LayerTypes(); err != nil {
		return err
	}
	if c.Spatial.RoundDecimals < 0 || c.Spatial.RoundDecimals > 12 {
		return eris.New("config: spatial.round_decimals must be between 0 and 12")
	}
	return nil
}

// YearRange expands an inclusive [begin, end] pair into every year in between.
// A single element is a one-year range.
func YearRange(bounds []int) ([]int, error) {
	switch len(bounds) {
	case 1:
		return []int{bounds[0]}, nil
	case 2:
		if bounds[0] > bounds[1] {
			return nil, eris.Errorf("inverted year range [%d, %d]", bounds[0], bounds[1])
		}
		years := make([]int, 0, bounds[1]-bounds[0]+1)
		for y := bounds[0]; y <= bounds[1]; y++ {
			years = append(years, y)
		}
		return years, nil
	default:
		return nil, eris.Errorf("want [begin, end], got %d values", len(bounds))
	}
}

// LayerTypes parses the configured layer names.
func (c SpatialConfig) LayerTypes() ([]model.LayerType, error) {
	out := make([]model.LayerType, 0, len(c.Layers))
	for _, name := range c.Layers {
		l, ok := model.ParseLayer(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, eris.Errorf("config: unknown spatial layer %q (valid: zcta, county, state)", name)
		}
		out = append(out, l)
	}
	return out, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
