// Package ingest runs the source ingestors: it enumerates fetch units per
// endpoint and year, drives them through the fetcher, sanitizes payloads and
// hands records to batch persistors, then records endpoint metadata.
package ingest

import (
	"context"
	"time"

	"github.com/sells-group/edu-etl/internal/fetcher"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/persist"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

// Source is one upstream API. Run returns a report even when some units or
// batches failed; the error is reserved for failures that stop the whole run
// (store unreachable, unknown endpoint names, canceled context).
type Source interface {
	// Name returns the source identifier (e.g., "census", "urban").
	Name() string

	// Endpoints returns the configured endpoint names in run order.
	Endpoints() []string

	// Run ingests the selected endpoints and years.
	Run(ctx context.Context, opts RunOpts) (*model.IngestionReport, error)
}

// RunOpts restricts a source run.
type RunOpts struct {
	Endpoints []string // empty = every configured endpoint
	Years     []int    // empty = the source's configured years
	RunID     string   // empty = a new UUID
}

// Options are the run knobs shared by every source.
type Options struct {
	BatchSize      int
	YearBatchSize  int
	YearBatchDelay time.Duration
}

// Deps are the collaborators every source needs.
type Deps struct {
	Fetcher   fetcher.Fetcher
	Store     store.Store
	Sanitizer *sanitize.Sanitizer
	Metrics   *monitoring.Metrics
	Options   Options

	// Now stamps fetched_at and last_fetched_at. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Sanitizer == nil {
		d.Sanitizer = sanitize.New(sanitize.DefaultPolicy())
	}
	if d.Options.BatchSize <= 0 {
		d.Options.BatchSize = persist.DefaultBatchSize
	}
	if d.Options.YearBatchSize <= 0 {
		d.Options.YearBatchSize = 1
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}
