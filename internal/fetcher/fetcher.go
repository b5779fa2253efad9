// Package fetcher executes FetchUnits against rate-limited HTTP APIs with
// bounded concurrency and retry.
package fetcher

import (
	"context"

	"github.com/sells-group/edu-etl/internal/model"
)

// Fetcher executes units of work. Every unit yields exactly one result;
// failures are reported in the result, never as a Go error.
type Fetcher interface {
	// Fetch executes one unit, retrying transient failures.
	Fetch(ctx context.Context, unit model.FetchUnit) model.FetchResult

	// FetchAll executes units concurrently and returns one result per unit.
	// Result order is not significant.
	FetchAll(ctx context.Context, units []model.FetchUnit) []model.FetchResult
}
