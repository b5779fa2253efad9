package fetcher

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/edu-etl/internal/model"
)

// Each runs every unit through f concurrently and calls fn with each result
// as it settles. fn calls are serialized on the caller's goroutine, so fn
// may touch unsynchronized state. Each returns once every unit has settled.
func Each(ctx context.Context, f Fetcher, units []model.FetchUnit, fn func(model.FetchResult)) {
	if len(units) == 0 {
		return
	}
	ch := make(chan model.FetchResult, len(units))
	var g errgroup.Group
	for _, u := range units {
		g.Go(func() error {
			ch <- f.Fetch(ctx, u)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(ch)
	}()
	for r := range ch {
		fn(r)
	}
}
