package ingest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/edu-etl/internal/fetcher"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/persist"
	"github.com/sells-group/edu-etl/internal/resilience"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

// endpoint is one configured API endpoint as the runner sees it.
type endpoint struct {
	name     string
	tables   []store.TableSpec // tables[0] is the one record_count reports on
	maxPages int               // 0 = unlimited
	first    func(year int) model.FetchUnit
	parse    func(res model.FetchResult) (page, error)
}

type row struct {
	table int
	rec   sanitize.Record
}

// page is the parsed content of one successful fetch.
type page struct {
	rows    []row
	total   int    // page count, when the API reports one
	next    string // absolute cursor link, when the API paginates by link
	skipped int
}

// tally accumulates outcomes for one (endpoint, year).
type tally struct {
	units         int
	failed        int
	batchFailures int
	written       int64
	skipped       int
	errors        map[model.ErrorKind]int
}

func newTally() *tally {
	return &tally{errors: make(map[model.ErrorKind]int)}
}

func (t *tally) errorCount() int { return t.failed + t.batchFailures }

// status folds batch failures into the unit-level status: a run whose units
// all succeeded but lost a batch is partial.
func (t *tally) status() model.Status {
	if t.units == 0 {
		return model.StatusPending
	}
	s := model.StatusFor(t.units, t.failed)
	if s == model.StatusSuccess && t.batchFailures > 0 {
		return model.StatusPartial
	}
	return s
}

func (t *tally) merge(o *tally) {
	t.units += o.units
	t.failed += o.failed
	t.batchFailures += o.batchFailures
	t.written += o.written
	t.skipped += o.skipped
	for k, v := range o.errors {
		t.errors[k] += v
	}
}

// sink feeds one table and attributes each flush outcome to the years whose
// records were in the batch.
type sink struct {
	p       *persist.BatchPersistor
	counted bool
	pending map[int]int
}

func (s *sink) add(ctx context.Context, year int, rec sanitize.Record, tallies map[int]*tally) {
	s.pending[year]++
	if res, flushed := s.p.Add(ctx, rec); flushed {
		s.settle(res, tallies)
	}
}

func (s *sink) flush(ctx context.Context, tallies map[int]*tally) {
	if s.p.Pending() == 0 {
		return
	}
	s.settle(s.p.Flush(ctx), tallies)
}

func (s *sink) settle(res persist.FlushResult, tallies map[int]*tally) {
	for year, n := range s.pending {
		t := tallies[year]
		if res.OK {
			if s.counted {
				t.written += int64(n)
			}
			continue
		}
		t.batchFailures++
		t.errors[res.Kind]++
	}
	s.pending = make(map[int]int)
}

// runner is the fetch/parse/persist loop shared by every source.
type runner struct {
	source string
	deps   Deps
	log    *zap.Logger
}

func newRunner(source string, deps Deps) *runner {
	return &runner{
		source: source,
		deps:   deps.withDefaults(),
		log:    zap.L().With(zap.String("component", "ingest"), zap.String("source", source)),
	}
}

// run ingests every endpoint concurrently. Only table preparation failures
// and cancellation are returned as errors; everything else lands in the
// report.
func (r *runner) run(ctx context.Context, endpoints []endpoint, years []int, runID string) (*model.IngestionReport, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	for _, ep := range endpoints {
		for _, t := range ep.tables {
			if err := r.deps.Store.EnsureTable(ctx, t); err != nil {
				return nil, eris.Wrapf(err, "ingest: prepare table %s", t.Name)
			}
		}
	}

	start := time.Now()
	report := &model.IngestionReport{
		RunID:     runID,
		Source:    r.source,
		StartedAt: r.deps.Now(),
		Endpoints: make(map[string]*model.EndpointReport, len(endpoints)),
	}
	r.log.Info("starting ingestion",
		zap.String("run_id", runID),
		zap.Int("endpoints", len(endpoints)),
		zap.Ints("years", years),
	)

	reports := make([]*model.EndpointReport, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			reports[i] = r.runEndpoint(ctx, ep, years, runID)
			return nil
		})
	}
	_ = g.Wait()

	for i, ep := range endpoints {
		report.Endpoints[ep.name] = reports[i]
	}
	report.Elapsed = time.Since(start)

	r.log.Info("ingestion complete",
		zap.String("run_id", runID),
		zap.Duration("elapsed", report.Elapsed),
	)
	if err := ctx.Err(); err != nil {
		return report, eris.Wrap(err, "ingest: run canceled")
	}
	return report, nil
}

func (r *runner) runEndpoint(ctx context.Context, ep endpoint, years []int, runID string) *model.EndpointReport {
	log := r.log.With(zap.String("endpoint", ep.name))

	tallies := make(map[int]*tally, len(years))
	for _, y := range years {
		tallies[y] = newTally()
	}
	sinks := make([]*sink, len(ep.tables))
	for i, t := range ep.tables {
		sinks[i] = &sink{
			p:       persist.New(r.deps.Store, t, r.deps.Options.BatchSize, r.deps.Metrics),
			counted: i == 0,
			pending: make(map[int]int),
		}
	}

	size := r.deps.Options.YearBatchSize
	for lo := 0; lo < len(years); lo += size {
		if lo > 0 && resilience.Sleep(ctx, r.deps.Options.YearBatchDelay) != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		batch := years[lo:min(lo+size, len(years))]

		wave := make([]model.FetchUnit, 0, len(batch))
		for _, y := range batch {
			wave = append(wave, ep.first(y))
		}

		// Discovery units come first; each wave yields the next one.
		for len(wave) > 0 {
			var next []model.FetchUnit
			fetcher.Each(ctx, r.deps.Fetcher, wave, func(res model.FetchResult) {
				next = append(next, r.handle(ctx, log, ep, res, tallies, sinks)...)
			})
			wave = next
		}
	}

	// Pending records and the final metadata are written even when the run
	// was canceled, so the store reflects what was fetched.
	final := context.WithoutCancel(ctx)
	for _, s := range sinks {
		s.flush(final, tallies)
	}

	agg := newTally()
	for _, y := range years {
		t := tallies[y]
		agg.merge(t)
		if t.units == 0 {
			continue
		}
		r.writeMetadata(final, log, model.EndpointMetadata{
			Source:        r.source,
			Endpoint:      ep.name,
			Year:          y,
			RunID:         runID,
			LastFetchedAt: r.deps.Now(),
			RecordCount:   t.written,
			ErrorCount:    t.errorCount(),
			Status:        t.status(),
		})
	}

	rep := &model.EndpointReport{
		Status:      agg.status(),
		RecordCount: agg.written,
		ErrorCount:  agg.errorCount(),
		Units:       agg.units,
		Skipped:     agg.skipped,
	}
	if len(agg.errors) > 0 {
		rep.Errors = make(map[string]int, len(agg.errors))
		for k, v := range agg.errors {
			rep.Errors[string(k)] = v
		}
	}

	log.Info("endpoint complete",
		zap.String("status", string(rep.Status)),
		zap.Int("units", rep.Units),
		zap.Int64("records", rep.RecordCount),
		zap.Int("errors", rep.ErrorCount),
		zap.Int("skipped", rep.Skipped),
	)
	return rep
}

// handle settles one fetch result and returns the units it leads to: the
// remaining pages after a discovery page, or the next cursor page.
func (r *runner) handle(ctx context.Context, log *zap.Logger, ep endpoint, res model.FetchResult, tallies map[int]*tally, sinks []*sink) []model.FetchUnit {
	unit := res.Unit
	t := tallies[unit.Year]
	t.units++

	if !res.OK() {
		t.failed++
		t.errors[res.Kind()]++
		log.Warn("unit failed",
			zap.Stringer("unit", unit),
			zap.String("kind", string(res.Kind())),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		return nil
	}

	pg, err := ep.parse(res)
	if err != nil {
		t.failed++
		t.errors[model.ErrorKindMalformed]++
		log.Warn("unusable payload", zap.Stringer("unit", unit), zap.Error(err))
		return nil
	}

	for _, rw := range pg.rows {
		sinks[rw.table].add(ctx, unit.Year, rw.rec, tallies)
	}
	if pg.skipped > 0 {
		t.skipped += pg.skipped
		for range pg.skipped {
			r.deps.Metrics.Skipped("malformed_record")
		}
		log.Debug("skipped malformed records", zap.Stringer("unit", unit), zap.Int("count", pg.skipped))
	}

	switch {
	case pg.total > 1 && unit.Page == 1 && unit.RawURL == "":
		last := pg.total
		if ep.maxPages > 0 && last > ep.maxPages {
			last = ep.maxPages
		}
		out := make([]model.FetchUnit, 0, max(last-1, 0))
		for p := 2; p <= last; p++ {
			out = append(out, unit.WithPage(p))
		}
		return out
	case pg.total == 0 && pg.next != "":
		if ep.maxPages > 0 && unit.Page >= ep.maxPages {
			return nil
		}
		nu := unit.WithPage(unit.Page + 1)
		nu.RawURL = pg.next
		return []model.FetchUnit{nu}
	}
	return nil
}

func (r *runner) writeMetadata(ctx context.Context, log *zap.Logger, m model.EndpointMetadata) {
	if err := r.deps.Store.UpsertEndpointMetadata(ctx, m); err != nil {
		log.Error("failed to record endpoint metadata", zap.Int("year", m.Year), zap.Error(err))
	}
}

// selectEndpoints restricts all to names, preserving the order of all.
func selectEndpoints(source string, all []endpoint, names []string) ([]endpoint, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]endpoint, len(all))
	valid := make([]string, 0, len(all))
	for _, ep := range all {
		byName[ep.name] = ep
		valid = append(valid, ep.name)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			sort.Strings(valid)
			return nil, eris.Errorf("ingest: unknown %s endpoint %q (valid: %s)", source, n, strings.Join(valid, ", "))
		}
		want[n] = true
	}
	out := make([]endpoint, 0, len(want))
	for _, ep := range all {
		if want[ep.name] {
			out = append(out, ep)
		}
	}
	return out, nil
}
