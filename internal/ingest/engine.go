package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/model"
)

// Engine sequences source runs. Sources run one after another so their
// fetches never compete for the shared concurrency limit.
type Engine struct {
	reg *Registry
}

// EngineOpts selects what to run.
type EngineOpts struct {
	Sources   []string // empty = all registered sources
	Endpoints []string // split across the selected sources by ownership
	Years     []int
}

// NewEngine creates a new ingestion engine.
func NewEngine(reg *Registry) *Engine {
	return &Engine{reg: reg}
}

// Run executes the selected sources and returns one report per source that
// ran. A source that fails to start stops the run; the reports gathered so
// far are returned alongside the error.
func (e *Engine) Run(ctx context.Context, opts EngineOpts) ([]*model.IngestionReport, error) {
	log := zap.L().With(zap.String("component", "ingest.engine"))

	sources, err := e.reg.Select(opts.Sources)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		log.Info("no sources selected")
		return nil, nil
	}

	plan, err := planEndpoints(sources, opts.Endpoints)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log.Info("selected sources", zap.Int("count", len(sources)), zap.String("run_id", runID))

	var reports []*model.IngestionReport
	for _, src := range sources {
		select {
		case <-ctx.Done():
			return reports, ctx.Err()
		default:
		}

		srcLog := log.With(zap.String("source", src.Name()))
		endpoints, ok := plan[src.Name()]
		if !ok {
			srcLog.Debug("skipping (no selected endpoints)")
			continue
		}
		srcLog.Info("starting source")

		start := time.Now()
		report, err := src.Run(ctx, RunOpts{
			Endpoints: endpoints,
			Years:     opts.Years,
			RunID:     runID,
		})
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			srcLog.Error("source failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return reports, eris.Wrapf(err, "engine: run %s", src.Name())
		}

		srcLog.Info("source complete", zap.Duration("elapsed", time.Since(start)))
	}

	log.Info("engine run complete", zap.Int("sources", len(reports)))
	return reports, nil
}

// planEndpoints assigns each requested endpoint to the sources that own it.
// Unknown names are rejected before anything is fetched. With no names every
// source runs all of its endpoints.
func planEndpoints(sources []Source, names []string) (map[string][]string, error) {
	plan := make(map[string][]string, len(sources))
	if len(names) == 0 {
		for _, src := range sources {
			plan[src.Name()] = nil
		}
		return plan, nil
	}

	owned := make(map[string]bool, len(names))
	for _, src := range sources {
		have := make(map[string]bool)
		for _, ep := range src.Endpoints() {
			have[ep] = true
		}
		for _, n := range names {
			if have[n] {
				plan[src.Name()] = append(plan[src.Name()], n)
				owned[n] = true
			}
		}
	}
	for _, n := range names {
		if !owned[n] {
			return nil, eris.Errorf("ingest: unknown endpoint %q", n)
		}
	}
	return plan, nil
}
