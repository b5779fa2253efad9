package spatial

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/store"
)

const (
	geohashPrecision     = 9
	defaultRoundDecimals = 6
	defaultBatchSize     = 1000
)

// Options configures a Resolver.
type Options struct {
	// DataDir holds the boundary archives; Files overrides the path per layer.
	DataDir string
	Files   map[string]string

	RoundDecimals int
	BatchSize     int

	// CountReprojectionErrors adds records skipped for reprojection to the
	// report's error count. They are always counted as skipped.
	CountReprojectionErrors bool

	// Reload ignores cached boundaries and re-reads the archives.
	Reload bool
}

// Report summarizes one resolve pass.
type Report struct {
	Points          int            `json:"points" yaml:"points"`
	Distinct        int            `json:"distinct" yaml:"distinct"`
	Written         int64          `json:"written" yaml:"written"`
	Matched         map[string]int `json:"matched" yaml:"matched"`
	Unmatched       map[string]int `json:"unmatched" yaml:"unmatched"`
	Skipped         int            `json:"skipped" yaml:"skipped"`
	BoundarySkipped int            `json:"boundary_skipped" yaml:"boundary_skipped"`
	FailedBatches   int            `json:"failed_batches" yaml:"failed_batches"`
	ErrorCount      int            `json:"error_count" yaml:"error_count"`
	Elapsed         time.Duration  `json:"elapsed" yaml:"elapsed"`
}

func newReport(points int) *Report {
	return &Report{
		Points:    points,
		Matched:   make(map[string]int),
		Unmatched: make(map[string]int),
	}
}

// Resolver joins coordinates against boundary layers. Layers are loaded once
// and shared read-only by every resolution.
type Resolver struct {
	store   store.Store
	opts    Options
	metrics *monitoring.Metrics
	log     *zap.Logger

	mu              sync.RWMutex
	layers          map[model.LayerType]*Index
	boundarySkipped int
}

// New creates a Resolver backed by st.
func New(st store.Store, opts Options, metrics *monitoring.Metrics) *Resolver {
	if opts.RoundDecimals <= 0 {
		opts.RoundDecimals = defaultRoundDecimals
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Resolver{
		store:   st,
		opts:    opts,
		metrics: metrics,
		log:     zap.L().With(zap.String("component", "spatial")),
		layers:  make(map[model.LayerType]*Index),
	}
}

// LoadBoundaries loads each requested layer once, in parallel. A layer comes
// from the store cache when it has rows, otherwise from its archive, whose
// geometries are then persisted. A missing or unreadable archive aborts.
func (r *Resolver) LoadBoundaries(ctx context.Context, layers []model.LayerType) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range layers {
		if r.Layer(layer) != nil {
			continue
		}
		g.Go(func() error {
			idx, err := r.loadLayer(gctx, layer)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.layers[layer] = idx
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Layer returns the loaded index for layer, or nil.
func (r *Resolver) Layer(layer model.LayerType) *Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layers[layer]
}

func (r *Resolver) loadLayer(ctx context.Context, layer model.LayerType) (*Index, error) {
	log := r.log.With(zap.String("layer", string(layer)))
	start := time.Now()

	if !r.opts.Reload {
		cached, err := r.store.LoadBoundaries(ctx, layer)
		if err != nil {
			return nil, eris.Wrapf(err, "spatial: load cached %s boundaries", layer)
		}
		if len(cached) > 0 {
			log.Info("using cached boundaries", zap.Int("count", len(cached)))
			return NewIndex(layer, cached), nil
		}
	}

	path, err := FindArchive(r.opts.DataDir, r.opts.Files, layer)
	if err != nil {
		return nil, err
	}
	data, err := LoadLayer(path, layer)
	if err != nil {
		return nil, err
	}
	for i := 0; i < data.Reprojected; i++ {
		r.metrics.Skipped("boundary_reprojection")
	}
	for i := 0; i < data.Malformed; i++ {
		r.metrics.Skipped("boundary_malformed")
	}
	r.mu.Lock()
	r.boundarySkipped += data.Reprojected
	r.mu.Unlock()

	n, err := r.store.SaveBoundaries(ctx, data.Boundaries)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: persist %s boundaries", layer)
	}

	log.Info("loaded boundaries from archive",
		zap.String("path", path),
		zap.String("crs", data.CRS.String()),
		zap.Int("count", len(data.Boundaries)),
		zap.Int64("persisted", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return NewIndex(layer, data.Boundaries), nil
}

// Resolve joins WGS84 points against the loaded layers.
func (r *Resolver) Resolve(points []model.Point) ([]model.ResolvedLocation, *Report) {
	return r.ResolveSRID(points, SRIDWGS84)
}

// ResolveSRID joins points given in srid. Points are deduplicated on their
// rounded coordinates, so the result has one row per distinct rounded pair,
// in first-seen order. A point outside every polygon of a layer leaves that
// layer's fields empty; a point that cannot be reprojected is skipped.
func (r *Resolver) ResolveSRID(points []model.Point, srid int) ([]model.ResolvedLocation, *Report) {
	crs := CRSFromSRID(srid)
	rep := newReport(len(points))

	r.mu.RLock()
	layers := make(map[model.LayerType]*Index, len(r.layers))
	for k, v := range r.layers {
		layers[k] = v
	}
	r.mu.RUnlock()

	seen := make(map[[2]float64]struct{}, len(points))
	out := make([]model.ResolvedLocation, 0, len(points))
	for _, p := range points {
		lon, lat, err := crs.ToWGS84(p.Lon, p.Lat)
		if err != nil {
			rep.Skipped++
			if r.opts.CountReprojectionErrors {
				rep.ErrorCount++
			}
			r.metrics.Skipped("reprojection")
			r.log.Debug("skipping point", zap.Float64("lat", p.Lat), zap.Float64("lon", p.Lon), zap.Error(err))
			continue
		}
		lat = Round(lat, r.opts.RoundDecimals)
		lon = Round(lon, r.opts.RoundDecimals)
		key := [2]float64{lat, lon}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		loc := model.ResolvedLocation{
			Latitude:  lat,
			Longitude: lon,
			Geohash:   geohash.EncodeWithPrecision(lat, lon, geohashPrecision),
		}
		for _, layer := range model.AllLayers {
			idx := layers[layer]
			if idx == nil {
				continue
			}
			b, ok := idx.Lookup(lon, lat)
			r.metrics.Resolved(string(layer), ok)
			if !ok {
				rep.Unmatched[string(layer)]++
				continue
			}
			rep.Matched[string(layer)]++
			switch layer {
			case model.LayerZCTA:
				loc.Zip = b.GeoID
			case model.LayerCounty:
				loc.County = b.Name
				loc.CountyFIPS = b.CountyFIPS
				if loc.StateFIPS == "" {
					loc.StateFIPS = b.StateFIPS
				}
			case model.LayerState:
				loc.State = b.Name
				loc.StateFIPS = b.StateFIPS
			}
		}
		out = append(out, loc)
	}
	rep.Distinct = len(out)
	return out, rep
}

// Run resolves every distinct coordinate of a source table and persists the
// results in batches. A failed batch is counted and the rest still commit.
func (r *Resolver) Run(ctx context.Context, table, latCol, lonCol string) (*Report, error) {
	start := time.Now()
	r.mu.RLock()
	loaded := len(r.layers)
	boundarySkipped := r.boundarySkipped
	r.mu.RUnlock()
	if loaded == 0 {
		return nil, eris.New("spatial: no boundary layers loaded")
	}

	points, err := r.store.Coordinates(ctx, table, latCol, lonCol)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: read coordinates from %s", table)
	}

	locs, rep := r.Resolve(points)
	rep.BoundarySkipped = boundarySkipped
	if r.opts.CountReprojectionErrors {
		rep.ErrorCount += boundarySkipped
	}

	for lo := 0; lo < len(locs); lo += r.opts.BatchSize {
		chunk := locs[lo:min(lo+r.opts.BatchSize, len(locs))]
		n, err := r.store.SaveLocations(ctx, chunk)
		if err != nil {
			rep.FailedBatches++
			rep.ErrorCount++
			r.log.Error("location batch failed, rolled back",
				zap.Int("batch_size", len(chunk)),
				zap.String("kind", string(store.Classify(err))),
				zap.Error(err),
			)
			continue
		}
		rep.Written += n
	}

	rep.Elapsed = time.Since(start)
	r.log.Info("resolve complete",
		zap.String("table", table),
		zap.Int("points", rep.Points),
		zap.Int("distinct", rep.Distinct),
		zap.Int64("written", rep.Written),
		zap.Int("skipped", rep.Skipped),
		zap.Int("errors", rep.ErrorCount),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	out := math.Round(v*p) / p
	if out == 0 {
		return 0 // no negative zero in keys or rows
	}
	return out
}

// archivePatterns are TIGER national file names per layer.
var archivePatterns = map[model.LayerType][]string{
	model.LayerZCTA:   {"tl_*_us_zcta5*.zip", "tl_*_us_zcta5*.shp"},
	model.LayerCounty: {"tl_*_us_county.zip", "tl_*_us_county.shp"},
	model.LayerState:  {"tl_*_us_state.zip", "tl_*_us_state.shp"},
}

// FindArchive locates a layer's archive: an explicit entry in files, then
// <dir>/<layer>.zip, <dir>/<layer>.shp, <dir>/<layer>/, then the newest
// TIGER national file in dir.
func FindArchive(dir string, files map[string]string, layer model.LayerType) (string, error) {
	if p := files[string(layer)]; p != "" {
		return p, nil
	}
	for _, name := range []string{string(layer) + ".zip", string(layer) + ".shp", string(layer)} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, pattern := range archivePatterns[layer] {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[len(matches)-1], nil
	}
	return "", eris.Errorf("spatial: no %s boundary archive under %s", layer, dir)
}
