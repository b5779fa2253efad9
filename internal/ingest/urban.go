package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/edu-etl/internal/config"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

const (
	urbanSource     = "urban"
	urbanDataSource = "urban_institute"
	expandedSuffix  = "_expanded"
)

// Urban ingests Education Data Portal endpoints. Each endpoint lands in its
// own table keyed by a content hash, so re-runs upsert instead of duplicating.
type Urban struct {
	cfg      config.UrbanConfig
	deps     Deps
	expander *sanitize.Sanitizer
	tables   map[string]string
	runner   *runner
}

// NewUrban builds the Urban Institute source.
func NewUrban(cfg config.UrbanConfig, deps Deps) *Urban {
	deps = deps.withDefaults()
	return &Urban{
		cfg:      cfg,
		deps:     deps,
		expander: deps.Sanitizer.WithReserved("data_hash", "year"),
		tables:   UrbanTableNames(cfg.Endpoints),
		runner:   newRunner(urbanSource, deps),
	}
}

func (u *Urban) Name() string { return urbanSource }

func (u *Urban) Endpoints() []string {
	names := make([]string, 0, len(u.cfg.Endpoints))
	for name := range u.cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *Urban) Run(ctx context.Context, opts RunOpts) (*model.IngestionReport, error) {
	eps, err := selectEndpoints(urbanSource, u.endpoints(), opts.Endpoints)
	if err != nil {
		return nil, err
	}
	years := opts.Years
	if len(years) == 0 {
		if years, err = config.YearRange(u.cfg.Years); err != nil {
			return nil, eris.Wrap(err, "urban: years")
		}
	}
	return u.runner.run(ctx, eps, years, opts.RunID)
}

func urbanRawSpec(table string) store.TableSpec {
	return store.TableSpec{
		Name: table,
		Columns: []store.Column{
			{Name: "data_hash", Type: store.TypeText},
			{Name: "data_source", Type: store.TypeText},
			{Name: "endpoint", Type: store.TypeText},
			{Name: "year", Type: store.TypeInteger},
			{Name: "data_json", Type: store.TypeJSON},
			{Name: "fetched_at", Type: store.TypeTimestamp},
		},
		Key: []string{"data_hash"},
	}
}

// urbanExpandedSpec declares only the key columns; one text column per JSON
// key is added as records arrive.
func urbanExpandedSpec(table string) store.TableSpec {
	return store.TableSpec{
		Name: table + expandedSuffix,
		Columns: []store.Column{
			{Name: "data_hash", Type: store.TypeText},
			{Name: "year", Type: store.TypeInteger},
		},
		Key: []string{"data_hash"},
	}
}

func (u *Urban) endpoints() []endpoint {
	names := u.Endpoints()
	out := make([]endpoint, 0, len(names))
	for _, name := range names {
		template := u.cfg.Endpoints[name]
		tables := []store.TableSpec{urbanRawSpec(u.tables[name])}
		if u.cfg.Expand {
			tables = append(tables, urbanExpandedSpec(u.tables[name]))
		}
		out = append(out, endpoint{
			name:     name,
			tables:   tables,
			maxPages: u.cfg.MaxPages,
			first: func(year int) model.FetchUnit {
				return model.FetchUnit{
					SourceID: urbanSource,
					Endpoint: name,
					Template: template,
					BaseURL:  u.cfg.BaseURL,
					Year:     year,
					Page:     1,
					Params:   map[string]string{"limit": strconv.Itoa(u.cfg.PageSize)},
				}
			},
			parse: func(res model.FetchResult) (page, error) {
				return u.parse(name, res)
			},
		})
	}
	return out
}

// parse accepts {count, next, results}, {data: [...]} or a bare list.
func (u *Urban) parse(name string, res model.FetchResult) (page, error) {
	var (
		items []any
		pg    page
	)
	switch p := res.Payload.(type) {
	case []any:
		items = p
	case map[string]any:
		list, err := resultList(p)
		if err != nil {
			return page{}, err
		}
		items = list
		if count := intValue(p["count"]); count > 0 && len(items) > 0 {
			pg.total = (count + len(items) - 1) / len(items)
		}
		if next, ok := p["next"].(string); ok && next != "" {
			abs, err := resolveNext(res.Unit, next)
			if err != nil {
				return page{}, err
			}
			pg.next = abs
		}
	default:
		return page{}, eris.Errorf("urban: unexpected payload %T", res.Payload)
	}

	year := res.Unit.Year
	fetchedAt := u.deps.Now()
	for _, item := range items {
		rec, err := u.deps.Sanitizer.Record(item)
		if err != nil {
			pg.skipped++
			continue
		}
		hash, err := dataHash(name, year, rec)
		if err != nil {
			pg.skipped++
			continue
		}
		pg.rows = append(pg.rows, row{rec: sanitize.Record{
			"data_hash":   hash,
			"data_source": urbanDataSource,
			"endpoint":    name,
			"year":        int64(year),
			"data_json":   map[string]any(rec),
			"fetched_at":  fetchedAt,
		}})
		if u.cfg.Expand {
			flat := u.expander.Columns(rec)
			flat["data_hash"] = hash
			flat["year"] = int64(year)
			pg.rows = append(pg.rows, row{table: 1, rec: flat})
		}
	}
	return pg, nil
}

func resultList(p map[string]any) ([]any, error) {
	for _, key := range []string{"results", "data"} {
		v, ok := p[key]
		if !ok {
			continue
		}
		if v == nil {
			return nil, nil
		}
		list, ok := v.([]any)
		if !ok {
			return nil, eris.Errorf("urban: %q is %T, want a list", key, v)
		}
		return list, nil
	}
	return nil, eris.New("urban: payload has neither results nor data")
}

// resolveNext makes a possibly relative next link absolute against the URL
// that produced it.
func resolveNext(unit model.FetchUnit, next string) (string, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return "", eris.Wrapf(err, "urban: parse next link %q", next)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	current, err := unit.URL()
	if err != nil {
		return "", err
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", eris.Wrapf(err, "urban: parse url %q", current)
	}
	return base.ResolveReference(ref).String(), nil
}

// dataHash is the natural key of an Urban record: SHA-256 over the endpoint,
// the year and the canonical (key-sorted) JSON of the cleaned record.
func dataHash(endpoint string, year int, rec sanitize.Record) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", eris.Wrap(err, "urban: encode record")
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%s", endpoint, year, body)))
	return hex.EncodeToString(sum[:]), nil
}

func intValue(v any) int {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0
			}
			return int(f)
		}
		return int(n)
	case float64:
		return int(x)
	case int64:
		return int(x)
	case int:
		return x
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(x))
		return n
	}
	return 0
}

// Table naming limits.
const (
	maxTableSegments = 5
	shortenAbove     = 55
	segmentMaxLen    = 12
	segmentShortLen  = 8
	maxTableName     = 60
)

// UrbanTableName derives a landing table name from an endpoint template: the
// fixed api/v1/schools prefix and {placeholders} are dropped, the last five
// segments are kept and the result is prefixed with "urban_".
func UrbanTableName(template, endpoint string) string {
	var parts []string
	for _, seg := range strings.Split(template, "/") {
		seg = strings.TrimSpace(seg)
		switch {
		case seg == "", seg == "api", seg == "v1", seg == "schools":
			continue
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			continue
		}
		parts = append(parts, strings.ReplaceAll(seg, "-", "_"))
	}
	if len(parts) == 0 {
		parts = []string{sanitize.Identifier(endpoint)}
	}
	if len(parts) > maxTableSegments {
		parts = parts[len(parts)-maxTableSegments:]
	}

	name := "urban_" + strings.Join(parts, "_")
	if len(name) > shortenAbove {
		short := make([]string, len(parts))
		for i, p := range parts {
			if len(p) > segmentMaxLen {
				p = p[:segmentShortLen]
			}
			short[i] = p
		}
		name = "urban_" + strings.Join(short, "_")
	}
	if len(name) > maxTableName {
		name = name[:maxTableName]
	}
	return sanitize.Identifier(name)
}

// UrbanTableNames assigns every endpoint a distinct table, suffixing
// collisions with _1, _2, ... in endpoint-name order.
func UrbanTableNames(endpoints map[string]string) map[string]string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	used := make(map[string]bool, len(names))
	out := make(map[string]string, len(names))
	for _, name := range names {
		base := UrbanTableName(endpoints[name], name)
		table := base
		for i := 1; used[table]; i++ {
			table = base + "_" + strconv.Itoa(i)
		}
		used[table] = true
		out[name] = table
	}
	return out
}
