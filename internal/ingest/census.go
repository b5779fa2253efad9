package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/edu-etl/internal/config"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

const (
	censusSource    = "census"
	censusTable     = "census_data"
	censusGeography = "zip code tabulation area"
)

// Census ingests ACS estimates per ZIP code tabulation area. Each response
// is a header row followed by value rows; rows upsert by (zip_code, year).
type Census struct {
	cfg    config.CensusConfig
	deps   Deps
	vars   []censusVar
	table  store.TableSpec
	runner *runner
}

type censusVar struct {
	code   string
	column string
}

// NewCensus builds the Census source.
func NewCensus(cfg config.CensusConfig, deps Deps) *Census {
	deps = deps.withDefaults()
	vars := make([]censusVar, 0, len(cfg.Variables))
	for code, col := range cfg.Variables {
		// Config keys arrive lowercased; the API wants the canonical upper case.
		vars = append(vars, censusVar{code: strings.ToUpper(code), column: sanitize.Identifier(col)})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].code < vars[j].code })

	cols := []store.Column{
		{Name: "zip_code", Type: store.TypeText},
		{Name: "year", Type: store.TypeInteger},
		{Name: "name", Type: store.TypeText},
	}
	for _, v := range vars {
		cols = append(cols, store.Column{Name: v.column, Type: store.TypeInteger})
	}
	cols = append(cols,
		store.Column{Name: "data_json", Type: store.TypeJSON},
		store.Column{Name: "fetched_at", Type: store.TypeTimestamp},
	)

	return &Census{
		cfg:  cfg,
		deps: deps,
		vars: vars,
		table: store.TableSpec{
			Name:    censusTable,
			Columns: cols,
			Key:     []string{"zip_code", "year"},
		},
		runner: newRunner(censusSource, deps),
	}
}

func (c *Census) Name() string { return censusSource }

func (c *Census) Endpoints() []string {
	names := make([]string, 0, len(c.cfg.Endpoints))
	for name := range c.cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the landing table spec.
func (c *Census) Table() store.TableSpec { return c.table }

func (c *Census) Run(ctx context.Context, opts RunOpts) (*model.IngestionReport, error) {
	eps, err := selectEndpoints(censusSource, c.endpoints(), opts.Endpoints)
	if err != nil {
		return nil, err
	}
	years := opts.Years
	if len(years) == 0 {
		if years, err = config.YearRange(c.cfg.Years); err != nil {
			return nil, eris.Wrap(err, "census: years")
		}
	}
	return c.runner.run(ctx, eps, years, opts.RunID)
}

func (c *Census) endpoints() []endpoint {
	get := make([]string, 0, len(c.vars)+1)
	get = append(get, "NAME")
	for _, v := range c.vars {
		get = append(get, v.code)
	}

	names := c.Endpoints()
	out := make([]endpoint, 0, len(names))
	for _, name := range names {
		template := c.cfg.Endpoints[name]
		params := map[string]string{
			"get": strings.Join(get, ","),
			"for": censusGeography + ":*",
		}
		if c.cfg.APIKey != "" {
			params["key"] = c.cfg.APIKey
		}
		out = append(out, endpoint{
			name:   name,
			tables: []store.TableSpec{c.table},
			first: func(year int) model.FetchUnit {
				return model.FetchUnit{
					SourceID: censusSource,
					Endpoint: name,
					Template: template,
					BaseURL:  c.cfg.BaseURL,
					Year:     year,
					Params:   params,
				}
			},
			parse: c.parse,
		})
	}
	return out
}

// parse turns a header+rows payload into census_data records. Rows without a
// ZCTA or with the wrong width are skipped.
func (c *Census) parse(res model.FetchResult) (page, error) {
	table, ok := res.Payload.([]any)
	if !ok || len(table) == 0 {
		return page{}, eris.Errorf("census: expected a non-empty array, got %T", res.Payload)
	}
	header, ok := table[0].([]any)
	if !ok {
		return page{}, eris.New("census: first row is not a header")
	}
	names := make([]string, len(header))
	for i, h := range header {
		s, ok := h.(string)
		if !ok {
			return page{}, eris.Errorf("census: header cell %d is %T", i, h)
		}
		names[i] = s
	}

	san := c.deps.Sanitizer
	fetchedAt := c.deps.Now()

	var pg page
	for _, raw := range table[1:] {
		cells, ok := raw.([]any)
		if !ok || len(cells) != len(names) {
			pg.skipped++
			continue
		}
		full := make(sanitize.Record, len(names))
		for i, n := range names {
			full[n] = san.Value(cells[i])
		}
		zip, _ := full[censusGeography].(string)
		if zip == "" {
			pg.skipped++
			continue
		}

		rec := sanitize.Record{
			"zip_code":   zip,
			"year":       int64(res.Unit.Year),
			"name":       full["NAME"],
			"data_json":  map[string]any(full),
			"fetched_at": fetchedAt,
		}
		for _, v := range c.vars {
			rec[v.column] = censusEstimate(full[v.code])
		}
		pg.rows = append(pg.rows, row{rec: rec})
	}
	return pg, nil
}

// censusEstimate coerces an estimate cell to an integer. Negative values are
// annotation sentinels (-666666666 and friends) and become null.
func censusEstimate(v any) any {
	n, ok := store.Coerce(store.TypeInteger, v).(int64)
	if !ok || n < 0 {
		return nil
	}
	return n
}
