package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/edu-etl/internal/config"
	"github.com/sells-group/edu-etl/internal/fetcher"
	"github.com/sells-group/edu-etl/internal/ingest"
	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch source endpoints into landing tables",
	Long: `Fetch every configured endpoint and year of the selected sources and
upsert the records into landing tables.

Use --source to restrict to census or urban, --endpoints for specific
endpoints and --years for a single year or an inclusive range (2019,2021).
Per-endpoint results are printed as YAML; failed units and batches are
reported there and do not fail the command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := parseIngestOpts(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		metrics := monitoring.NewMetrics()
		reports, runErr := runIngest(ctx, cfg, st, metrics, opts)
		if err := writeReports(os.Stdout, reports); err != nil {
			return err
		}
		if err := writeMetrics(metrics, cfg.Metrics); err != nil {
			zap.L().Warn("metrics textfile not written", zap.Error(err))
		}
		return runErr
	},
}

func init() {
	ingestCmd.Flags().StringSlice("source", nil, "sources to run: census, urban (default: all)")
	ingestCmd.Flags().StringSlice("endpoints", nil, "comma-separated endpoint names (default: all configured)")
	ingestCmd.Flags().IntSlice("years", nil, "year or inclusive year range, e.g. 2019,2021 (default: per source config)")
	rootCmd.AddCommand(ingestCmd)
}

// parseIngestOpts extracts ingest.EngineOpts from the cobra command flags.
func parseIngestOpts(cmd *cobra.Command) (ingest.EngineOpts, error) {
	sources, _ := cmd.Flags().GetStringSlice("source")
	endpoints, _ := cmd.Flags().GetStringSlice("endpoints")
	yearBounds, _ := cmd.Flags().GetIntSlice("years")

	opts := ingest.EngineOpts{
		Sources:   sources,
		Endpoints: endpoints,
	}
	if len(yearBounds) > 0 {
		years, err := config.YearRange(yearBounds)
		if err != nil {
			return ingest.EngineOpts{}, eris.Wrap(err, "ingest: --years")
		}
		opts.Years = years
	}
	return opts, nil
}

// newDeps wires the shared collaborators of every source from cfg.
func newDeps(c *config.Config, st store.Store, metrics *monitoring.Metrics) ingest.Deps {
	return ingest.Deps{
		Fetcher:   fetcher.NewHTTPFetcher(c.Ingest.HTTPOptions(metrics)),
		Store:     st,
		Sanitizer: sanitize.New(c.Ingest.Policy()),
		Metrics:   metrics,
		Options: ingest.Options{
			BatchSize:      c.Ingest.DBBatchSize,
			YearBatchSize:  c.Ingest.YearBatchSize,
			YearBatchDelay: c.Ingest.BatchDelay(),
		},
	}
}

// runIngest runs the engine against st.
func runIngest(ctx context.Context, c *config.Config, st store.Store, metrics *monitoring.Metrics, opts ingest.EngineOpts) ([]*model.IngestionReport, error) {
	reg := ingest.NewRegistry(c, newDeps(c, st, metrics))
	engine := ingest.NewEngine(reg)

	zap.L().Info("starting ingest",
		zap.Strings("sources", opts.Sources),
		zap.Strings("endpoints", opts.Endpoints),
		zap.Ints("years", opts.Years),
	)
	reports, err := engine.Run(ctx, opts)
	if err != nil {
		return reports, eris.Wrap(err, "ingest")
	}
	return reports, nil
}

// writeReports prints reports as a YAML document.
func writeReports(out io.Writer, reports []*model.IngestionReport) error {
	if len(reports) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return eris.Wrap(err, "ingest: encode report")
	}
	return eris.Wrap(enc.Close(), "ingest: encode report")
}

// writeMetrics exports collectors when a textfile path is configured.
func writeMetrics(m *monitoring.Metrics, mc config.MetricsConfig) error {
	if mc.Textfile == "" {
		return nil
	}
	return m.WriteTextfile(mc.Textfile)
}
