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
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/spatial"
	"github.com/sells-group/edu-etl/internal/store"
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Resolve source coordinates to ZCTA, county and state",
	Long: `Load the ZCTA, county and state boundary layers (from the store cache or
the shapefile archives under spatial.data_dir), read the distinct coordinates
of a landing table and upsert one location_data row per rounded coordinate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sc := cfg.Spatial
		if v, _ := cmd.Flags().GetString("table"); v != "" {
			sc.SourceTable = v
		}
		if v, _ := cmd.Flags().GetString("lat-column"); v != "" {
			sc.SourceLatColumn = v
		}
		if v, _ := cmd.Flags().GetString("lon-column"); v != "" {
			sc.SourceLonColumn = v
		}
		reload, _ := cmd.Flags().GetBool("reload")

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		metrics := monitoring.NewMetrics()
		rep, err := runGeocode(ctx, sc, st, metrics, reload)
		if err != nil {
			return err
		}
		if err := writeResolveReport(os.Stdout, rep); err != nil {
			return err
		}
		if err := writeMetrics(metrics, cfg.Metrics); err != nil {
			zap.L().Warn("metrics textfile not written", zap.Error(err))
		}
		return nil
	},
}

func init() {
	geocodeCmd.Flags().String("table", "", "landing table holding the coordinates (default: spatial.source_table)")
	geocodeCmd.Flags().String("lat-column", "", "latitude column (default: spatial.source_lat_column)")
	geocodeCmd.Flags().String("lon-column", "", "longitude column (default: spatial.source_lon_column)")
	geocodeCmd.Flags().Bool("reload", false, "re-read boundary archives instead of the cached geometries")
	rootCmd.AddCommand(geocodeCmd)
}

// runGeocode loads the configured layers and resolves the source table.
func runGeocode(ctx context.Context, sc config.SpatialConfig, st store.Store, metrics *monitoring.Metrics, reload bool) (*spatial.Report, error) {
	if sc.SourceTable == "" {
		return nil, eris.New("geocode: no source table (set --table or spatial.source_table)")
	}
	layers, err := sc.LayerTypes()
	if err != nil {
		return nil, err
	}

	r := spatial.New(st, spatial.Options{
		DataDir:                 sc.DataDir,
		Files:                   sc.Files,
		RoundDecimals:           sc.RoundDecimals,
		BatchSize:               sc.BatchSize,
		CountReprojectionErrors: sc.CountReprojectionErrors,
		Reload:                  reload,
	}, metrics)

	if err := r.LoadBoundaries(ctx, layers); err != nil {
		return nil, eris.Wrap(err, "geocode: load boundaries")
	}
	rep, err := r.Run(ctx, sc.SourceTable, sc.SourceLatColumn, sc.SourceLonColumn)
	if err != nil {
		return nil, eris.Wrap(err, "geocode")
	}
	return rep, nil
}

func writeResolveReport(out io.Writer, rep *spatial.Report) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return eris.Wrap(err, "geocode: encode report")
	}
	return eris.Wrap(enc.Close(), "geocode: encode report")
}
