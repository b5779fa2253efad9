package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/edu-etl/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show endpoint metadata",
	Long:  "Displays the last fetch of every (source, endpoint, year) with its record count, error count and status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListEndpointMetadata(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(entries) == 0 {
			zap.L().Info("no endpoint metadata found, run 'ingest' first")
			return nil
		}

		switch format {
		case "yaml":
			return formatMetadataYAML(os.Stdout, entries)
		case "table":
			formatMetadata(os.Stdout, entries)
			return nil
		default:
			return eris.Errorf("status: unknown format %q (valid: table, yaml)", format)
		}
	},
}

func init() {
	statusCmd.Flags().String("format", "table", "output format: table or yaml")
	rootCmd.AddCommand(statusCmd)
}

// formatMetadata writes a tabular representation of metadata rows to out.
func formatMetadata(out io.Writer, entries []model.EndpointMetadata) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tENDPOINT\tYEAR\tSTATUS\tRECORDS\tERRORS\tLAST FETCHED\tRUN")
	_, _ = fmt.Fprintln(w, "------\t--------\t----\t------\t-------\t------\t------------\t---")

	for _, e := range entries {
		fetched := "-"
		if !e.LastFetchedAt.IsZero() {
			fetched = e.LastFetchedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			e.Source,
			e.Endpoint,
			e.Year,
			e.Status,
			e.RecordCount,
			e.ErrorCount,
			fetched,
			truncate(e.RunID, 8),
		)
	}
	_ = w.Flush()
}

func formatMetadataYAML(out io.Writer, entries []model.EndpointMetadata) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return eris.Wrap(err, "status: encode")
	}
	return eris.Wrap(enc.Close(), "status: encode")
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
