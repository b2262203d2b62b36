package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"btcwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportSince     time.Duration
	exportKind      string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export delivery history as CSV and/or a PNG price chart",
	Example: `  btcwatch export --since 168h --png out/week.png
  btcwatch export --from 2026-10-01T00:00:00Z --kind rule --csv out/price.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportSince > 0 && exportFrom != "" {
			return errors.New("--since and --from are mutually exclusive")
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Kind:      exportKind,
		}

		var err error
		if opts.To, err = parseTimestamp("--to", exportTo); err != nil {
			return err
		}
		if opts.From, err = parseTimestamp("--from", exportFrom); err != nil {
			return err
		}
		if exportSince > 0 {
			end := time.Now().UTC()
			if opts.To != nil {
				end = *opts.To
			}
			from := end.Add(-exportSince)
			opts.From = &from
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseTimestamp(flag, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive; default now)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 0, "Export the window of this length ending at --to")
	exportCmd.Flags().StringVar(&exportKind, "kind", "", "Only export records of this kind (rule, breakeven, rsi, liquidation, price_update, digest_morning, ...)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum records to export (defaults to export.max_data_points)")
}
