package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"btcwatch/internal/app"
)

var (
	showLimit int
	showJSON  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently delivered notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit: showLimit,
			JSON:  showJSON,
			Out:   cmd.OutOrStdout(),
		})
	},
}

func init() {
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 20, "Number of records to display")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print records as JSON instead of a table")
}
