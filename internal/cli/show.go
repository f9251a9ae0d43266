package cli

import (
	"github.com/spf13/cobra"

	"gpu-price-oracle/internal/app"
)

var (
	showLimit   int
	showAssets  []string
	showOffline bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display index history, on-chain prices and recent publications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return usagef("--limit must not be negative")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Assets:  showAssets,
			Offline: showOffline,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 0, "Number of history entries to display (defaults to config)")
	showCmd.Flags().StringSliceVar(&showAssets, "assets", nil, "Show only these targets (name or 0x asset id)")
	showCmd.Flags().BoolVar(&showOffline, "offline", false, "Skip reading on-chain prices")
}
