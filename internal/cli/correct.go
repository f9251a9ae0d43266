package cli

import (
	"time"

	"github.com/spf13/cobra"

	"gpu-price-oracle/internal/app"
)

var (
	correctAt             string
	correctPrice          float64
	correctHyperscaler    float64
	correctNonHyperscaler float64
)

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Append a history entry that supersedes an earlier computed index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if correctAt == "" {
			return usagef("--at must be provided")
		}
		at, err := time.Parse(time.RFC3339, correctAt)
		if err != nil {
			return usagef("invalid --at value: %v", err)
		}

		opts := app.CorrectOptions{Target: at, Price: correctPrice}
		if cmd.Flags().Changed("hyperscaler") {
			v := correctHyperscaler
			opts.Hyperscaler = &v
		}
		if cmd.Flags().Changed("non-hyperscaler") {
			v := correctNonHyperscaler
			opts.NonHyperscaler = &v
		}

		_, err = getApp().Correct(cmd.Context(), opts)
		return err
	},
}

func init() {
	correctCmd.Flags().StringVar(&correctAt, "at", "", "computed_at of the entry to supersede (RFC3339)")
	correctCmd.Flags().Float64Var(&correctPrice, "price", 0, "Corrected full index price (USD/hr)")
	correctCmd.Flags().Float64Var(&correctHyperscaler, "hyperscaler", 0, "Corrected hyperscaler price (defaults to --price)")
	correctCmd.Flags().Float64Var(&correctNonHyperscaler, "non-hyperscaler", 0, "Corrected non-hyperscaler price (defaults to --price)")
	_ = correctCmd.MarkFlagRequired("price")
}
