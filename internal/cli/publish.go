package cli

import (
	"time"

	"github.com/spf13/cobra"

	"gpu-price-oracle/internal/service"
)

var (
	publishSource       string
	publishPrice        float64
	publishDryRun       bool
	publishConfirmDelay time.Duration
	publishSkipVerify   bool
	publishAssets       []string
	publishBatch        bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Compute the index once and publish it to the oracle",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := cycleOptions(cmd)
		if err != nil {
			return err
		}
		_, err = getApp().Publish(cmd.Context(), opts)
		return err
	},
}

// cycleOptions maps the shared cycle flags; publish and simulate both register them.
func cycleOptions(cmd *cobra.Command) (service.CycleOptions, error) {
	opts := service.CycleOptions{
		SourceOverride: publishSource,
		DryRun:         publishDryRun,
		SkipVerify:     publishSkipVerify,
		Assets:         publishAssets,
		Batch:          publishBatch,
	}
	if cmd.Flags().Changed("price") {
		if publishPrice <= 0 {
			return opts, usagef("--price must be greater than zero")
		}
		if publishSource != "" {
			return opts, usagef("--price and --source are mutually exclusive")
		}
		price := publishPrice
		opts.ManualPrice = &price
	}
	if cmd.Flags().Changed("confirm-delay") {
		if publishConfirmDelay < 0 {
			return opts, usagef("--confirm-delay must not be negative")
		}
		delay := publishConfirmDelay
		opts.ConfirmDelay = &delay
	}
	return opts, nil
}

func registerCycleFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&publishSource, "source", "", "Provider table path or URL overriding source config")
	cmd.Flags().Float64Var(&publishPrice, "price", 0, "Publish this USD/hr price instead of computing the index")
	cmd.Flags().DurationVar(&publishConfirmDelay, "confirm-delay", 0, "Wait between commit and reveal (overrides ledger and config)")
	cmd.Flags().BoolVar(&publishSkipVerify, "skip-verify", false, "Skip reading the price back after reveal")
	cmd.Flags().StringSliceVar(&publishAssets, "assets", nil, "Publish only these targets (name or 0x asset id)")
	cmd.Flags().BoolVar(&publishBatch, "batch", false, "Write all targets in one batch transaction")
}

func init() {
	registerCycleFlags(publishCmd)
	publishCmd.Flags().BoolVar(&publishDryRun, "dry-run", false, "Compute and validate without sending transactions or writing history")
}
