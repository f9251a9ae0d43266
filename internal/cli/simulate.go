package cli

import (
	"github.com/spf13/cobra"

	"gpu-price-oracle/internal/app"
)

var simulateNotify bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存账本上模拟一次完整的指数发布",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := cycleOptions(cmd)
		if err != nil {
			return err
		}
		_, err = getApp().Simulate(cmd.Context(), app.SimulateOptions{Cycle: opts, Notify: simulateNotify})
		return err
	},
}

func init() {
	registerCycleFlags(simulateCmd)
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "同时向已配置的告警通道发送模拟价格")
}
