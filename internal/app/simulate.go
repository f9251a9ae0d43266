package app

import (
	"context"
	"errors"
	"time"

	"gpu-price-oracle/internal/alerting"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/ledger"
	"gpu-price-oracle/internal/publisher"
	"gpu-price-oracle/internal/service"
)

// Simulate 在内存账本上跑完整流程：读取真实历史但不写入，交易不上链。
// With Notify set the configured notification sinks receive the simulated prices.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (service.Report, error) {
	var notifier alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return service.Report{}, errors.New("alerting 未启用")
		}
		n, closeNotifier := a.newNotifier()
		defer closeNotifier()
		if n == nil {
			return service.Report{}, errors.New("未配置任何告警通道")
		}
		notifier = n
	}

	targets, err := a.Config.ResolveTargets(opts.Cycle.Assets)
	if err != nil {
		return service.Report{}, err
	}
	ids := make([]ledger.AssetID, len(targets))
	for i, t := range targets {
		ids[i] = t.AssetID
	}
	oracle := ledger.NewMemory(ids...)

	res, err := a.open(ctx)
	if err != nil {
		return service.Report{}, err
	}
	defer res.Close()

	pubOpts := a.publisherOptions()
	pubOpts.OnRetry = nil
	pubOpts.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	svc := service.New(a.Config, service.Deps{
		History:   history.ReadOnly{Store: res.history},
		Publisher: publisher.New(oracle, nil, pubOpts, a.Logger),
		Notifier:  notifier,
	}, a.Logger)

	cycle := opts.Cycle
	cycle.DryRun = false
	report, err := svc.RunCycle(ctx, cycle)
	if len(report.Publications) > 0 {
		writeReport(a.Out, report)
	}
	return report, err
}
