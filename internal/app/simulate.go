package app

import (
	"context"
	"errors"
	"time"

	"btcwatch/internal/fetcher"
	"btcwatch/internal/market"
)

// SimulateOptions describe the market the simulated cycle observes.
type SimulateOptions struct {
	PriceUSD  float64
	PriceBRL  float64
	Change24h float64
	Volume24h float64
}

// SimulateAlert 使用给定行情执行一次完整的评估周期，真实推送并提交状态。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.PriceUSD <= 0 {
		return errors.New("price must be greater than zero")
	}

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.provider = &staticProvider{snap: a.simulatedSnapshot(opts, time.Now())}
	svc := a.newService(rt, nil, a.newNotifier())

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return svc.ProcessCycle(ctx, bucket)
}

func (a *App) simulatedSnapshot(opts SimulateOptions, now time.Time) market.Snapshot {
	rate := a.Config.Market.FallbackUSDBRL
	brl := opts.PriceBRL
	if brl <= 0 {
		brl = opts.PriceUSD * rate
	} else {
		rate = brl / opts.PriceUSD
	}
	return market.Snapshot{
		Price: market.Price{
			USD:       opts.PriceUSD,
			BRL:       brl,
			Change24h: opts.Change24h,
			Volume24h: opts.Volume24h,
			Source:    "simulated",
		},
		RSI:          market.ApproximateRSI(opts.Change24h),
		Liquidations: market.EstimateLiquidations(opts.Volume24h),
		USDBRL:       rate,
		Timestamp:    now,
	}
}

type staticProvider struct {
	snap market.Snapshot
}

func (s *staticProvider) Snapshot(context.Context) market.Snapshot {
	return s.snap
}

var _ fetcher.SnapshotProvider = (*staticProvider)(nil)
