package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"btcwatch/internal/alerting"
	"btcwatch/internal/config"
	"btcwatch/internal/dedup"
	"btcwatch/internal/engine"
	"btcwatch/internal/fetcher"
	"btcwatch/internal/httpapi"
	"btcwatch/internal/market"
	"btcwatch/internal/scheduler"
	"btcwatch/internal/service"
	"btcwatch/internal/storage"
	"btcwatch/internal/telegram"
	"btcwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) clientOptions() fetcher.ClientOptions {
	m := a.Config.Market
	return fetcher.ClientOptions{
		Timeout:   m.RequestTimeout,
		UserAgent: m.UserAgent,
		Retry: fetcher.RetryOptions{
			Attempts: m.RetryAttempts,
			MinWait:  m.RetryMinWait,
			MaxWait:  m.RetryMaxWait,
		},
	}
}

func (a *App) newProvider(cache dedup.Cache) *fetcher.Provider {
	m := a.Config.Market
	opts := a.clientOptions()

	rates := fetcher.NewCachedRate(fetcher.NewBCB(m.BCBRateURL, opts, a.Logger), cache, m.FXCacheTTL, m.FallbackUSDBRL, a.Logger)
	gecko := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL: m.CoinGeckoBaseURL,
		APIKey:  m.CoinGeckoAPIKey,
		Client:  opts,
	}, a.Logger)
	binance := fetcher.NewBinance(fetcher.BinanceOptions{
		BaseURL:    m.BinanceBaseURL,
		FuturesURL: m.BinanceFuturesURL,
		Client:     opts,
	}, rates, a.Logger)

	return fetcher.NewProvider(fetcher.Sources{
		Primary:   gecko,
		Fallback:  binance,
		Sentiment: fetcher.NewFearGreed(m.FearGreedURL, opts, a.Logger),
		Dominance: gecko,
		Funding:   binance,
	}, cache, fetcher.ProviderOptions{
		PriceCacheTTL:      m.PriceCacheTTL,
		AvgPrice:           a.Config.Position.AvgPrice,
		BreakevenThreshold: a.Config.Alerting.BreakevenThreshold,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	}
	a.Logger.Warn().Msg("telegram disabled; notifications are only logged")
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) quietDefaults() engine.QuietHours {
	q := a.Config.QuietHours
	return engine.QuietHours{
		Timezone:             q.Timezone,
		SilentStart:          q.SilentStart,
		SilentEnd:            q.SilentEnd,
		Language:             q.Language,
		NotificationsEnabled: q.NotificationsEnabled,
	}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.Config.Database, a.quietDefaults())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.Config.Database.Driver == "none" || a.Config.Database.Driver == "" {
		a.Logger.Warn().Msg("database.driver not configured; state is kept in memory")
	}
	return store, nil
}

// newCache picks the marker backend. The returned closer is never nil.
func (a *App) newCache(ctx context.Context, store storage.Store) (dedup.Cache, func(), error) {
	noop := func() {}
	switch a.Config.Cache.Backend {
	case "redis":
		c := a.Config.Cache
		rc, err := dedup.NewRedis(ctx, c.RedisURL, c.RedisPassword, c.KeyPrefix)
		if err != nil {
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		return rc, func() { _ = rc.Close() }, nil
	case "memory":
		return dedup.NewMemory(), noop, nil
	default:
		return store, noop, nil
	}
}

func (a *App) newEngine(quiet engine.QuietHoursSource, markers dedup.Cache, breakeven engine.BreakevenChecker) *engine.Engine {
	al := a.Config.Alerting
	return engine.New(engine.Options{
		Retry: engine.RetryPolicy{
			MaxRetries:   al.MaxRetries,
			LongInterval: al.RetryLongInterval,
		},
		PrimaryChatID:      a.Config.Telegram.ChatID,
		SpecialConditions:  al.SpecialConditionsOn,
		AvgPrice:           a.Config.Position.AvgPrice,
		BreakevenThreshold: al.BreakevenThreshold,
		BreakevenTTL:       al.BreakevenCooldown,
		Breakeven:          breakeven,
		RSIOversold:        al.RSIOversold,
		RSIOverbought:      al.RSIOverbought,
		RSITTL:             al.RSICooldown,
		Liquidation: engine.LiquidationOptions{
			Enabled:   al.Liquidation.Enabled,
			Threshold: al.Liquidation.Threshold,
			TTL:       al.Liquidation.Cooldown,
		},
		PriceUpdate: engine.PriceUpdateOptions{
			Enabled:  al.PriceUpdate.Enabled,
			Interval: al.PriceUpdate.Interval,
		},
	}, quiet, markers, a.Logger)
}

func (a *App) position() market.Position {
	return market.NewPosition(a.Config.Position.BTCAmount, a.Config.Position.AvgPrice)
}

// runtime bundles everything a command needs to evaluate or inspect alerts.
type runtime struct {
	store    storage.Store
	cache    dedup.Cache
	provider fetcher.SnapshotProvider
	engine   *engine.Engine
	renderer *alerting.Renderer
	close    func()
}

func (a *App) newRuntime(ctx context.Context) (*runtime, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cache, closeCache, err := a.newCache(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	provider := a.newProvider(cache)
	rt := &runtime{
		store:    store,
		cache:    cache,
		provider: provider,
		engine:   a.newEngine(store, cache, provider),
		renderer: alerting.NewRenderer(a.position(), a.Config.DigestLocation()),
	}
	rt.close = func() {
		closeCache()
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store failed")
		}
	}
	return rt, nil
}

func (a *App) newService(rt *runtime, sched *scheduler.Scheduler, notifier alerting.Notifier) *service.Service {
	return service.New(a.Config, sched, rt.provider, rt.store, rt.engine, rt.renderer, notifier, a.Logger)
}

func (a *App) registerJobs(cal *scheduler.Calendar, svc *service.Service, cache dedup.Cache) error {
	jobs := []struct {
		slot alerting.DigestSlot
		job  config.DigestJob
	}{
		{alerting.DigestMorning, a.Config.Digest.Morning},
		{alerting.DigestEvening, a.Config.Digest.Evening},
		{alerting.DigestClose, a.Config.Digest.Close},
	}
	for _, j := range jobs {
		if !j.job.Enabled || j.job.Spec == "" {
			continue
		}
		slot := j.slot
		err := cal.Add("digest_"+string(slot), j.job.Spec, func(ctx context.Context) {
			if err := svc.SendDigest(ctx, slot); err != nil {
				a.Logger.Error().Err(err).Str("slot", string(slot)).Msg("digest failed")
			}
		})
		if err != nil {
			return err
		}
	}

	purger, _ := cache.(dedup.Purger)
	if a.Config.History.PruneSpec != "" && (a.Config.History.Retention > 0 || purger != nil) {
		err := cal.Add("prune_history", a.Config.History.PruneSpec, func(ctx context.Context) {
			now := time.Now()
			if _, err := svc.PruneHistory(ctx, now); err != nil {
				a.Logger.Error().Err(err).Msg("history prune failed")
			}
			if purger != nil {
				a.Logger.Debug().Int("removed", purger.Purge(now)).Msg("expired markers purged")
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunOnStart:     a.Config.Scheduler.RunOnStart,
		FailureBackoff: a.Config.Scheduler.FailureBackoff,
	}, a.Logger)

	notifier := a.newNotifier()
	svc := a.newService(rt, sched, notifier)

	cal := scheduler.NewCalendar(ctx, a.Config.DigestLocation(), a.Logger)
	if err := a.registerJobs(cal, svc, rt.cache); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	tg := a.Config.Telegram
	if tg.Enabled && tg.CommandsEnabled {
		bot := telegram.New(telegram.NewClient(tg.BotToken, tg.APIBase, tg.PollTimeout), telegram.Deps{
			Store:      rt.store,
			Market:     rt.provider,
			Digests:    svc,
			Notifier:   notifier,
			Position:   a.position(),
			Location:   a.Config.DigestLocation(),
			MaxRetries: a.Config.Alerting.MaxRetries,
		}, telegram.Options{
			OwnerChatID:     tg.ChatID,
			RestrictToOwner: tg.RestrictToOwner,
		}, a.Logger)
		g.Go(func() error { return bot.Run(gctx) })
	}

	if a.Config.HTTP.Enabled {
		srv := httpapi.New(a.Config.HTTP.Addr, a.Config.HTTP.ShutdownTimeout, rt.store, svc, a.Logger)
		if rc, ok := rt.cache.(*dedup.RedisCache); ok {
			srv.AddCheck("cache", rc)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	cal.Start()
	a.Logger.Info().
		Str("version", version.Version).
		Dur("interval", a.Config.Scheduler.Interval).
		Int("calendar_jobs", cal.Len()).
		Msg("starting monitoring service")

	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if stopErr := cal.Stop(stopCtx); stopErr != nil {
		a.Logger.Warn().Err(stopErr).Msg("calendar jobs did not finish before shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting delivery history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Kind keeps only records of one kind when set.
	Kind string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	JSON  bool
	Out   io.Writer
}
