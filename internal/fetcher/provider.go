package fetcher

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"btcwatch/internal/dedup"
	"btcwatch/internal/market"
	"btcwatch/internal/metrics"
)

const (
	cacheKeyPrice  = "btc_price"
	cacheKeyUSDBRL = "usd_brl_rate"
)

// Sources wires the upstream clients into a Provider. Nil entries are skipped.
type Sources struct {
	Primary   PriceFetcher
	Fallback  PriceFetcher
	Sentiment SentimentFetcher
	Dominance DominanceFetcher
	Funding   FundingFetcher
}

// ProviderOptions tune caching and the breakeven check.
type ProviderOptions struct {
	PriceCacheTTL      time.Duration
	AvgPrice           float64
	BreakevenThreshold float64
}

// Provider assembles market snapshots from all sources concurrently. It never
// fails: a source that errors leaves its fields at their neutral defaults.
type Provider struct {
	sources Sources
	cache   dedup.Cache
	opts    ProviderOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProvider constructs a Provider. cache may be nil to disable price caching.
func NewProvider(sources Sources, cache dedup.Cache, opts ProviderOptions, logger zerolog.Logger) *Provider {
	return &Provider{
		sources: sources,
		cache:   cache,
		opts:    opts,
		logger:  logger.With().Str("component", "market_provider").Logger(),
		now:     time.Now,
	}
}

// Snapshot fetches every signal in parallel and returns whatever succeeded.
func (p *Provider) Snapshot(ctx context.Context) market.Snapshot {
	now := p.now().UTC()
	snap := market.Snapshot{
		Timestamp: now,
		RSI:       market.NeutralRSI,
		FearGreed: market.FearGreed{Value: 0, Classification: "Unknown"},
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	fail := func(source string, err error) {
		p.logger.Warn().Err(err).Str("source", source).Msg("market source unavailable; using defaults")
		mu.Lock()
		snap.Failures = append(snap.Failures, source)
		mu.Unlock()
	}

	g.Go(func() error {
		price, err := p.price(ctx, now)
		if err != nil {
			fail("price", err)
			return nil
		}
		mu.Lock()
		snap.Price = price
		mu.Unlock()
		return nil
	})

	if p.sources.Sentiment != nil {
		g.Go(func() error {
			fg, err := p.sources.Sentiment.FetchFearGreed(ctx)
			if err != nil {
				fail("fear_greed", err)
				return nil
			}
			mu.Lock()
			snap.FearGreed = fg
			mu.Unlock()
			return nil
		})
	}

	if p.sources.Dominance != nil {
		g.Go(func() error {
			d, err := p.sources.Dominance.FetchDominance(ctx)
			if err != nil {
				fail("dominance", err)
				return nil
			}
			mu.Lock()
			snap.Dominance = d
			mu.Unlock()
			return nil
		})
	}

	if p.sources.Funding != nil {
		g.Go(func() error {
			f, err := p.sources.Funding.FetchFundingRate(ctx)
			if err != nil {
				fail("funding", err)
				return nil
			}
			mu.Lock()
			snap.FundingRate = f
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	if snap.HasUSD() {
		snap.RSI = market.ApproximateRSI(snap.Price.Change24h)
		snap.Liquidations = market.EstimateLiquidations(snap.Price.Volume24h)
		if snap.Price.BRL > 0 {
			snap.USDBRL = snap.Price.BRL / snap.Price.USD
		}
		metrics.PriceUSD.Set(snap.Price.USD)
	}

	p.logger.Info().
		Float64("usd", snap.Price.USD).
		Float64("change_24h", snap.Price.Change24h).
		Float64("rsi", snap.RSI).
		Int("fear_greed", snap.FearGreed.Value).
		Strs("failures", snap.Failures).
		Msg("market snapshot assembled")
	return snap
}

// CheckBreakevenProximity compares price with the configured average cost.
func (p *Provider) CheckBreakevenProximity(price float64) (bool, float64) {
	return market.BreakevenProximity(price, p.opts.AvgPrice, p.opts.BreakevenThreshold)
}

func (p *Provider) price(ctx context.Context, now time.Time) (market.Price, error) {
	if cached, ok := p.cachedPrice(ctx, now); ok {
		return cached, nil
	}

	var (
		price market.Price
		err   error
	)
	if p.sources.Primary != nil {
		price, err = p.sources.Primary.FetchPrice(ctx)
	}
	if (p.sources.Primary == nil || err != nil) && p.sources.Fallback != nil {
		if err != nil {
			p.logger.Warn().Err(err).Msg("primary price source failed; trying fallback")
		}
		price, err = p.sources.Fallback.FetchPrice(ctx)
	}
	if err != nil {
		return market.Price{}, err
	}
	if price.USD <= 0 {
		return market.Price{}, errNoPriceSource
	}

	p.storePrice(ctx, price, now)
	return price, nil
}

func (p *Provider) cachedPrice(ctx context.Context, now time.Time) (market.Price, bool) {
	if p.cache == nil || p.opts.PriceCacheTTL <= 0 {
		return market.Price{}, false
	}
	raw, ok, err := p.cache.Get(ctx, cacheKeyPrice, now)
	if err != nil || !ok {
		return market.Price{}, false
	}
	var price market.Price
	if err := json.Unmarshal([]byte(raw), &price); err != nil || price.USD <= 0 {
		return market.Price{}, false
	}
	return price, true
}

func (p *Provider) storePrice(ctx context.Context, price market.Price, now time.Time) {
	if p.cache == nil || p.opts.PriceCacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(price)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, cacheKeyPrice, string(raw), p.opts.PriceCacheTTL, now); err != nil {
		p.logger.Warn().Err(err).Msg("failed to cache price")
	}
}

// CachedRate wraps a RateFetcher with caching and a static fallback.
type CachedRate struct {
	inner    RateFetcher
	cache    dedup.Cache
	ttl      time.Duration
	fallback float64
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCachedRate constructs a CachedRate.
func NewCachedRate(inner RateFetcher, cache dedup.Cache, ttl time.Duration, fallback float64, logger zerolog.Logger) *CachedRate {
	return &CachedRate{
		inner:    inner,
		cache:    cache,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger.With().Str("component", "usd_brl_rate").Logger(),
		now:      time.Now,
	}
}

// FetchUSDBRL returns the cached, fresh or fallback rate, in that order.
func (r *CachedRate) FetchUSDBRL(ctx context.Context) (float64, error) {
	now := r.now()
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, cacheKeyUSDBRL, now); err == nil && ok {
			if rate, err := strconv.ParseFloat(raw, 64); err == nil && rate > 0 {
				return rate, nil
			}
		}
	}

	rate, err := r.inner.FetchUSDBRL(ctx)
	if err != nil {
		if r.fallback > 0 {
			r.logger.Warn().Err(err).Float64("fallback", r.fallback).Msg("usd/brl rate unavailable; using fallback")
			return r.fallback, nil
		}
		return 0, err
	}

	if r.cache != nil && r.ttl > 0 {
		if err := r.cache.Set(ctx, cacheKeyUSDBRL, strconv.FormatFloat(rate, 'f', -1, 64), r.ttl, now); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache usd/brl rate")
		}
	}
	return rate, nil
}

var (
	_ SnapshotProvider = (*Provider)(nil)
	_ RateFetcher      = (*CachedRate)(nil)
)
