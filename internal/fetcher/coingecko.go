package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"btcwatch/internal/market"
)

// CoinGeckoOptions parameterise the CoinGecko client.
type CoinGeckoOptions struct {
	BaseURL string
	APIKey  string
	Client  ClientOptions
}

// CoinGecko is the primary price and dominance source.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *jsonClient
	logger  zerolog.Logger
}

// NewCoinGecko constructs a CoinGecko client.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	l := logger.With().Str("component", "coingecko_fetcher").Logger()
	return &CoinGecko{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		client:  newJSONClient(opts.Client, l),
		logger:  l,
	}
}

type simplePriceResponse struct {
	Bitcoin *struct {
		USD          float64 `json:"usd"`
		BRL          float64 `json:"brl"`
		USD24hChange float64 `json:"usd_24h_change"`
		USD24hVol    float64 `json:"usd_24h_vol"`
		USDMarketCap float64 `json:"usd_market_cap"`
	} `json:"bitcoin"`
}

// FetchPrice retrieves USD/BRL price, 24h change, volume and market cap.
func (c *CoinGecko) FetchPrice(ctx context.Context) (market.Price, error) {
	q := url.Values{}
	q.Set("ids", "bitcoin")
	q.Set("vs_currencies", "usd,brl")
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_market_cap", "true")

	var res simplePriceResponse
	if err := c.client.getJSON(ctx, "coingecko", c.baseURL+"/simple/price?"+q.Encode(), c.headers(), &res); err != nil {
		return market.Price{}, err
	}
	if res.Bitcoin == nil || res.Bitcoin.USD <= 0 {
		return market.Price{}, errors.New("coingecko: response without bitcoin price")
	}

	price := market.Price{
		USD:       res.Bitcoin.USD,
		BRL:       res.Bitcoin.BRL,
		Change24h: res.Bitcoin.USD24hChange,
		Volume24h: res.Bitcoin.USD24hVol,
		MarketCap: res.Bitcoin.USDMarketCap,
		Source:    "coingecko",
	}
	c.logger.Debug().Float64("usd", price.USD).Float64("change_24h", price.Change24h).Msg("price fetched")
	return price, nil
}

type globalResponse struct {
	Data struct {
		MarketCapPercentage map[string]float64 `json:"market_cap_percentage"`
	} `json:"data"`
}

// FetchDominance retrieves BTC's share of total crypto market cap.
func (c *CoinGecko) FetchDominance(ctx context.Context) (float64, error) {
	var res globalResponse
	if err := c.client.getJSON(ctx, "coingecko_global", c.baseURL+"/global", c.headers(), &res); err != nil {
		return 0, err
	}
	dominance, ok := res.Data.MarketCapPercentage["btc"]
	if !ok {
		return 0, errors.New("coingecko: response without btc dominance")
	}
	return dominance, nil
}

func (c *CoinGecko) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-cg-demo-api-key": c.apiKey}
}

var (
	_ PriceFetcher     = (*CoinGecko)(nil)
	_ DominanceFetcher = (*CoinGecko)(nil)
)
