package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"btcwatch/internal/market"
)

// BinanceOptions parameterise the Binance spot and futures client.
type BinanceOptions struct {
	BaseURL    string
	FuturesURL string
	Symbol     string
	Client     ClientOptions
}

// Binance is the fallback price source and the funding rate source.
type Binance struct {
	baseURL    string
	futuresURL string
	symbol     string
	rates      RateFetcher
	client     *jsonClient
	logger     zerolog.Logger
}

// NewBinance constructs a Binance client. rates converts the USDT quote to BRL.
func NewBinance(opts BinanceOptions, rates RateFetcher, logger zerolog.Logger) *Binance {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	futuresURL := strings.TrimRight(opts.FuturesURL, "/")
	if futuresURL == "" {
		futuresURL = "https://fapi.binance.com"
	}
	symbol := opts.Symbol
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	l := logger.With().Str("component", "binance_fetcher").Logger()
	return &Binance{
		baseURL:    baseURL,
		futuresURL: futuresURL,
		symbol:     symbol,
		rates:      rates,
		client:     newJSONClient(opts.Client, l),
		logger:     l,
	}
}

type ticker24hResponse struct {
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
}

// FetchPrice retrieves the 24h ticker; volume is converted to USD notional.
func (b *Binance) FetchPrice(ctx context.Context) (market.Price, error) {
	var res ticker24hResponse
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.baseURL, b.symbol)
	if err := b.client.getJSON(ctx, "binance", url, nil, &res); err != nil {
		return market.Price{}, err
	}

	last, err := strconv.ParseFloat(res.LastPrice, 64)
	if err != nil || last <= 0 {
		return market.Price{}, fmt.Errorf("binance: invalid lastPrice %q", res.LastPrice)
	}
	change, err := strconv.ParseFloat(res.PriceChangePercent, 64)
	if err != nil {
		return market.Price{}, fmt.Errorf("binance: invalid priceChangePercent %q", res.PriceChangePercent)
	}
	volume, _ := strconv.ParseFloat(res.Volume, 64)

	price := market.Price{
		USD:       last,
		Change24h: change,
		Volume24h: volume * last,
		Source:    "binance",
	}
	if b.rates != nil {
		if rate, err := b.rates.FetchUSDBRL(ctx); err == nil {
			price.BRL = last * rate
		} else {
			b.logger.Warn().Err(err).Msg("usd/brl rate unavailable; BRL price left empty")
		}
	}
	return price, nil
}

type premiumIndexResponse struct {
	LastFundingRate string `json:"lastFundingRate"`
}

// FetchFundingRate returns the last perpetual funding rate in percent.
func (b *Binance) FetchFundingRate(ctx context.Context) (float64, error) {
	var res premiumIndexResponse
	url := fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", b.futuresURL, b.symbol)
	if err := b.client.getJSON(ctx, "binance_futures", url, nil, &res); err != nil {
		return 0, err
	}
	rate, err := strconv.ParseFloat(res.LastFundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: invalid lastFundingRate %q", res.LastFundingRate)
	}
	return rate * 100, nil
}

var (
	_ PriceFetcher   = (*Binance)(nil)
	_ FundingFetcher = (*Binance)(nil)
)
