package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"btcwatch/internal/market"
)

// FearGreed fetches the alternative.me index.
type FearGreed struct {
	url    string
	client *jsonClient
}

// NewFearGreed constructs the Fear & Greed client.
func NewFearGreed(url string, opts ClientOptions, logger zerolog.Logger) *FearGreed {
	if url == "" {
		url = "https://api.alternative.me/fng/"
	}
	return &FearGreed{
		url:    url,
		client: newJSONClient(opts, logger.With().Str("component", "feargreed_fetcher").Logger()),
	}
}

type fngResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// FetchFearGreed returns the latest index reading.
func (f *FearGreed) FetchFearGreed(ctx context.Context) (market.FearGreed, error) {
	var res fngResponse
	if err := f.client.getJSON(ctx, "fear_greed", f.url, nil, &res); err != nil {
		return market.FearGreed{}, err
	}
	if len(res.Data) == 0 {
		return market.FearGreed{}, errors.New("fear_greed: empty data")
	}
	value, err := strconv.Atoi(strings.TrimSpace(res.Data[0].Value))
	if err != nil {
		return market.FearGreed{}, fmt.Errorf("fear_greed: invalid value %q", res.Data[0].Value)
	}
	classification := res.Data[0].ValueClassification
	if classification == "" {
		classification = market.ClassifyFearGreed(value)
	}
	return market.FearGreed{Value: value, Classification: classification}, nil
}

// BCB fetches the official USD/BRL rate from Banco Central do Brasil.
type BCB struct {
	url    string
	client *jsonClient
}

// NewBCB constructs the BCB client.
func NewBCB(url string, opts ClientOptions, logger zerolog.Logger) *BCB {
	if url == "" {
		url = "https://api.bcb.gov.br/dados/serie/bcdata.sgs.10813/dados/ultimos/1?formato=json"
	}
	return &BCB{
		url:    url,
		client: newJSONClient(opts, logger.With().Str("component", "bcb_fetcher").Logger()),
	}
}

type bcbPoint struct {
	Data  string `json:"data"`
	Valor string `json:"valor"`
}

// FetchUSDBRL returns the latest published rate.
func (b *BCB) FetchUSDBRL(ctx context.Context) (float64, error) {
	var res []bcbPoint
	if err := b.client.getJSON(ctx, "bcb", b.url, nil, &res); err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("bcb: empty series")
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(res[len(res)-1].Valor), 64)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("bcb: invalid rate %q", res[len(res)-1].Valor)
	}
	return rate, nil
}

var (
	_ SentimentFetcher = (*FearGreed)(nil)
	_ RateFetcher      = (*BCB)(nil)
)
