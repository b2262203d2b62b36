package fetcher

import (
	"context"
	"errors"

	"btcwatch/internal/market"
)

var errNoPriceSource = errors.New("no price source returned a usable quote")

// PriceFetcher retrieves the spot BTC quote.
type PriceFetcher interface {
	FetchPrice(ctx context.Context) (market.Price, error)
}

// RateFetcher retrieves the USD/BRL exchange rate.
type RateFetcher interface {
	FetchUSDBRL(ctx context.Context) (float64, error)
}

// SentimentFetcher retrieves the Fear & Greed index.
type SentimentFetcher interface {
	FetchFearGreed(ctx context.Context) (market.FearGreed, error)
}

// DominanceFetcher retrieves BTC market-cap dominance in percent.
type DominanceFetcher interface {
	FetchDominance(ctx context.Context) (float64, error)
}

// FundingFetcher retrieves the perpetual funding rate in percent.
type FundingFetcher interface {
	FetchFundingRate(ctx context.Context) (float64, error)
}

// SnapshotProvider aggregates every source into a best-effort snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) market.Snapshot
}
