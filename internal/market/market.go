package market

import (
	"math"
	"time"
)

// NeutralRSI is reported when no change data is available.
const NeutralRSI = 50.0

// Price groups the spot quote fields of a snapshot.
type Price struct {
	USD       float64 `json:"usd"`
	BRL       float64 `json:"brl"`
	Change24h float64 `json:"change_24h"`
	Volume24h float64 `json:"volume_24h"`
	MarketCap float64 `json:"market_cap"`
	Source    string  `json:"source,omitempty"`
}

// FearGreed is the alternative.me sentiment index.
type FearGreed struct {
	Value          int    `json:"value"`
	Classification string `json:"classification"`
}

// Liquidations holds the volume-derived liquidation estimate.
type Liquidations struct {
	Total24h float64 `json:"total_24h"`
	Longs    float64 `json:"longs"`
	Shorts   float64 `json:"shorts"`
}

// Snapshot is a point-in-time read of every market signal used by the engine.
// Any field may hold its zero/neutral default when the upstream fetch failed.
type Snapshot struct {
	Price        Price        `json:"price"`
	FearGreed    FearGreed    `json:"fear_greed"`
	Dominance    float64      `json:"dominance"`
	FundingRate  float64      `json:"funding_rate"`
	Liquidations Liquidations `json:"liquidations"`
	RSI          float64      `json:"rsi"`
	USDBRL       float64      `json:"usd_brl"`
	Timestamp    time.Time    `json:"timestamp"`
	Failures     []string     `json:"failures,omitempty"`
}

// HasUSD reports whether a usable USD price was fetched.
func (s Snapshot) HasUSD() bool {
	return s.Price.USD > 0
}

// PriceIn returns the spot price for the given ISO currency code.
func (s Snapshot) PriceIn(currency string) float64 {
	if currency == "BRL" {
		return s.Price.BRL
	}
	return s.Price.USD
}

// ApproximateRSI derives an RSI-like reading from the 24h change percentage.
// Strong moves saturate towards the 70/30 bands, small moves scale around 50.
func ApproximateRSI(change24h float64) float64 {
	var rsi float64
	switch {
	case change24h > 5:
		rsi = 70 + math.Min(change24h, 10)
	case change24h < -5:
		rsi = 30 - math.Min(math.Abs(change24h), 10)
	default:
		rsi = 50 + change24h*4
	}
	return math.Max(0, math.Min(100, rsi))
}

// EstimateLiquidations returns a volume-based estimate; no public feed provides real numbers.
func EstimateLiquidations(volume24h float64) Liquidations {
	if volume24h <= 0 {
		return Liquidations{}
	}
	return Liquidations{
		Total24h: volume24h * 0.001,
		Longs:    volume24h * 0.0004,
		Shorts:   volume24h * 0.0006,
	}
}

// BreakevenProximity reports whether price is within threshold (a fraction, 0.02 = 2%)
// of the average cost, together with the signed percentage difference.
func BreakevenProximity(price, avgPrice, threshold float64) (bool, float64) {
	if price <= 0 || avgPrice <= 0 {
		return false, 0
	}
	diff := (price - avgPrice) / avgPrice * 100
	return math.Abs(diff) <= threshold*100, diff
}

// ClassifyFearGreed maps an index value onto the alternative.me bands.
func ClassifyFearGreed(value int) string {
	switch {
	case value <= 0:
		return "Unknown"
	case value < 25:
		return "Extreme Fear"
	case value < 45:
		return "Fear"
	case value < 55:
		return "Neutral"
	case value < 75:
		return "Greed"
	default:
		return "Extreme Greed"
	}
}
