package market

import "github.com/shopspring/decimal"

// Position is the owner's BTC holding used for P&L and breakeven.
type Position struct {
	BTC      decimal.Decimal
	AvgPrice decimal.Decimal
}

// NewPosition builds a Position from config floats.
func NewPosition(btc, avgPrice float64) Position {
	return Position{BTC: decimal.NewFromFloat(btc), AvgPrice: decimal.NewFromFloat(avgPrice)}
}

// PnL is the valuation of a Position at a given price.
type PnL struct {
	Value   decimal.Decimal
	Cost    decimal.Decimal
	Profit  decimal.Decimal
	Percent decimal.Decimal
}

// Valuate prices the position at the given USD quote.
func (p Position) Valuate(priceUSD float64) PnL {
	value := p.BTC.Mul(decimal.NewFromFloat(priceUSD))
	cost := p.BTC.Mul(p.AvgPrice)
	profit := value.Sub(cost)
	percent := decimal.Zero
	if !cost.IsZero() {
		percent = profit.Div(cost).Mul(decimal.NewFromInt(100))
	}
	return PnL{Value: value, Cost: cost, Profit: profit, Percent: percent}
}

// BreakevenDistance is the percentage the price sits above (or below) the average cost.
func (p Position) BreakevenDistance(priceUSD float64) decimal.Decimal {
	if p.AvgPrice.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(priceUSD).Div(p.AvgPrice).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}
