package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryRecord captures one delivered notification for auditing and export.
type HistoryRecord struct {
	ID        int64           `json:"id"`
	AlertID   *int64          `json:"alert_id,omitempty"`
	ChatID    string          `json:"chat_id"`
	Kind      string          `json:"kind"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	PriceBRL  decimal.Decimal `json:"price_brl"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Message   string          `json:"message"`
	SentAt    time.Time       `json:"sent_at"`
}
