package alerting

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"btcwatch/internal/engine"
	"btcwatch/internal/market"
)

// Renderer turns engine decisions and digests into Telegram HTML messages.
type Renderer struct {
	Position market.Position
	Location *time.Location
}

// NewRenderer constructs a Renderer. A nil location renders in UTC.
func NewRenderer(position market.Position, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{Position: position, Location: loc}
}

// Render formats one decision.
func (r *Renderer) Render(d engine.Decision) string {
	switch d.Kind {
	case engine.DecisionRule:
		return r.renderRule(d)
	case engine.DecisionBreakeven:
		return r.renderBreakeven(d)
	case engine.DecisionRSI:
		return r.renderRSI(d)
	case engine.DecisionLiquidation:
		return r.renderLiquidation(d)
	case engine.DecisionPriceUpdate:
		return r.renderPriceUpdate(d)
	default:
		return fmt.Sprintf("BTC %s", FormatUSD(d.Snapshot.Price.USD))
	}
}

func (r *Renderer) renderRule(d engine.Decision) string {
	p := d.Snapshot.Price
	emoji := "📉"
	if p.Change24h > 0 {
		emoji = "🚀"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>ALERTA BITCOIN #%d</b>\n\n", d.Rule.ID)
	if d.Rule.Kind == engine.KindChange {
		fmt.Fprintf(&b, "%s BTC variou %+.2f%% em 24h (limite %.2f%%)\n", emoji, p.Change24h, d.Rule.Value)
		fmt.Fprintf(&b, "💰 %s\n", FormatUSD(p.USD))
	} else {
		fmt.Fprintf(&b, "%s BTC atingiu %s\n", emoji, FormatUSD(p.USD))
		fmt.Fprintf(&b, "🎯 Alvo: %s %s\n", formatCurrency(d.Rule.Currency, d.Rule.Value), comparisonLabel(d.Rule.Comparison))
	}
	if p.BRL > 0 {
		fmt.Fprintf(&b, "💵 %s\n", FormatBRL(p.BRL))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "📊 <b>Variação 24h:</b> %+.2f%%\n", p.Change24h)
	fmt.Fprintf(&b, "📈 <b>Volume 24h:</b> $%.2fB\n\n", p.Volume24h/1e9)
	fmt.Fprintf(&b, "⏰ <b>Alerta criado:</b> %s\n", d.Rule.CreatedAt.In(r.Location).Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "📍 <b>Tentativa:</b> %d de %d\n\n", d.Attempt, d.MaxAttempts)
	fmt.Fprintf(&b, "Responda com /ack %d quando ação tomada", d.Rule.ID)
	return b.String()
}

func (r *Renderer) renderBreakeven(d engine.Decision) string {
	price := d.Snapshot.Price.USD
	pnl := r.Position.Valuate(price)

	var b strings.Builder
	b.WriteString("⚠️ <b>ALERTA BREAKEVEN</b>\n\n")
	fmt.Fprintf(&b, "💰 Preço atual: %s\n", FormatUSD(price))
	fmt.Fprintf(&b, "📍 Seu breakeven: %s\n", FormatUSD(d.Breakeven))
	fmt.Fprintf(&b, "📊 Diferença: %+.2f%%\n\n", d.DiffPct)
	fmt.Fprintf(&b, "🎯 Posição: %s BTC\n", r.Position.BTC.StringFixed(8))
	fmt.Fprintf(&b, "💵 Valor atual: %s\n\n", FormatUSDDecimal(pnl.Value))
	b.WriteString("<i>Preço próximo ao seu ponto de equilíbrio!</i>")
	return b.String()
}

func (r *Renderer) renderRSI(d engine.Decision) string {
	emoji := "❄️"
	if d.Condition == engine.Oversold {
		emoji = "🔥"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>RSI ALERTA - %s</b>\n\n", emoji, d.Condition)
	fmt.Fprintf(&b, "📊 RSI (14): %.2f\n", d.RSI)
	fmt.Fprintf(&b, "💰 Preço: %s\n\n", FormatUSD(d.Snapshot.Price.USD))
	b.WriteString("⚠️ <i>Possível reversão de tendência</i>")
	return b.String()
}

func (r *Renderer) renderLiquidation(d engine.Decision) string {
	liq := d.Snapshot.Liquidations

	var b strings.Builder
	b.WriteString("💥 <b>LIQUIDAÇÕES ELEVADAS (estimativa)</b>\n\n")
	fmt.Fprintf(&b, "• Total 24h: $%.1fM\n", liq.Total24h/1e6)
	fmt.Fprintf(&b, "• Longs: $%.1fM\n", liq.Longs/1e6)
	fmt.Fprintf(&b, "• Shorts: $%.1fM\n\n", liq.Shorts/1e6)
	fmt.Fprintf(&b, "💰 Preço: %s (%+.2f%%)\n\n", FormatUSD(d.Snapshot.Price.USD), d.Snapshot.Price.Change24h)
	b.WriteString("<i>Valores estimados a partir do volume 24h</i>")
	return b.String()
}

func (r *Renderer) renderPriceUpdate(d engine.Decision) string {
	p := d.Snapshot.Price
	pnl := r.Position.Valuate(p.USD)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>ATUALIZAÇÃO DE PREÇO</b>\n\n", trendEmoji(p.Change24h, 2))
	fmt.Fprintf(&b, "💰 BTC: %s\n", FormatUSD(p.USD))
	if p.BRL > 0 {
		fmt.Fprintf(&b, "💵 BRL: %s\n", FormatBRL(p.BRL))
	}
	fmt.Fprintf(&b, "📊 24h: %+.2f%%\n\n", p.Change24h)
	b.WriteString("💼 <b>Sua posição:</b>\n")
	fmt.Fprintf(&b, "• Valor: %s\n", FormatUSDDecimal(pnl.Value))
	fmt.Fprintf(&b, "• P&amp;L: %s%%\n\n", signed(pnl.Percent, 1))
	fmt.Fprintf(&b, "<i>Próxima atualização em %d min</i>", int(d.MarkerTTL.Minutes()))
	return b.String()
}

// trendEmoji grades a 24h change against a symmetric band.
func trendEmoji(change, band float64) string {
	switch {
	case change > band:
		return "🚀"
	case change > 0:
		return "📈"
	case change > -band:
		return "📉"
	default:
		return "🔻"
	}
}

func comparisonLabel(c engine.Comparison) string {
	if c == engine.Below {
		return "(abaixo)"
	}
	return "(acima)"
}

func formatCurrency(currency string, v float64) string {
	if currency == engine.CurrencyBRL {
		return FormatBRL(v)
	}
	return FormatUSD(v)
}

// FormatUSD renders v as "$1,234.56".
func FormatUSD(v float64) string {
	return FormatUSDDecimal(decimal.NewFromFloat(v))
}

// FormatUSDDecimal renders d as "$1,234.56".
func FormatUSDDecimal(d decimal.Decimal) string {
	s := groupThousands(d.Abs().StringFixed(2))
	if d.IsNegative() && s != "0.00" {
		return "-$" + s
	}
	return "$" + s
}

// FormatBRL renders v as "R$ 1,234.56".
func FormatBRL(v float64) string {
	d := decimal.NewFromFloat(v)
	s := groupThousands(d.Abs().StringFixed(2))
	if d.IsNegative() && s != "0.00" {
		return "-R$ " + s
	}
	return "R$ " + s
}

// FormatWhole renders v rounded to units with separators, e.g. "$121,800".
func FormatWhole(v float64) string {
	return "$" + groupThousands(decimal.NewFromFloat(v).Round(0).StringFixed(0))
}

func groupThousands(fixed string) string {
	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")
	intPart, frac, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, ch := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(ch)
	}
	out := b.String()
	if hasFrac {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func signed(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	if !d.IsNegative() {
		return "+" + s
	}
	return s
}

// Escape makes user supplied text safe for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}
