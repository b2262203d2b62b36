package alerting

import (
	"fmt"
	"math"
	"strings"
	"time"

	"btcwatch/internal/engine"
	"btcwatch/internal/market"
)

// DigestSlot identifies one of the scheduled daily summaries.
type DigestSlot string

const (
	DigestMorning DigestSlot = "morning"
	DigestEvening DigestSlot = "evening"
	DigestClose   DigestSlot = "close"
)

// ParseDigestSlot accepts the slot names used by commands and config.
func ParseDigestSlot(v string) (DigestSlot, bool) {
	switch DigestSlot(strings.ToLower(strings.TrimSpace(v))) {
	case DigestMorning:
		return DigestMorning, true
	case DigestEvening:
		return DigestEvening, true
	case DigestClose:
		return DigestClose, true
	default:
		return "", false
	}
}

// DigestData is everything a summary needs.
type DigestData struct {
	Snapshot    market.Snapshot
	Now         time.Time
	ActiveRules []engine.Rule
}

// RenderDigest formats the summary for slot.
func (r *Renderer) RenderDigest(slot DigestSlot, data DigestData) string {
	switch slot {
	case DigestMorning:
		return r.renderMorning(data)
	case DigestEvening:
		return r.renderEvening(data)
	default:
		return r.renderClose(data)
	}
}

func (r *Renderer) renderMorning(data DigestData) string {
	p := data.Snapshot.Price
	fg := data.Snapshot.FearGreed
	pnl := r.Position.Valuate(p.USD)

	var emoji, mood string
	switch {
	case p.Change24h > 5:
		emoji, mood = "🚀", "BULLISH"
	case p.Change24h > 0:
		emoji, mood = "📈", "Positivo"
	case p.Change24h > -5:
		emoji, mood = "📉", "Negativo"
	default:
		emoji, mood = "🔻", "BEARISH"
	}

	var b strings.Builder
	b.WriteString("☀️ <b>BOM DIA! RESUMO DO BITCOIN</b>\n")
	fmt.Fprintf(&b, "%s\n\n", data.Now.In(r.Location).Format("02/01/2006 - 15:04"))
	fmt.Fprintf(&b, "%s <b>Mercado %s</b>\n\n", emoji, mood)
	b.WriteString("💰 <b>PREÇO ATUAL:</b>\n")
	fmt.Fprintf(&b, "• USD: %s\n", FormatUSD(p.USD))
	fmt.Fprintf(&b, "• BRL: %s\n", FormatBRL(p.BRL))
	fmt.Fprintf(&b, "• 24h: %+.2f%%\n\n", p.Change24h)
	b.WriteString("📊 <b>INDICADORES:</b>\n")
	fmt.Fprintf(&b, "• Fear &amp; Greed: %d (%s)\n", fg.Value, Escape(fg.Classification))
	fmt.Fprintf(&b, "• RSI: %.1f\n", data.Snapshot.RSI)
	fmt.Fprintf(&b, "• Volume 24h: $%.1fB\n\n", p.Volume24h/1e9)
	b.WriteString("💼 <b>SUA POSIÇÃO:</b>\n")
	fmt.Fprintf(&b, "• Valor: %s\n", FormatUSDDecimal(pnl.Value))
	fmt.Fprintf(&b, "• P&amp;L: %s (%s%%)\n", FormatUSDDecimal(pnl.Profit), signed(pnl.Percent, 1))
	fmt.Fprintf(&b, "• Dist. Breakeven: %s%%\n\n", signed(r.Position.BreakevenDistance(p.USD), 1))
	b.WriteString("📱 Comandos: /price | /market | /alert_add\n\n")
	b.WriteString("Tenha um ótimo dia de trading! 🎯")
	return b.String()
}

func (r *Renderer) renderEvening(data DigestData) string {
	p := data.Snapshot.Price

	trend, detail := "📉 Baixa", "Mercado em correção"
	if p.Change24h > 0 {
		trend, detail = "📈 Alta", "Mercado em recuperação"
	}
	volume := "Normal"
	if p.Volume24h > 30e9 {
		volume = "Alto"
	}

	var b strings.Builder
	b.WriteString("🌙 <b>RESUMO NOTURNO BITCOIN</b>\n")
	fmt.Fprintf(&b, "%s\n\n", data.Now.In(r.Location).Format("02/01/2006 - 15:04"))
	b.WriteString("📊 <b>PERFORMANCE DO DIA:</b>\n")
	fmt.Fprintf(&b, "• Tendência: %s\n", trend)
	fmt.Fprintf(&b, "• Atual: %s\n\n", FormatUSD(p.USD))
	b.WriteString("💡 <b>ANÁLISE:</b>\n")
	fmt.Fprintf(&b, "• %s\n", detail)
	fmt.Fprintf(&b, "• Volume: %s\n", volume)
	fmt.Fprintf(&b, "• Volatilidade: %.1f%%\n\n", math.Abs(p.Change24h))
	fmt.Fprintf(&b, "🔔 Alertas Ativos: %d\n", len(data.ActiveRules))
	if nearest, ok := NearestRule(data.ActiveRules, p.USD); ok {
		dist := (nearest.Value - p.USD) / p.USD * 100
		fmt.Fprintf(&b, "Mais próximo: %s (%+.1f%%)\n", FormatWhole(nearest.Value), dist)
	}
	b.WriteString("\n🎯 <b>Preços-Chave:</b>\n")
	fmt.Fprintf(&b, "• Resistência: %s\n", FormatWhole(p.USD*1.05))
	fmt.Fprintf(&b, "• Suporte: %s\n", FormatWhole(p.USD*0.95))
	avg, _ := r.Position.AvgPrice.Float64()
	fmt.Fprintf(&b, "• Seu Breakeven: %s\n\n", FormatWhole(avg))
	b.WriteString("<i>Boa noite e bons trades amanhã!</i> 🌟")
	return b.String()
}

func (r *Renderer) renderClose(data DigestData) string {
	p := data.Snapshot.Price
	fg := data.Snapshot.FearGreed

	direction := "caiu"
	if p.Change24h > 0 {
		direction = "subiu"
	}

	var b strings.Builder
	b.WriteString("📊 <b>FECHAMENTO DIÁRIO</b>\n")
	fmt.Fprintf(&b, "%s\n\n", data.Now.In(r.Location).Format("02/01/2006"))
	b.WriteString("💰 <b>FECHOU EM:</b>\n")
	fmt.Fprintf(&b, "• %s\n", FormatUSD(p.USD))
	fmt.Fprintf(&b, "• %s\n", FormatBRL(p.BRL))
	fmt.Fprintf(&b, "• Variação: %+.2f%%\n\n", p.Change24h)
	b.WriteString("📈 <b>SENTIMENTO:</b>\n")
	fmt.Fprintf(&b, "%s\n", Sentiment(fg.Value))
	fmt.Fprintf(&b, "Fear &amp; Greed: %d/100\n\n", fg.Value)
	b.WriteString("💡 <b>RESUMO:</b>\n")
	fmt.Fprintf(&b, "Bitcoin %s %.2f%% hoje.\n", direction, math.Abs(p.Change24h))
	fmt.Fprintf(&b, "Volume: $%.1fB\n\n", p.Volume24h/1e9)
	fmt.Fprintf(&b, "<i>Fechamento registrado às %s</i>", data.Now.In(r.Location).Format("15:04"))
	return b.String()
}

// Sentiment maps a Fear & Greed reading onto the closing-summary bands.
func Sentiment(value int) string {
	switch {
	case value >= 75:
		return "🔥 Ganância Extrema - Cuidado!"
	case value >= 55:
		return "😊 Ganância - Mercado Otimista"
	case value >= 45:
		return "😐 Neutro - Indecisão"
	case value >= 25:
		return "😟 Medo - Oportunidade?"
	default:
		return "😱 Medo Extremo - Possível Fundo"
	}
}

// NearestRule returns the price rule whose target is closest to price.
func NearestRule(rules []engine.Rule, price float64) (engine.Rule, bool) {
	var (
		best  engine.Rule
		found bool
	)
	for _, rule := range rules {
		if rule.Kind != engine.KindPrice || rule.Currency == engine.CurrencyBRL {
			continue
		}
		if !found || math.Abs(rule.Value-price) < math.Abs(best.Value-price) {
			best, found = rule, true
		}
	}
	return best, found
}
