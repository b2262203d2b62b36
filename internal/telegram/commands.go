package telegram

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"btcwatch/internal/alerting"
	"btcwatch/internal/engine"
)

func (b *Bot) cmdStart(ctx context.Context, req request) (string, error) {
	if _, err := b.deps.Store.QuietHours(ctx, req.chatID); err != nil {
		return "", fmt.Errorf("create owner config: %w", err)
	}
	b.logger.Info().Str("chat_id", req.chatID).Msg("chat started")

	digests := "Desativados"
	if b.deps.Digests != nil && b.deps.Digests.DigestsEnabled() {
		digests = "Ativados (8h, 20h, 23:59)"
	}

	var sb strings.Builder
	sb.WriteString("🚀 <b>Bem-vindo ao Bot de Monitoramento Bitcoin!</b>\n\n")
	sb.WriteString("Eu vou te ajudar a acompanhar o mercado de Bitcoin com alertas e análises em tempo real.\n\n")
	sb.WriteString("📊 <b>Comandos principais:</b>\n")
	sb.WriteString("• /price - Preço atual do BTC\n")
	sb.WriteString("• /market - Análise completa do mercado\n")
	sb.WriteString("• <code>/alert_add [valor] [moeda]</code> - Criar alerta\n")
	sb.WriteString("• /alert_list - Ver seus alertas\n")
	sb.WriteString("• /daily - Configurar resumos diários\n")
	sb.WriteString("• /help - Ajuda detalhada\n\n")
	sb.WriteString("💡 <b>Sua posição atual:</b>\n")
	fmt.Fprintf(&sb, "• BTC: %s\n", b.deps.Position.BTC.StringFixed(8))
	fmt.Fprintf(&sb, "• Preço médio: %s\n", alerting.FormatUSDDecimal(b.deps.Position.AvgPrice))
	sb.WriteString("• Breakeven alerts: Ativado ✅\n\n")
	fmt.Fprintf(&sb, "📅 <b>Resumos diários:</b> %s\n\n", digests)
	sb.WriteString("Vamos começar? Digite /price para ver o preço atual!")
	return sb.String(), nil
}

func (b *Bot) cmdHelp(context.Context, request) (string, error) {
	return strings.Join([]string{
		"📚 <b>AJUDA COMPLETA - Bot Bitcoin</b>",
		"",
		"<b>🎯 Comandos de Preço:</b>",
		"• /price - Preço atual em USD e BRL",
		"• /market - Análise completa do mercado",
		"",
		"<b>🔔 Comandos de Alertas:</b>",
		"• <code>/alert_add [valor] [USD/BRL] [above/below]</code> - Criar alerta",
		"  Ex: <code>/alert_add 110000 USD</code>",
		"• <code>/alert_change [%]</code> - Alerta de variação 24h",
		"• /alert_list - Listar alertas ativos",
		"• <code>/alert_del [id]</code> - Deletar alerta",
		"• <code>/ack [id] [nota]</code> - Confirmar alerta (para reenvios)",
		"",
		"<b>📅 Resumos Diários:</b>",
		"• /daily - Ver configuração de resumos",
		"• <code>/daily on</code> / <code>/daily off</code>",
		"• <code>/daily morning|evening|close</code> - Resumo agora",
		"• <code>/daily test</code> - Testar todos",
		"",
		"<b>⚙️ Configuração:</b>",
		"• /config - Ver configurações",
		"• <code>/config silent 22 8</code> - Horário silencioso (22h-8h)",
		"• <code>/config timezone America/Sao_Paulo</code>",
		"• <code>/config notifications on|off</code>",
		"",
		"<b>📊 Indicadores Monitorados:</b>",
		"• RSI (alerta quando &lt; 30 ou &gt; 70)",
		"• Fear &amp; Greed Index",
		"• Funding Rate",
		"• Proximidade ao seu breakeven",
		"",
		"<b>💡 Dicas:</b>",
		"• Alertas reenviam até confirmação com /ack",
		"• Horário silencioso pausa notificações",
	}, "\n"), nil
}

func (b *Bot) cmdPrice(ctx context.Context, _ request) (string, error) {
	snap := b.deps.Market.Snapshot(ctx)
	if !snap.HasUSD() {
		return "❌ Erro ao obter preço. Tente novamente em alguns segundos.", nil
	}
	p := snap.Price
	pnl := b.deps.Position.Valuate(p.USD)

	emoji := "🔴"
	if p.Change24h > 0 {
		emoji = "🟢"
	}
	near := ""
	if dist := b.deps.Position.BreakevenDistance(p.USD).Abs(); dist.LessThanOrEqual(decimalTwo) {
		near = "⚠️ "
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>BITCOIN - PREÇO ATUAL</b>\n\n", emoji)
	fmt.Fprintf(&sb, "💵 <b>USD:</b> %s\n", alerting.FormatUSD(p.USD))
	fmt.Fprintf(&sb, "💵 <b>BRL:</b> %s\n\n", alerting.FormatBRL(p.BRL))
	fmt.Fprintf(&sb, "📊 <b>Variação 24h:</b> %+.2f%%\n", p.Change24h)
	fmt.Fprintf(&sb, "📈 <b>Volume 24h:</b> $%.2fB\n\n", p.Volume24h/1e9)
	fmt.Fprintf(&sb, "%s<b>Sua Posição:</b>\n", near)
	fmt.Fprintf(&sb, "• Quantidade: %s BTC\n", b.deps.Position.BTC.StringFixed(8))
	fmt.Fprintf(&sb, "• Valor atual: %s\n", alerting.FormatUSDDecimal(pnl.Value))
	fmt.Fprintf(&sb, "• P&amp;L: %s (%s%%)\n", alerting.FormatUSDDecimal(pnl.Profit), signedFixed(pnl.Percent.InexactFloat64(), 2))
	fmt.Fprintf(&sb, "• Breakeven: %s\n\n", alerting.FormatUSDDecimal(b.deps.Position.AvgPrice))
	fmt.Fprintf(&sb, "<i>Atualizado: %s</i>", b.now().In(b.deps.Location).Format("02/01 15:04"))
	return sb.String(), nil
}

func (b *Bot) cmdMarket(ctx context.Context, _ request) (string, error) {
	snap := b.deps.Market.Snapshot(ctx)
	if !snap.HasUSD() {
		return "❌ Erro ao analisar mercado. Tente novamente.", nil
	}
	p := snap.Price

	var sb strings.Builder
	sb.WriteString("📊 <b>BITCOIN MARKET OVERVIEW</b>\n\n")
	sb.WriteString("💰 <b>Preço:</b>\n")
	fmt.Fprintf(&sb, "• USD: %s\n", alerting.FormatUSD(p.USD))
	fmt.Fprintf(&sb, "• BRL: %s\n", alerting.FormatBRL(p.BRL))
	fmt.Fprintf(&sb, "• 24h: %+.2f%%\n\n", p.Change24h)
	sb.WriteString("📈 <b>Indicadores:</b>\n")
	fmt.Fprintf(&sb, "• RSI (14): %.1f - %s\n", snap.RSI, rsiStatus(snap.RSI))
	fmt.Fprintf(&sb, "• Fear &amp; Greed: %d - %s\n", snap.FearGreed.Value, fearGreedLabel(snap.FearGreed.Value))
	fmt.Fprintf(&sb, "• Dominância: %.1f%%\n\n", snap.Dominance)
	sb.WriteString("💱 <b>Derivativos:</b>\n")
	fmt.Fprintf(&sb, "• Funding Rate: %.4f%%\n", snap.FundingRate)
	fmt.Fprintf(&sb, "• Liquidações 24h: $%.1fM\n\n", snap.Liquidations.Total24h/1e6)
	sb.WriteString("📊 <b>Volume &amp; Cap:</b>\n")
	fmt.Fprintf(&sb, "• Volume 24h: $%.2fB\n", p.Volume24h/1e9)
	fmt.Fprintf(&sb, "• Market Cap: $%.2fT\n\n", p.MarketCap/1e12)
	if len(snap.Failures) > 0 {
		fmt.Fprintf(&sb, "⚠️ Fontes indisponíveis: %s\n\n", alerting.Escape(strings.Join(snap.Failures, ", ")))
	}
	fmt.Fprintf(&sb, "<i>Atualizado: %s</i>", b.now().In(b.deps.Location).Format("02/01 15:04"))
	return sb.String(), nil
}

func (b *Bot) cmdAlertAdd(ctx context.Context, req request) (string, error) {
	const help = "Uso: <code>/alert_add [valor] [USD/BRL] [above/below]</code>\nEx: <code>/alert_add 110000 USD</code>"
	if len(req.args) < 2 {
		return "", usage(help)
	}
	value, err := parseAmount(req.args[0])
	if err != nil {
		return "", usage("Valor inválido. Use números.\nEx: <code>/alert_add 110000 USD</code>")
	}
	currency, err := engine.ParseCurrency(req.args[1])
	if err != nil {
		return "", usage("Moeda deve ser USD ou BRL")
	}

	var current float64
	comparison, explicit := parseComparison(req.args[2:])
	if explicit && comparison == "" {
		return "", usage(help)
	}
	if !explicit {
		snap := b.deps.Market.Snapshot(ctx)
		current = snap.PriceIn(currency)
		if current <= 0 {
			return "", usage("Preço atual indisponível. Informe a direção: <code>/alert_add %s %s above</code>", alerting.Escape(req.args[0]), currency)
		}
		comparison = engine.InferComparison(value, current)
	}

	rule, err := b.deps.Store.CreateAlert(ctx, engine.Rule{
		ChatID:     req.chatID,
		Kind:       engine.KindPrice,
		Currency:   currency,
		Comparison: comparison,
		Value:      value,
		Status:     engine.StatusActive,
		CreatedAt:  b.now(),
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRule) {
			return "", usage("%s", alerting.Escape(err.Error()))
		}
		return "", fmt.Errorf("create alert: %w", err)
	}
	b.logger.Info().Int64("rule_id", rule.ID).Str("chat_id", req.chatID).Float64("value", value).Str("comparison", string(comparison)).Msg("alert created")

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ <b>Alerta #%d criado!</b>\n\n", rule.ID)
	fmt.Fprintf(&sb, "🎯 Alertar quando BTC %s %s\n", comparisonWord(comparison), formatIn(currency, value))
	if current > 0 {
		fmt.Fprintf(&sb, "💰 Preço atual: %s\n", formatIn(currency, current))
		fmt.Fprintf(&sb, "📊 Diferença: %.2f%%\n", math.Abs(value-current)/current*100)
	}
	sb.WriteString("\nUse /alert_list para ver todos os alertas.")
	return sb.String(), nil
}

func (b *Bot) cmdAlertChange(ctx context.Context, req request) (string, error) {
	if len(req.args) < 1 {
		return "", usage("Uso: <code>/alert_change [%%]</code>\nEx: <code>/alert_change 5</code>")
	}
	pct, err := parseAmount(strings.TrimSuffix(req.args[0], "%"))
	if err != nil || pct <= 0 {
		return "", usage("Percentual inválido. Use um número positivo.")
	}

	rule, err := b.deps.Store.CreateAlert(ctx, engine.Rule{
		ChatID:    req.chatID,
		Kind:      engine.KindChange,
		Currency:  engine.CurrencyUSD,
		Value:     pct,
		Status:    engine.StatusActive,
		CreatedAt: b.now(),
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRule) {
			return "", usage("%s", alerting.Escape(err.Error()))
		}
		return "", fmt.Errorf("create change alert: %w", err)
	}
	b.logger.Info().Int64("rule_id", rule.ID).Str("chat_id", req.chatID).Float64("pct", pct).Msg("change alert created")
	return fmt.Sprintf("✅ <b>Alerta #%d criado!</b>\n\n🎯 Alertar quando a variação 24h atingir ±%.2f%%", rule.ID, pct), nil
}

func (b *Bot) cmdAlertList(ctx context.Context, req request) (string, error) {
	rules, err := b.deps.Store.ActiveAlerts(ctx, req.chatID)
	if err != nil {
		return "", fmt.Errorf("list alerts: %w", err)
	}
	if len(rules) == 0 {
		return "📭 Você não tem alertas ativos.\nUse <code>/alert_add [valor] [moeda]</code> para criar.", nil
	}

	var sb strings.Builder
	sb.WriteString("🔔 <b>SEUS ALERTAS ATIVOS</b>\n")
	for _, r := range rules {
		status := "🟢"
		if r.RetryCount > 0 {
			status = "🔄"
		}
		fmt.Fprintf(&sb, "\n%s <b>Alerta #%d</b>\n", status, r.ID)
		if r.Kind == engine.KindChange {
			sb.WriteString("• Tipo: Variação\n")
			fmt.Fprintf(&sb, "• Valor: ±%.2f%%\n", r.Value)
		} else {
			sb.WriteString("• Tipo: Preço\n")
			fmt.Fprintf(&sb, "• Valor: %s\n", formatIn(r.Currency, r.Value))
			fmt.Fprintf(&sb, "• Condição: %s\n", r.Comparison)
		}
		fmt.Fprintf(&sb, "• Tentativas: %d/%d\n", r.RetryCount, b.deps.MaxRetries)
		fmt.Fprintf(&sb, "• Criado: %s\n", r.CreatedAt.In(b.deps.Location).Format("2006-01-02 15:04"))
	}
	sb.WriteString("\nUse <code>/alert_del [id]</code> para deletar")
	return sb.String(), nil
}

func (b *Bot) cmdAlertDel(ctx context.Context, req request) (string, error) {
	if len(req.args) < 1 {
		return "", usage("Uso: <code>/alert_del [id]</code>\nEx: <code>/alert_del 5</code>")
	}
	id, err := strconv.ParseInt(req.args[0], 10, 64)
	if err != nil {
		return "", usage("ID inválido. Use números.")
	}
	ok, err := b.deps.Store.DeleteAlert(ctx, id, req.chatID)
	if err != nil {
		return "", fmt.Errorf("delete alert %d: %w", id, err)
	}
	if !ok {
		return fmt.Sprintf("❌ Alerta #%d não encontrado ou não é seu.", id), nil
	}
	b.logger.Info().Int64("rule_id", id).Str("chat_id", req.chatID).Msg("alert deleted")
	return fmt.Sprintf("✅ Alerta #%d deletado com sucesso!", id), nil
}

func (b *Bot) cmdAck(ctx context.Context, req request) (string, error) {
	if len(req.args) < 1 {
		return "", usage("Uso: <code>/ack [id] [comentário opcional]</code>")
	}
	id, err := strconv.ParseInt(req.args[0], 10, 64)
	if err != nil {
		return "", usage("ID inválido.")
	}
	notes := strings.Join(req.args[1:], " ")

	ok, err := b.deps.Store.AcknowledgeAlert(ctx, id, notes, b.now())
	if err != nil {
		return "", fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if !ok {
		return fmt.Sprintf("❌ Alerta #%d não encontrado ou já confirmado.", id), nil
	}
	b.logger.Info().Int64("rule_id", id).Str("chat_id", req.chatID).Msg("alert acknowledged")

	msg := fmt.Sprintf("✅ Alerta #%d confirmado!", id)
	if notes != "" {
		msg += fmt.Sprintf("\n📝 Nota: <i>%s</i>", alerting.Escape(notes))
	}
	return msg, nil
}

func (b *Bot) cmdConfig(ctx context.Context, req request) (string, error) {
	qh, err := b.deps.Store.QuietHours(ctx, req.chatID)
	if err != nil {
		return "", fmt.Errorf("load owner config: %w", err)
	}
	if len(req.args) == 0 {
		return renderConfig(qh), nil
	}

	var reply string
	switch strings.ToLower(req.args[0]) {
	case "silent":
		if len(req.args) < 3 {
			return "", usage("Uso: <code>/config silent [início] [fim]</code>")
		}
		start, err1 := strconv.Atoi(req.args[1])
		end, err2 := strconv.Atoi(req.args[2])
		if err1 != nil || err2 != nil {
			return "", usage("Horas inválidas. Use números de 0 a 23.")
		}
		qh.SilentStart, qh.SilentEnd = start, end
		reply = fmt.Sprintf("✅ Horário silencioso configurado: %dh às %dh", start, end)
	case "timezone":
		if len(req.args) < 2 {
			return "", usage("Uso: <code>/config timezone [timezone]</code>")
		}
		qh.Timezone = req.args[1]
		reply = fmt.Sprintf("✅ Timezone alterado para: %s", alerting.Escape(qh.Timezone))
	case "notifications":
		if len(req.args) < 2 {
			return "", usage("Uso: <code>/config notifications [on/off]</code>")
		}
		on, ok := parseSwitch(req.args[1])
		if !ok {
			return "", usage("Use on ou off.")
		}
		qh.NotificationsEnabled = on
		reply = "✅ Notificações desativadas!"
		if on {
			reply = "✅ Notificações ativadas!"
		}
	default:
		return "", usage("Comando inválido. Use /config para ver opções.")
	}

	if err := b.deps.Store.UpdateQuietHours(ctx, qh); err != nil {
		if errors.Is(err, engine.ErrInvalidQuietHours) {
			return "", usage("Configuração inválida: %s", alerting.Escape(err.Error()))
		}
		return "", fmt.Errorf("update owner config: %w", err)
	}
	b.logger.Info().Str("chat_id", req.chatID).Str("setting", req.args[0]).Msg("owner config updated")
	return reply, nil
}

func renderConfig(qh engine.QuietHours) string {
	status := "Desativado ❌"
	if qh.NotificationsEnabled {
		status = "Ativado ✅"
	}
	var sb strings.Builder
	sb.WriteString("⚙️ <b>SUAS CONFIGURAÇÕES</b>\n\n")
	sb.WriteString("🕐 <b>Horário Silencioso:</b>\n")
	fmt.Fprintf(&sb, "• %dh às %dh\n", qh.SilentStart, qh.SilentEnd)
	fmt.Fprintf(&sb, "• Status: %s\n\n", status)
	fmt.Fprintf(&sb, "🌍 <b>Timezone:</b> %s\n", alerting.Escape(qh.Timezone))
	fmt.Fprintf(&sb, "🗣 <b>Idioma:</b> %s\n\n", alerting.Escape(qh.Language))
	sb.WriteString("<b>Comandos de configuração:</b>\n")
	sb.WriteString("• <code>/config silent [início] [fim]</code> - Horário silencioso\n")
	sb.WriteString("• <code>/config timezone [timezone]</code> - Fuso horário\n")
	sb.WriteString("• <code>/config notifications [on/off]</code> - Ativar/desativar\n\n")
	sb.WriteString("Ex: <code>/config silent 22 7</code> (silencioso das 22h às 7h)")
	return sb.String()
}

func (b *Bot) cmdDaily(ctx context.Context, req request) (string, error) {
	if b.deps.Digests == nil {
		return "❌ Resumos diários não estão disponíveis.", nil
	}
	if len(req.args) == 0 {
		status := "❌ Desativado"
		if b.deps.Digests.DigestsEnabled() {
			status = "✅ Ativado"
		}
		return "📅 <b>RESUMOS DIÁRIOS</b>\n\n" +
			"Status atual: " + status + "\n\n" +
			"<b>Horários programados:</b>\n" +
			"• 08:00 - Resumo Matinal\n" +
			"• 20:00 - Resumo Noturno\n" +
			"• 23:59 - Fechamento do Dia\n\n" +
			"<b>Comandos:</b>\n" +
			"• <code>/daily on</code> - Ativar resumos\n" +
			"• <code>/daily off</code> - Desativar resumos\n" +
			"• <code>/daily morning</code> - Resumo matinal agora\n" +
			"• <code>/daily evening</code> - Resumo noturno agora\n" +
			"• <code>/daily close</code> - Fechamento agora\n" +
			"• <code>/daily test</code> - Testar todos", nil
	}

	action := strings.ToLower(req.args[0])
	switch action {
	case "on":
		b.deps.Digests.SetDigestsEnabled(true)
		return "✅ Resumos diários ATIVADOS!", nil
	case "off":
		b.deps.Digests.SetDigestsEnabled(false)
		return "❌ Resumos diários DESATIVADOS!", nil
	case "test":
		parts := make([]string, 0, 3)
		for _, slot := range []alerting.DigestSlot{alerting.DigestMorning, alerting.DigestEvening, alerting.DigestClose} {
			text, err := b.deps.Digests.DigestPreview(ctx, slot)
			if err != nil {
				return "", fmt.Errorf("preview %s digest: %w", slot, err)
			}
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n\n────────\n\n"), nil
	}

	slot, ok := alerting.ParseDigestSlot(action)
	if !ok {
		return "", usage("Opção inválida. Use on, off, morning, evening, close ou test.")
	}
	text, err := b.deps.Digests.DigestPreview(ctx, slot)
	if err != nil {
		return "", fmt.Errorf("preview %s digest: %w", slot, err)
	}
	return text, nil
}

func parseAmount(v string) (float64, error) {
	v = strings.NewReplacer(",", "", "$", "", "R$", "").Replace(strings.TrimSpace(v))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid amount %q", v)
	}
	return f, nil
}

// parseComparison reads an optional direction argument. explicit is false
// when the user gave none.
func parseComparison(args []string) (cmp engine.Comparison, explicit bool) {
	if len(args) == 0 {
		return "", false
	}
	switch strings.ToLower(args[0]) {
	case "above", "acima", ">":
		return engine.Above, true
	case "below", "abaixo", "<":
		return engine.Below, true
	default:
		return "", true
	}
}

func parseSwitch(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "sim":
		return true, true
	case "off", "false", "0", "nao", "não":
		return false, true
	default:
		return false, false
	}
}

func comparisonWord(c engine.Comparison) string {
	if c == engine.Below {
		return "abaixo de"
	}
	return "acima de"
}

func formatIn(currency string, v float64) string {
	if currency == engine.CurrencyBRL {
		return alerting.FormatBRL(v)
	}
	return alerting.FormatUSD(v)
}

func signedFixed(v float64, places int) string {
	s := strconv.FormatFloat(v, 'f', places, 64)
	if v >= 0 {
		return "+" + s
	}
	return s
}

func rsiStatus(rsi float64) string {
	switch {
	case rsi <= 30:
		return "🔥 OVERSOLD"
	case rsi >= 70:
		return "❄️ OVERBOUGHT"
	default:
		return "✅ Normal"
	}
}

func fearGreedLabel(v int) string {
	switch {
	case v >= 75:
		return "🔥 Extreme Greed"
	case v >= 55:
		return "😊 Greed"
	case v >= 45:
		return "😐 Neutral"
	case v >= 25:
		return "😟 Fear"
	default:
		return "😱 Extreme Fear"
	}
}

var decimalTwo = decimal.NewFromInt(2)
