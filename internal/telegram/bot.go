package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btcwatch/internal/alerting"
	"btcwatch/internal/fetcher"
	"btcwatch/internal/market"
	"btcwatch/internal/metrics"
	"btcwatch/internal/storage"
)

// ErrUsage marks a command invoked with missing or malformed arguments. The
// message after the prefix is shown to the user as is.
var ErrUsage = errors.New("uso incorreto")

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Store is the persistence the commands need.
type Store interface {
	storage.AlertStore
	storage.ConfigStore
}

// DigestController exposes the runtime digest switch and on-demand rendering.
type DigestController interface {
	SetDigestsEnabled(on bool)
	DigestsEnabled() bool
	DigestPreview(ctx context.Context, slot alerting.DigestSlot) (string, error)
}

// Deps are the collaborators of the command layer.
type Deps struct {
	Store      Store
	Market     fetcher.SnapshotProvider
	Digests    DigestController
	Notifier   alerting.Notifier
	Position   market.Position
	Location   *time.Location
	MaxRetries int
}

// Options control who may use the bot.
type Options struct {
	OwnerChatID     string
	RestrictToOwner bool
}

type request struct {
	chatID string
	name   string
	args   []string
}

type command struct {
	handle func(ctx context.Context, req request) (string, error)
	// mutates reports whether the invocation changes state and therefore
	// requires the owner when restrictions are on.
	mutates func(args []string) bool
}

// Bot answers chat commands received through long polling.
type Bot struct {
	source   UpdateSource
	deps     Deps
	opts     Options
	commands map[string]command
	logger   zerolog.Logger
	now      func() time.Time
	retry    time.Duration
}

// New constructs a Bot. source may be nil when only Handle is used.
func New(source UpdateSource, deps Deps, opts Options, logger zerolog.Logger) *Bot {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 3
	}
	b := &Bot{
		source: source,
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "telegram_bot").Logger(),
		now:    time.Now,
		retry:  5 * time.Second,
	}
	b.commands = b.registry()
	return b
}

func always(_ []string) bool { return true }
func never(_ []string) bool  { return false }
func withArgs(args []string) bool {
	return len(args) > 0
}

func (b *Bot) registry() map[string]command {
	return map[string]command{
		"start":        {handle: b.cmdStart, mutates: never},
		"help":         {handle: b.cmdHelp, mutates: never},
		"price":        {handle: b.cmdPrice, mutates: never},
		"market":       {handle: b.cmdMarket, mutates: never},
		"alert_add":    {handle: b.cmdAlertAdd, mutates: always},
		"alert_change": {handle: b.cmdAlertChange, mutates: always},
		"alert_list":   {handle: b.cmdAlertList, mutates: never},
		"alert_del":    {handle: b.cmdAlertDel, mutates: always},
		"ack":          {handle: b.cmdAck, mutates: always},
		"config":       {handle: b.cmdConfig, mutates: withArgs},
		"daily":        {handle: b.cmdDaily, mutates: withArgs},
	}
}

// Run polls for updates until ctx is cancelled, answering each message.
func (b *Bot) Run(ctx context.Context) error {
	if b.source == nil {
		return fmt.Errorf("telegram update source not configured")
	}
	b.logger.Info().Msg("telegram bot started")

	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			b.logger.Info().Msg("telegram bot stopped")
			return err
		}

		updates, err := b.source.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn().Err(err).Dur("retry_in", b.retry).Msg("poll updates failed")
			select {
			case <-ctx.Done():
			case <-time.After(b.retry):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}
			chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
			reply := b.Handle(ctx, chatID, u.Message.Text)
			if reply == "" {
				continue
			}
			if err := b.deps.Notifier.Send(ctx, chatID, reply); err != nil {
				b.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to send reply")
			}
		}
	}
}

// Handle routes one incoming text and returns the HTML reply.
func (b *Bot) Handle(ctx context.Context, chatID, text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return b.handleFreeText(ctx, chatID, text)
	}

	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	req := request{chatID: chatID, name: name, args: fields[1:]}

	cmd, ok := b.commands[name]
	if !ok {
		metrics.CommandsTotal.WithLabelValues("unknown").Inc()
		return "🤔 Comando desconhecido. Digite /help para ver os comandos disponíveis."
	}
	metrics.CommandsTotal.WithLabelValues(name).Inc()

	if b.opts.RestrictToOwner && b.opts.OwnerChatID != "" && chatID != b.opts.OwnerChatID && cmd.mutates(req.args) {
		b.logger.Warn().Str("chat_id", chatID).Str("command", name).Msg("rejected command from non-owner chat")
		return "⛔ Este comando é restrito ao proprietário do bot."
	}

	reply, err := cmd.handle(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUsage) {
			return "❌ " + strings.TrimPrefix(err.Error(), ErrUsage.Error()+": ")
		}
		b.logger.Error().Err(err).Str("chat_id", chatID).Str("command", name).Msg("command failed")
		return fmt.Sprintf("❌ Erro ao processar /%s. Tente novamente.", name)
	}
	return reply
}

var (
	priceWords  = []string{"preço", "preco", "price", "valor", "quanto", "cotação"}
	marketWords = []string{"mercado", "market", "análise", "analise"}
	alertWords  = []string{"alerta", "alert", "aviso"}
)

func (b *Bot) handleFreeText(ctx context.Context, chatID, text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, priceWords):
		return b.Handle(ctx, chatID, "/price")
	case containsAny(lower, marketWords):
		return b.Handle(ctx, chatID, "/market")
	case containsAny(lower, alertWords):
		return "💡 Para gerenciar alertas:\n" +
			"• <code>/alert_add [valor] [moeda]</code> - Criar\n" +
			"• <code>/alert_list</code> - Listar\n" +
			"• <code>/alert_del [id]</code> - Deletar"
	default:
		return "🤔 Não entendi. Digite /help para ver os comandos disponíveis."
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
