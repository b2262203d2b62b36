package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"btcwatch/internal/engine"
	"btcwatch/internal/storage"
)

// AlertInput describes a rule created from the command line.
type AlertInput struct {
	ChatID     string
	Kind       engine.Kind
	Value      float64
	Currency   string
	Comparison engine.Comparison
	Notes      string
}

func (a *App) owner(chatID string) string {
	if chatID != "" {
		return chatID
	}
	return a.Config.Telegram.ChatID
}

// AddAlert stores a new active rule. Price rules without a direction infer it
// from the live quote.
func (a *App) AddAlert(ctx context.Context, in AlertInput) (engine.Rule, error) {
	rt, err := a.newRuntime(ctx)
	if err != nil {
		return engine.Rule{}, err
	}
	defer rt.close()

	return a.addAlert(ctx, rt, in, time.Now())
}

func (a *App) addAlert(ctx context.Context, rt *runtime, in AlertInput, now time.Time) (engine.Rule, error) {
	currency, err := engine.ParseCurrency(in.Currency)
	if err != nil {
		return engine.Rule{}, err
	}
	rule := engine.Rule{
		ChatID:     a.owner(in.ChatID),
		Kind:       in.Kind,
		Currency:   currency,
		Comparison: in.Comparison,
		Value:      in.Value,
		Status:     engine.StatusActive,
		CreatedAt:  now,
		Notes:      in.Notes,
	}
	if rule.Kind == "" {
		rule.Kind = engine.KindPrice
	}
	if rule.Kind == engine.KindChange {
		rule.Currency = engine.CurrencyUSD
	}
	if rule.Kind == engine.KindPrice && rule.Comparison == "" {
		current := rt.provider.Snapshot(ctx).PriceIn(currency)
		if current <= 0 {
			return engine.Rule{}, fmt.Errorf("current %s price unavailable; pass --direction", currency)
		}
		rule.Comparison = engine.InferComparison(rule.Value, current)
	}
	if err := rule.Validate(); err != nil {
		return engine.Rule{}, err
	}

	created, err := rt.store.CreateAlert(ctx, rule)
	if err != nil {
		return engine.Rule{}, err
	}
	a.Logger.Info().Int64("rule_id", created.ID).Str("chat_id", created.ChatID).Msg("alert created")
	return created, nil
}

// ListAlerts prints every rule of the owner, active or not.
func (a *App) ListAlerts(ctx context.Context, chatID string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rules, err := store.ListAlerts(ctx, a.owner(chatID))
	if err != nil {
		return err
	}
	return writeAlertTable(os.Stdout, rules)
}

func writeAlertTable(out io.Writer, rules []engine.Rule) error {
	if len(rules) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tChat\tType\tCondition\tValue\tStatus\tRetries\tCreated (UTC)")
	for _, r := range rules {
		condition := string(r.Comparison)
		value := fmt.Sprintf("%.2f %s", r.Value, r.Currency)
		if r.Kind == engine.KindChange {
			condition = "abs"
			value = fmt.Sprintf("%.2f%%", r.Value)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.ChatID, r.Kind, condition, value, r.Status, r.RetryCount,
			r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

// AckAlert acknowledges a rule so it stops firing.
func (a *App) AckAlert(ctx context.Context, id int64, notes string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.AcknowledgeAlert(ctx, id, notes, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alert %d: %w", id, storage.ErrNotFound)
	}
	a.Logger.Info().Int64("rule_id", id).Msg("alert acknowledged")
	return nil
}

// DeleteAlert removes a rule owned by chatID.
func (a *App) DeleteAlert(ctx context.Context, id int64, chatID string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.DeleteAlert(ctx, id, a.owner(chatID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alert %d: %w", id, storage.ErrNotFound)
	}
	a.Logger.Info().Int64("rule_id", id).Msg("alert deleted")
	return nil
}
