package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"btcwatch/internal/app"
	"btcwatch/internal/engine"
)

var (
	alertChatID    string
	alertCurrency  string
	alertDirection string
	alertChange    bool
	alertNotes     string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage alert rules without Telegram",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add <value>",
	Short: "Create a price rule, or a 24h change rule with --change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(strings.TrimSuffix(args[0], "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[0], err)
		}

		in := app.AlertInput{
			ChatID:   alertChatID,
			Kind:     engine.KindPrice,
			Value:    value,
			Currency: alertCurrency,
			Notes:    alertNotes,
		}
		if alertChange {
			in.Kind = engine.KindChange
		}
		switch strings.ToLower(alertDirection) {
		case "":
		case "above", "acima":
			in.Comparison = engine.Above
		case "below", "abaixo":
			in.Comparison = engine.Below
		default:
			return fmt.Errorf("--direction must be above or below")
		}

		rule, err := getApp().AddAlert(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created alert #%d (%s %s %.2f %s)\n", rule.ID, rule.Kind, rule.Comparison, rule.Value, rule.Currency)
		return nil
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every rule of the owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertChatID)
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <id> [notes...]",
	Short: "Acknowledge a rule so it stops firing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := getApp().AckAlert(cmd.Context(), id, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "acknowledged alert #%d\n", id)
		return nil
	},
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := getApp().DeleteAlert(cmd.Context(), id, alertChatID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted alert #%d\n", id)
		return nil
	},
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid alert id %q", v)
	}
	return id, nil
}

func init() {
	alertsCmd.PersistentFlags().StringVar(&alertChatID, "chat-id", "", "Owner chat id (defaults to telegram.chat_id)")

	alertsAddCmd.Flags().StringVar(&alertCurrency, "currency", "USD", "Quote currency: USD or BRL")
	alertsAddCmd.Flags().StringVar(&alertDirection, "direction", "", "above or below (inferred from the live price when empty)")
	alertsAddCmd.Flags().BoolVar(&alertChange, "change", false, "Create a 24h change rule; value is a percentage")
	alertsAddCmd.Flags().StringVar(&alertNotes, "notes", "", "Free-form note stored with the rule")

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsAckCmd, alertsDeleteCmd)
}
