package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"btcwatch/internal/storage"
)

// Show prints the most recent delivered notifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListRecentHistory(ctx, opts.Limit)
	if err != nil {
		return err
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.JSON {
		if records == nil {
			records = []storage.HistoryRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return writeHistoryTable(out, records)
}

func writeHistoryTable(out io.Writer, records []storage.HistoryRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no history found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tKind\tAlert\tChat\tUSD\tBRL\tChange24h%\tMessage")

	for _, rec := range records {
		alertID := "-"
		if rec.AlertID != nil {
			alertID = fmt.Sprintf("%d", *rec.AlertID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.SentAt.UTC().Format(time.RFC3339),
			rec.Kind,
			alertID,
			rec.ChatID,
			formatDecimal(rec.PriceUSD, 2),
			formatDecimal(rec.PriceBRL, 2),
			formatDecimal(rec.Change24h, 2),
			truncate(sanitizeInline(rec.Message), 60),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func truncate(v string, max int) string {
	runes := []rune(v)
	if len(runes) <= max {
		return v
	}
	return string(runes[:max-1]) + "…"
}
