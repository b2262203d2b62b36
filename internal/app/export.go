package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"btcwatch/internal/storage"
)

// Export renders delivery history as CSV and/or a PNG price chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListHistoryBetween(ctx, from, to)
	if err != nil {
		return err
	}
	records = filterKind(records, opts.Kind)
	if len(records) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterKind(records []storage.HistoryRecord, kind string) []storage.HistoryRecord {
	if kind == "" {
		return records
	}
	kept := records[:0:0]
	for _, rec := range records {
		if rec.Kind == kind {
			kept = append(kept, rec)
		}
	}
	return kept
}

func downsampleRecords(records []storage.HistoryRecord, max int) []storage.HistoryRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.HistoryRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeHistoryCSV(path string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"sent_at", "kind", "alert_id", "chat_id", "price_usd", "price_brl", "change_24h_pct", "volume_24h", "message"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		alertID := ""
		if rec.AlertID != nil {
			alertID = strconv.FormatInt(*rec.AlertID, 10)
		}
		record := []string{
			rec.SentAt.UTC().Format(time.RFC3339),
			rec.Kind,
			alertID,
			rec.ChatID,
			rec.PriceUSD.String(),
			rec.PriceBRL.String(),
			rec.Change24h.String(),
			rec.Volume24h.String(),
			sanitizeInline(rec.Message),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path string, records []storage.HistoryRecord) error {
	x := make([]time.Time, 0, len(records))
	price := make([]float64, 0, len(records))
	change := make([]float64, 0, len(records))

	for _, rec := range records {
		if !rec.PriceUSD.IsPositive() {
			continue
		}
		x = append(x, rec.SentAt)
		price = append(price, rec.PriceUSD.InexactFloat64())
		change = append(change, rec.Change24h.InexactFloat64())
	}
	// go-chart needs at least two points per series
	if len(x) < 2 {
		return errors.New("not enough priced records to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "BTC (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Change 24h (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "BTC/USD",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Change 24h %",
				XValues: x,
				YValues: change,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
