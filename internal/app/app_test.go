package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"btcwatch/internal/alerting"
	"btcwatch/internal/config"
	"btcwatch/internal/dedup"
	"btcwatch/internal/engine"
	"btcwatch/internal/market"
	"btcwatch/internal/scheduler"
	"btcwatch/internal/storage"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`database:
  driver: sqlite
  sqlite_path: %s
telegram:
  chat_id: "1001"
`, filepath.Join(dir, "btcwatch.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewApp(cfg, zerolog.Nop())
}

func testRuntime(t *testing.T, a *App, snap market.Snapshot) *runtime {
	t.Helper()
	rt, err := a.newRuntime(context.Background())
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	t.Cleanup(rt.close)
	rt.provider = &staticProvider{snap: snap}
	return rt
}

func TestAddAlertInfersDirection(t *testing.T) {
	a := newTestApp(t)
	rt := testRuntime(t, a, market.Snapshot{Price: market.Price{USD: 100000, BRL: 608000}})
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	up, err := a.addAlert(ctx, rt, AlertInput{Value: 110000, Currency: "usd"}, now)
	if err != nil {
		t.Fatalf("addAlert: %v", err)
	}
	if up.Comparison != engine.Above || up.ChatID != "1001" || up.Kind != engine.KindPrice {
		t.Fatalf("unexpected rule %+v", up)
	}

	down, err := a.addAlert(ctx, rt, AlertInput{Value: 500000, Currency: "BRL"}, now)
	if err != nil {
		t.Fatalf("addAlert BRL: %v", err)
	}
	if down.Comparison != engine.Below {
		t.Fatalf("BRL target under market should wait for a fall, got %s", down.Comparison)
	}

	change, err := a.addAlert(ctx, rt, AlertInput{ChatID: "7", Kind: engine.KindChange, Value: 5, Currency: "BRL"}, now)
	if err != nil {
		t.Fatalf("addAlert change: %v", err)
	}
	if change.Currency != engine.CurrencyUSD || change.ChatID != "7" {
		t.Fatalf("change rule not normalised: %+v", change)
	}

	rules, err := rt.store.ListAlerts(ctx, "1001")
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules for owner, got %d", len(rules))
	}
}

func TestAddAlertWithoutQuoteNeedsDirection(t *testing.T) {
	a := newTestApp(t)
	rt := testRuntime(t, a, market.Snapshot{})
	ctx := context.Background()

	if _, err := a.addAlert(ctx, rt, AlertInput{Value: 110000}, time.Now()); err == nil {
		t.Fatal("expected error without live price")
	}
	rule, err := a.addAlert(ctx, rt, AlertInput{Value: 110000, Comparison: engine.Below}, time.Now())
	if err != nil {
		t.Fatalf("explicit direction: %v", err)
	}
	if rule.Comparison != engine.Below {
		t.Fatalf("comparison = %s", rule.Comparison)
	}

	_, err = a.addAlert(ctx, rt, AlertInput{Value: -1, Comparison: engine.Above}, time.Now())
	if !errors.Is(err, engine.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestAckAndDeleteAlert(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rule, err := a.AddAlert(ctx, AlertInput{Value: 90000, Comparison: engine.Below})
	if err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	if err := a.AckAlert(ctx, rule.ID, "vendido"); err != nil {
		t.Fatalf("AckAlert: %v", err)
	}
	if err := a.AckAlert(ctx, rule.ID, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second ack should report not found, got %v", err)
	}
	if err := a.DeleteAlert(ctx, rule.ID, "someone-else"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign delete should report not found, got %v", err)
	}
	if err := a.DeleteAlert(ctx, rule.ID, ""); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
}

func TestWriteAlertTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAlertTable(&buf, nil); err != nil {
		t.Fatalf("writeAlertTable: %v", err)
	}
	if !strings.Contains(buf.String(), "no alerts found") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	rules := []engine.Rule{
		{ID: 1, ChatID: "1001", Kind: engine.KindPrice, Comparison: engine.Above, Value: 120000, Currency: "USD", Status: engine.StatusActive},
		{ID: 2, ChatID: "1001", Kind: engine.KindChange, Value: 5, Currency: "USD", Status: engine.StatusActive, RetryCount: 2},
	}
	if err := writeAlertTable(&buf, rules); err != nil {
		t.Fatalf("writeAlertTable: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "120000.00 USD") || !strings.Contains(out, "5.00%") {
		t.Fatalf("table missing values:\n%s", out)
	}
}

func TestSimulatedSnapshot(t *testing.T) {
	a := newTestApp(t)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	snap := a.simulatedSnapshot(SimulateOptions{PriceUSD: 100000, Change24h: -6}, now)
	if snap.Price.BRL != 100000*a.Config.Market.FallbackUSDBRL {
		t.Fatalf("BRL should use fallback rate, got %v", snap.Price.BRL)
	}
	if snap.RSI != market.ApproximateRSI(-6) {
		t.Fatalf("rsi = %v", snap.RSI)
	}

	snap = a.simulatedSnapshot(SimulateOptions{PriceUSD: 100000, PriceBRL: 550000}, now)
	if snap.USDBRL != 5.5 {
		t.Fatalf("rate should derive from BRL price, got %v", snap.USDBRL)
	}
}

func TestSimulateAlertRequiresPrice(t *testing.T) {
	a := newTestApp(t)
	if err := a.SimulateAlert(context.Background(), SimulateOptions{}); err == nil {
		t.Fatal("expected error for zero price")
	}
}

func TestRegisterJobs(t *testing.T) {
	a := newTestApp(t)
	rt := testRuntime(t, a, market.Snapshot{})
	svc := a.newService(rt, nil, alerting.NewLogNotifier(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cal := scheduler.NewCalendar(ctx, time.UTC, zerolog.Nop())
	if err := a.registerJobs(cal, svc, rt.cache); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	if cal.Len() != 4 {
		t.Fatalf("expected 3 digests and 1 prune job, got %d", cal.Len())
	}

	a.Config.Digest.Evening.Enabled = false
	a.Config.History.Retention = 0
	cal = scheduler.NewCalendar(ctx, time.UTC, zerolog.Nop())
	if err := a.registerJobs(cal, svc, rt.cache); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	if cal.Len() != 2 {
		t.Fatalf("expected 2 jobs, got %d", cal.Len())
	}

	// 内存标记仍需定期清理
	cal = scheduler.NewCalendar(ctx, time.UTC, zerolog.Nop())
	if err := a.registerJobs(cal, svc, dedup.NewMemory()); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	if cal.Len() != 3 {
		t.Fatalf("expected prune job for in-memory markers, got %d jobs", cal.Len())
	}

	a.Config.Digest.Morning.Spec = "not a cron"
	cal = scheduler.NewCalendar(ctx, time.UTC, zerolog.Nop())
	if err := a.registerJobs(cal, svc, rt.cache); err == nil {
		t.Fatal("expected invalid cron expression error")
	}
}

func TestNewCacheBackends(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	rt := testRuntime(t, a, market.Snapshot{})

	cache, closer, err := a.newCache(ctx, rt.store)
	if err != nil {
		t.Fatalf("database backend: %v", err)
	}
	closer()
	if cache != rt.store {
		t.Fatal("database backend should reuse the store")
	}

	a.Config.Cache.Backend = "memory"
	cache, closer, err = a.newCache(ctx, rt.store)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	closer()
	if cache == rt.store {
		t.Fatal("memory backend should not reuse the store")
	}
}

func historyFixture(n int, start time.Time) []storage.HistoryRecord {
	out := make([]storage.HistoryRecord, n)
	for i := range out {
		out[i] = storage.HistoryRecord{
			ChatID:    "1001",
			Kind:      "rule",
			PriceUSD:  decimal.NewFromInt(int64(100000 + i*100)),
			PriceBRL:  decimal.NewFromInt(int64(608000 + i*600)),
			Change24h: decimal.NewFromFloat(float64(i) / 10),
			Message:   "linha\nquebrada",
			SentAt:    start.Add(time.Duration(i) * 5 * time.Minute),
		}
	}
	return out
}

func TestDownsampleRecords(t *testing.T) {
	records := historyFixture(10, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))

	if got := downsampleRecords(records, 0); len(got) != 10 {
		t.Fatalf("max 0 should keep everything, got %d", len(got))
	}
	got := downsampleRecords(records, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 records, got %d", len(got))
	}
	if !got[0].SentAt.Equal(records[0].SentAt) || !got[3].SentAt.Equal(records[9].SentAt) {
		t.Fatal("downsample must keep first and last records")
	}
	if got := downsampleRecords(records, 1); len(got) != 1 || !got[0].SentAt.Equal(records[9].SentAt) {
		t.Fatalf("max 1 should keep the newest record, got %+v", got)
	}
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	store, err := a.openStore(ctx)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	for _, rec := range historyFixture(5, time.Now().UTC().Add(-time.Hour)) {
		if _, err := store.RecordHistory(ctx, rec); err != nil {
			t.Fatalf("RecordHistory: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "history.csv")
	pngPath := filepath.Join(dir, "out", "history.png")
	if err := a.Export(ctx, ExportOptions{CSVPath: csvPath, PNGPath: pngPath}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected header + 5 rows, got %d", len(rows))
	}
	if rows[1][8] != "linha quebrada" {
		t.Fatalf("message should be single line, got %q", rows[1][8])
	}

	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}

func TestExportValidatesArguments(t *testing.T) {
	a := newTestApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without outputs")
	}
	from := time.Now()
	to := from.Add(-time.Hour)
	if err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &from, To: &to}); err == nil {
		t.Fatal("expected error when from is after to")
	}
}

func TestFilterKind(t *testing.T) {
	records := historyFixture(3, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	records[1].Kind = "digest_morning"

	if got := filterKind(records, ""); len(got) != 3 {
		t.Fatalf("empty kind should keep all, got %d", len(got))
	}
	got := filterKind(records, "digest_morning")
	if len(got) != 1 || !got[0].SentAt.Equal(records[1].SentAt) {
		t.Fatalf("unexpected filter result %+v", got)
	}
	if records[0].Kind != "rule" {
		t.Fatal("filter must not modify its input")
	}
}

func TestShowJSON(t *testing.T) {
	a := newTestApp(t)
	var buf bytes.Buffer
	if err := a.Show(context.Background(), ShowOptions{Limit: 5, JSON: true, Out: &buf}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("empty history should print [], got %q", buf.String())
	}
}

func TestWriteHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	id := int64(9)
	records := historyFixture(1, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	records[0].AlertID = &id
	if err := writeHistoryTable(&buf, records); err != nil {
		t.Fatalf("writeHistoryTable: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "2026-10-19T08:00:00Z") || !strings.Contains(out, "100000.00") || !strings.Contains(out, "linha quebrada") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}
