package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"btcwatch/internal/alerting"
	"btcwatch/internal/config"
	"btcwatch/internal/engine"
	"btcwatch/internal/market"
	"btcwatch/internal/metrics"
	"btcwatch/internal/storage"
)

const owner = "4242"

type stubProvider struct {
	snap market.Snapshot
}

func (p *stubProvider) Snapshot(context.Context) market.Snapshot { return p.snap }

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []string
	err    error
	onSend func()
}

func (n *recordingNotifier) Send(_ context.Context, chatID, text string) error {
	if n.err != nil {
		return n.err
	}
	if n.onSend != nil {
		n.onSend()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, chatID+"|"+text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	notifier *recordingNotifier
	provider *stubProvider
}

func newFixture(t *testing.T, now time.Time, special bool) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Telegram.ChatID = owner
	cfg.History.Retention = 24 * time.Hour
	cfg.Digest.Enabled = true

	store := storage.NewMemory(engine.QuietHours{Timezone: "UTC", SilentStart: 23, SilentEnd: 7, NotificationsEnabled: true})
	eng := engine.New(engine.Options{
		PrimaryChatID:      owner,
		SpecialConditions:  special,
		AvgPrice:           115318.90,
		BreakevenThreshold: 0.02,
		RSIOversold:        30,
		RSIOverbought:      70,
	}, store, store, zerolog.Nop())

	provider := &stubProvider{snap: market.Snapshot{
		Price:     market.Price{USD: 116000, BRL: 630000, Change24h: 1.2, Volume24h: 30e9},
		FearGreed: market.FearGreed{Value: 60, Classification: "Greed"},
		RSI:       54.8,
		Timestamp: now,
	}}
	notifier := &recordingNotifier{}
	renderer := alerting.NewRenderer(market.NewPosition(0.08282513, 115318.90), time.UTC)

	svc := New(cfg, nil, provider, store, eng, renderer, notifier, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, store: store, notifier: notifier, provider: provider}
}

func (f *fixture) addRule(t *testing.T, value float64, cmp engine.Comparison) engine.Rule {
	t.Helper()
	rule, err := f.store.CreateAlert(context.Background(), engine.Rule{
		ChatID:     owner,
		Kind:       engine.KindPrice,
		Currency:   engine.CurrencyUSD,
		Comparison: cmp,
		Value:      value,
	})
	if err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}
	return rule
}

func TestProcessCycleDeliversAndCommits(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	rule := f.addRule(t, 115000, engine.Above)
	okBefore := testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues("ok"))
	sentBefore := testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues(string(engine.DecisionRule), "ok"))

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if got := testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Fatalf("ok cycles delta = %v", got)
	}
	if got := testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues(string(engine.DecisionRule), "ok")) - sentBefore; got != 1 {
		t.Fatalf("delivery counter delta = %v", got)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("应发送 1 条消息, 实际 %d", f.notifier.count())
	}
	if !strings.HasPrefix(f.notifier.sent[0], owner+"|") || !strings.Contains(f.notifier.sent[0], "$116,000.00") {
		t.Fatalf("unexpected message %q", f.notifier.sent[0])
	}

	got, err := f.store.GetAlert(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.RetryCount != 1 || got.LastRetryAt == nil || !got.LastRetryAt.Equal(now) {
		t.Fatalf("retry state not committed: %+v", got)
	}

	history, err := f.store.ListRecentHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentHistory: %v", err)
	}
	if len(history) != 1 || history[0].AlertID == nil || *history[0].AlertID != rule.ID {
		t.Fatalf("history = %+v", history)
	}
	if history[0].PriceUSD.String() != "116000" {
		t.Fatalf("history price = %s", history[0].PriceUSD)
	}

	snap, ok := f.svc.LastSnapshot()
	if !ok || snap.Price.USD != 116000 {
		t.Fatalf("LastSnapshot = %+v, %v", snap, ok)
	}
}

func TestProcessCycleRespectsQuietHours(t *testing.T) {
	now := time.Date(2026, 10, 1, 23, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	rule := f.addRule(t, 115000, engine.Above)
	if err := f.store.UpdateQuietHours(context.Background(), engine.QuietHours{
		ChatID: owner, Timezone: "UTC", SilentStart: 22, SilentEnd: 6, NotificationsEnabled: true,
	}); err != nil {
		t.Fatalf("UpdateQuietHours: %v", err)
	}

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("静默时段不应发送, 实际 %d", f.notifier.count())
	}
	got, _ := f.store.GetAlert(context.Background(), rule.ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry count should be unchanged, got %d", got.RetryCount)
	}
}

func TestFailedSendLeavesStateUntouched(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, true)
	rule := f.addRule(t, 115000, engine.Above)
	f.notifier.err = errors.New("telegram down")

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("a failed send is not a cycle failure: %v", err)
	}

	got, _ := f.store.GetAlert(context.Background(), rule.ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry count bumped without delivery: %d", got.RetryCount)
	}
	if _, live, _ := f.store.Get(context.Background(), engine.MarkerBreakeven, now); live {
		t.Fatal("breakeven marker written without delivery")
	}
	history, _ := f.store.ListRecentHistory(context.Background(), 10)
	if len(history) != 0 {
		t.Fatalf("history written without delivery: %+v", history)
	}
}

func TestAckDuringCycleKeepsRetryCount(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	rule := f.addRule(t, 115000, engine.Above)
	// /ack 在发送期间到达
	f.notifier.onSend = func() {
		if ok, err := f.store.AcknowledgeAlert(context.Background(), rule.ID, "", now); err != nil || !ok {
			t.Errorf("AcknowledgeAlert = %v, %v", ok, err)
		}
	}

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected the in-flight message to go out, got %d", f.notifier.count())
	}
	got, _ := f.store.GetAlert(context.Background(), rule.ID)
	if got.Status != engine.StatusAcknowledged || got.RetryCount != 0 {
		t.Fatalf("acknowledged rule had its retry bumped: %+v", got)
	}
}

func TestSpecialConditionSentOncePerMarker(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, true)

	for i := 0; i < 2; i++ {
		if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
			t.Fatalf("ProcessCycle #%d: %v", i, err)
		}
	}
	if f.notifier.count() != 1 {
		t.Fatalf("breakeven alert should be sent once, got %d", f.notifier.count())
	}
	if !strings.Contains(f.notifier.sent[0], "BREAKEVEN") {
		t.Fatalf("unexpected message %q", f.notifier.sent[0])
	}

	later := now.Add(61 * time.Minute)
	f.svc.now = func() time.Time { return later }
	if err := f.svc.ProcessCycle(context.Background(), later); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.notifier.count() != 2 {
		t.Fatalf("marker expired, alert should fire again; got %d", f.notifier.count())
	}
}

func TestProcessCycleWithoutPriceSendsNothing(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, true)
	f.addRule(t, 1, engine.Above)
	f.provider.snap = market.Snapshot{RSI: market.NeutralRSI, Failures: []string{"price"}}

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("nothing should be sent without a price, got %d", f.notifier.count())
	}
}

func TestSendDigest(t *testing.T) {
	now := time.Date(2026, 10, 1, 11, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	ctx := context.Background()

	f.svc.SetDigestsEnabled(false)
	if err := f.svc.SendDigest(ctx, alerting.DigestMorning); err != nil {
		t.Fatalf("SendDigest disabled: %v", err)
	}
	if f.notifier.count() != 0 {
		t.Fatal("disabled digest was sent")
	}

	f.svc.SetDigestsEnabled(true)
	if err := f.svc.SendDigest(ctx, alerting.DigestMorning); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}
	if f.notifier.count() != 1 || !strings.Contains(f.notifier.sent[0], "BOM DIA") {
		t.Fatalf("morning digest not delivered: %v", f.notifier.sent)
	}
	history, _ := f.store.ListRecentHistory(ctx, 10)
	if len(history) != 1 || history[0].Kind != "digest_morning" {
		t.Fatalf("digest history = %+v", history)
	}

	silentAt := time.Date(2026, 10, 1, 23, 59, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return silentAt }
	if err := f.svc.SendDigest(ctx, alerting.DigestClose); err != nil {
		t.Fatalf("SendDigest silent: %v", err)
	}
	if f.notifier.count() != 1 {
		t.Fatal("digest sent inside quiet hours")
	}
}

func TestDigestPreviewIgnoresToggle(t *testing.T) {
	now := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	f.svc.SetDigestsEnabled(false)

	text, err := f.svc.DigestPreview(context.Background(), alerting.DigestEvening)
	if err != nil {
		t.Fatalf("DigestPreview: %v", err)
	}
	if !strings.Contains(text, "RESUMO NOTURNO") {
		t.Fatalf("preview = %q", text)
	}
	if f.notifier.count() != 0 {
		t.Fatal("preview must not send")
	}
}

func TestPruneHistory(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	ctx := context.Background()

	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		if _, err := f.store.RecordHistory(ctx, storage.HistoryRecord{ChatID: owner, Kind: "rule", SentAt: at}); err != nil {
			t.Fatalf("RecordHistory: %v", err)
		}
	}

	n, err := f.svc.PruneHistory(ctx, now)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}
	left, _ := f.store.ListRecentHistory(ctx, 10)
	if len(left) != 1 {
		t.Fatalf("remaining = %d", len(left))
	}
}

type stubLocker struct {
	storage.Store
	acquired bool
	calls    int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls++
	return func() {}, l.acquired, nil
}

func TestCycleSkippedWhenLockHeldElsewhere(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now, false)
	f.addRule(t, 115000, engine.Above)

	locker := &stubLocker{Store: f.store}
	f.svc.locker = locker
	f.svc.lockKey = 7

	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if locker.calls != 1 || f.notifier.count() != 0 {
		t.Fatalf("cycle should be skipped, calls=%d sent=%d", locker.calls, f.notifier.count())
	}

	locker.acquired = true
	if err := f.svc.ProcessCycle(context.Background(), now); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("cycle with lock should deliver, sent=%d", f.notifier.count())
	}
}
