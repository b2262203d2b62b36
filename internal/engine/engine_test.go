package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"btcwatch/internal/dedup"
	"btcwatch/internal/market"
)

type fakeQuiet struct {
	configs map[string]QuietHours
	err     error
	calls   int
}

func (f *fakeQuiet) QuietHours(_ context.Context, chatID string) (QuietHours, error) {
	f.calls++
	if f.err != nil {
		return QuietHours{}, f.err
	}
	if cfg, ok := f.configs[chatID]; ok {
		return cfg, nil
	}
	return QuietHours{ChatID: chatID, Timezone: "UTC", SilentStart: 0, SilentEnd: 0, NotificationsEnabled: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// noon UTC, outside every default window used below.
var noon = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(quiet QuietHoursSource, markers dedup.Cache) *Engine {
	return New(Options{
		Retry:              RetryPolicy{MaxRetries: 3, LongInterval: 15 * time.Minute},
		PrimaryChatID:      "owner",
		SpecialConditions:  true,
		AvgPrice:           115318.90,
		BreakevenThreshold: 0.02,
		BreakevenTTL:       time.Hour,
		RSIOversold:        30,
		RSIOverbought:      70,
		RSITTL:             time.Hour,
	}, quiet, markers, testLogger())
}

func snapshot(usd, change float64) market.Snapshot {
	return market.Snapshot{
		Price:        market.Price{USD: usd, BRL: usd * 5.5, Change24h: change, Volume24h: 30e9},
		Liquidations: market.EstimateLiquidations(30e9),
		RSI:          market.ApproximateRSI(change),
		Timestamp:    noon,
	}
}

func priceRule(id int64, cmp Comparison, value float64) Rule {
	return Rule{ID: id, ChatID: "owner", Kind: KindPrice, Currency: CurrencyUSD, Comparison: cmp, Value: value, Status: StatusActive, CreatedAt: noon.Add(-time.Hour)}
}

func changeRule(id int64, value float64) Rule {
	return Rule{ID: id, ChatID: "owner", Kind: KindChange, Currency: CurrencyUSD, Value: value, Status: StatusActive, CreatedAt: noon.Add(-time.Hour)}
}

func TestThresholdBoundaries(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	cases := []struct {
		name  string
		rule  Rule
		price float64
		fires bool
	}{
		{"above fires over", priceRule(1, Above, 100000), 100001, true},
		{"above fires at equality", priceRule(1, Above, 100000), 100000, true},
		{"above silent under", priceRule(1, Above, 100000), 99999.99, false},
		{"below fires under", priceRule(1, Below, 100000), 99999, true},
		{"below fires at equality", priceRule(1, Below, 100000), 100000, true},
		{"below silent over", priceRule(1, Below, 100000), 100000.01, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.EvaluateCycle(context.Background(), snapshot(tc.price, 0), []Rule{tc.rule}, noon)
			if (len(got) == 1) != tc.fires {
				t.Fatalf("price %v fires=%v, want %v", tc.price, len(got) == 1, tc.fires)
			}
		})
	}
}

func TestBRLRuleUsesBRLPrice(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	rule := priceRule(7, Above, 600000)
	rule.Currency = CurrencyBRL

	snap := snapshot(110000, 0) // BRL 605000
	got := e.EvaluateCycle(context.Background(), snap, []Rule{rule}, noon)
	if len(got) != 1 || got[0].Observed != snap.Price.BRL {
		t.Fatalf("expected BRL rule to fire on BRL price, got %+v", got)
	}
}

func TestChangeBoundaries(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	rule := changeRule(2, 5)
	cases := []struct {
		change float64
		fires  bool
	}{
		{5, true},
		{-5, true},
		{7.5, true},
		{-9, true},
		{5 - 1e-9, false},
		{-(5 - 1e-9), false},
		{0, false},
	}
	for _, tc := range cases {
		got := e.EvaluateCycle(context.Background(), snapshot(100000, tc.change), []Rule{rule}, noon)
		if (len(got) == 1) != tc.fires {
			t.Errorf("change %v fires=%v, want %v", tc.change, len(got) == 1, tc.fires)
		}
	}
}

func TestAcknowledgedRulesAreIgnored(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	rule := priceRule(3, Above, 1)
	rule.Status = StatusAcknowledged
	if got := e.EvaluateCycle(context.Background(), snapshot(100000, 0), []Rule{rule}, noon); len(got) != 0 {
		t.Fatalf("acknowledged rule must not fire: %+v", got)
	}
}

func TestPartialSnapshotSkipsRules(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	rules := []Rule{priceRule(1, Below, 100000), changeRule(2, 0.1)}
	if got := e.EvaluateCycle(context.Background(), market.Snapshot{}, rules, noon); len(got) != 0 {
		t.Fatalf("rules must not fire without price data: %+v", got)
	}
	if got := e.CheckSpecialConditions(context.Background(), market.Snapshot{}, noon); len(got) != 0 {
		t.Fatalf("special conditions must not fire without price data: %+v", got)
	}
}

func TestQuietHoursWindows(t *testing.T) {
	wrap := map[int]bool{0: true, 12: false, 23: true, 6: true, 7: false}
	for hour, want := range wrap {
		if got := IsSilent(hour, 23, 7); got != want {
			t.Errorf("IsSilent(%d, 23, 7) = %v, want %v", hour, got, want)
		}
	}

	plain := map[int]bool{8: true, 19: true, 20: false, 7: false}
	for hour, want := range plain {
		if got := IsSilent(hour, 8, 20); got != want {
			t.Errorf("IsSilent(%d, 8, 20) = %v, want %v", hour, got, want)
		}
	}

	for hour := 0; hour < 24; hour++ {
		if IsSilent(hour, 5, 5) {
			t.Fatalf("equal start/end must never be silent (hour %d)", hour)
		}
	}
}

func TestQuietHoursSuppressesWithoutRetryBump(t *testing.T) {
	quiet := &fakeQuiet{configs: map[string]QuietHours{
		"owner": {ChatID: "owner", Timezone: "America/Sao_Paulo", SilentStart: 22, SilentEnd: 6, NotificationsEnabled: true},
	}}
	e := newTestEngine(quiet, dedup.NewMemory())

	// 02:00 UTC is 23:00 in São Paulo.
	now := time.Date(2025, 9, 2, 2, 0, 0, 0, time.UTC)
	rule := priceRule(4, Above, 115000)
	got := e.EvaluateCycle(context.Background(), snapshot(116000, 1), []Rule{rule}, now)
	if len(got) != 0 {
		t.Fatalf("rule must be suppressed during quiet hours: %+v", got)
	}
	if rule.RetryCount != 0 {
		t.Fatalf("retry count must stay unchanged, got %d", rule.RetryCount)
	}

	// 15:00 UTC is 12:00 local: delivered.
	later := time.Date(2025, 9, 2, 15, 0, 0, 0, time.UTC)
	if got := e.EvaluateCycle(context.Background(), snapshot(116000, 1), []Rule{rule}, later); len(got) != 1 {
		t.Fatalf("rule should fire outside quiet hours, got %d", len(got))
	}
}

func TestQuietHoursLookupIsMemoisedPerCycle(t *testing.T) {
	quiet := &fakeQuiet{}
	e := newTestEngine(quiet, dedup.NewMemory())
	rules := []Rule{priceRule(1, Above, 1), priceRule(2, Above, 1), priceRule(3, Above, 1)}
	if got := e.EvaluateCycle(context.Background(), snapshot(100000, 0), rules, noon); len(got) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(got))
	}
	if quiet.calls != 1 {
		t.Fatalf("expected a single quiet-hours lookup per owner, got %d", quiet.calls)
	}
}

func TestNotificationsDisabledSuppresses(t *testing.T) {
	quiet := &fakeQuiet{configs: map[string]QuietHours{
		"owner": {ChatID: "owner", Timezone: "UTC", SilentStart: 23, SilentEnd: 7, NotificationsEnabled: false},
	}}
	e := newTestEngine(quiet, dedup.NewMemory())
	if got := e.EvaluateCycle(context.Background(), snapshot(100000, 0), []Rule{priceRule(1, Above, 1)}, noon); len(got) != 0 {
		t.Fatalf("disabled notifications must suppress: %+v", got)
	}
}

func TestQuietHoursFailOpen(t *testing.T) {
	t.Run("lookup error", func(t *testing.T) {
		e := newTestEngine(&fakeQuiet{err: errors.New("db down")}, dedup.NewMemory())
		if got := e.EvaluateCycle(context.Background(), snapshot(100000, 0), []Rule{priceRule(1, Above, 1)}, noon); len(got) != 1 {
			t.Fatalf("lookup failure must fail open, got %d decisions", len(got))
		}
	})
	t.Run("bad timezone", func(t *testing.T) {
		quiet := &fakeQuiet{configs: map[string]QuietHours{
			"owner": {ChatID: "owner", Timezone: "Nowhere/Land", SilentStart: 0, SilentEnd: 23, NotificationsEnabled: true},
		}}
		e := newTestEngine(quiet, dedup.NewMemory())
		if got := e.EvaluateCycle(context.Background(), snapshot(100000, 0), []Rule{priceRule(1, Above, 1)}, noon); len(got) != 1 {
			t.Fatalf("misconfigured quiet hours must fail open, got %d decisions", len(got))
		}
	})
	t.Run("hour out of range", func(t *testing.T) {
		cfg := QuietHours{Timezone: "UTC", SilentStart: 30, SilentEnd: 2, NotificationsEnabled: true}
		silent, err := cfg.SilentAt(noon)
		if !errors.Is(err, ErrInvalidQuietHours) || silent {
			t.Fatalf("expected ErrInvalidQuietHours and not silent, got %v %v", silent, err)
		}
	})
}

func TestRetryBackoff(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	snap := snapshot(116000, 1)

	recent := noon.Add(-10 * time.Minute)
	rule := priceRule(5, Above, 115000)
	rule.RetryCount = 3
	rule.LastRetryAt = &recent
	if got := e.EvaluateCycle(context.Background(), snap, []Rule{rule}, noon); len(got) != 0 {
		t.Fatalf("exhausted rule retried 10m ago must be held back: %+v", got)
	}

	older := noon.Add(-20 * time.Minute)
	rule.LastRetryAt = &older
	got := e.EvaluateCycle(context.Background(), snap, []Rule{rule}, noon)
	if len(got) != 1 {
		t.Fatalf("exhausted rule retried 20m ago must fire, got %d", len(got))
	}
	if got[0].Attempt != 4 {
		t.Fatalf("expected attempt 4, got %d", got[0].Attempt)
	}

	rule.RetryCount = 2
	rule.LastRetryAt = &recent
	if got := e.EvaluateCycle(context.Background(), snap, []Rule{rule}, noon); len(got) != 1 {
		t.Fatal("rules still inside their retry budget fire every cycle")
	}
}

func TestRetryStateMachine(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, LongInterval: 15 * time.Minute}
	rule := priceRule(1, Above, 1)

	states := []RetryState{Fresh, Retrying, Retrying, Exhausted, Exhausted}
	for i, want := range states {
		if got := p.State(rule); got != want {
			t.Fatalf("step %d: state %s, want %s", i, got, want)
		}
		rule = Advance(rule, noon.Add(time.Duration(i)*time.Minute))
	}
	if rule.RetryCount != 5 || rule.LastRetryAt == nil || !rule.LastRetryAt.Equal(noon.Add(4*time.Minute)) {
		t.Fatalf("unexpected counters after advancing: %+v", rule)
	}

	if p.Allow(rule, rule.LastRetryAt.Add(15*time.Minute-time.Second)) {
		t.Fatal("exhausted rule must wait the long interval")
	}
	if !p.Allow(rule, rule.LastRetryAt.Add(15*time.Minute)) {
		t.Fatal("exhausted rule may fire once the long interval elapsed")
	}

	exhaustedNoTimestamp := priceRule(2, Above, 1)
	exhaustedNoTimestamp.RetryCount = 3
	if !p.Allow(exhaustedNoTimestamp, noon) {
		t.Fatal("missing lastRetryAt must not block delivery")
	}
}

func TestEndToEndThresholdDelivery(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, dedup.NewMemory())
	rule := priceRule(9, Above, 115000)

	got := e.EvaluateCycle(context.Background(), snapshot(116000, 1.0), []Rule{rule}, noon)
	if len(got) != 1 {
		t.Fatalf("expected exactly one decision, got %d", len(got))
	}
	d := got[0]
	if d.Kind != DecisionRule || d.Rule == nil || d.Rule.ID != 9 || d.Attempt != 1 || d.ChatID != "owner" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if id := d.AlertID(); id == nil || *id != 9 {
		t.Fatalf("decision should carry the alert id")
	}

	delivered := Advance(*d.Rule, noon)
	if delivered.RetryCount != 1 {
		t.Fatalf("retry count should become 1 after delivery, got %d", delivered.RetryCount)
	}
	if delivered.Status != StatusActive {
		t.Fatal("delivery must not change status")
	}
}

func TestBreakevenMarkerIdempotence(t *testing.T) {
	markers := dedup.NewMemory()
	e := newTestEngine(&fakeQuiet{}, markers)
	snap := snapshot(116000, 0.5) // RSI 52, only breakeven fires
	ctx := context.Background()

	first := e.CheckSpecialConditions(ctx, snap, noon)
	if len(first) != 1 || first[0].Kind != DecisionBreakeven {
		t.Fatalf("expected one breakeven decision, got %+v", first)
	}
	if math.Abs(first[0].DiffPct-0.59) > 0.01 {
		t.Fatalf("expected diff ~+0.59%%, got %.4f", first[0].DiffPct)
	}
	if err := e.MarkDelivered(ctx, first[0], noon); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	if second := e.CheckSpecialConditions(ctx, snap, noon.Add(5*time.Minute)); len(second) != 0 {
		t.Fatalf("second call within ttl must be suppressed: %+v", second)
	}

	third := e.CheckSpecialConditions(ctx, snap, noon.Add(61*time.Minute))
	if len(third) != 1 {
		t.Fatalf("after ttl expiry exactly one more decision expected, got %d", len(third))
	}
}

type fixedBand struct {
	near  bool
	diff  float64
	calls int
}

func (f *fixedBand) CheckBreakevenProximity(float64) (bool, float64) {
	f.calls++
	return f.near, f.diff
}

func TestBreakevenUsesInjectedChecker(t *testing.T) {
	band := &fixedBand{near: true, diff: -1.25}
	e := New(Options{
		PrimaryChatID:     "owner",
		SpecialConditions: true,
		AvgPrice:          115318.90,
		Breakeven:         band,
		RSIOversold:       30,
		RSIOverbought:     70,
	}, &fakeQuiet{}, dedup.NewMemory(), testLogger())

	// 90000 is far outside the configured band; only the checker decides.
	got := e.CheckSpecialConditions(context.Background(), snapshot(90000, 0.5), noon)
	if band.calls != 1 {
		t.Fatalf("checker calls = %d", band.calls)
	}
	if len(got) != 1 || got[0].Kind != DecisionBreakeven || got[0].DiffPct != -1.25 {
		t.Fatalf("unexpected decisions %+v", got)
	}

	band.near = false
	if got := e.CheckSpecialConditions(context.Background(), snapshot(116000, 0.5), noon); len(got) != 0 {
		t.Fatalf("checker said no, got %+v", got)
	}
}

func TestRSIMarkerBuckets(t *testing.T) {
	markers := dedup.NewMemory()
	e := newTestEngine(&fakeQuiet{}, markers)
	ctx := context.Background()

	snap := snapshot(90000, -6) // RSI 24, breakeven far away
	got := e.CheckSpecialConditions(ctx, snap, noon)
	if len(got) != 1 || got[0].Kind != DecisionRSI || got[0].Condition != Oversold || got[0].MarkerKey != "rsi_alert_24" {
		t.Fatalf("unexpected RSI decision: %+v", got)
	}
	_ = e.MarkDelivered(ctx, got[0], noon)

	if again := e.CheckSpecialConditions(ctx, snap, noon.Add(time.Minute)); len(again) != 0 {
		t.Fatalf("same RSI bucket must be suppressed: %+v", again)
	}

	other := snapshot(90000, -7) // RSI 23
	if next := e.CheckSpecialConditions(ctx, other, noon.Add(time.Minute)); len(next) != 1 || next[0].MarkerKey != "rsi_alert_23" {
		t.Fatalf("a new RSI bucket must notify again: %+v", next)
	}

	high := snapshot(90000, 8) // RSI 78
	if hi := e.CheckSpecialConditions(ctx, high, noon); len(hi) != 1 || hi[0].Condition != Overbought {
		t.Fatalf("expected overbought decision: %+v", hi)
	}
}

func TestSpecialConditionsQuietHours(t *testing.T) {
	quiet := &fakeQuiet{configs: map[string]QuietHours{
		"owner": {ChatID: "owner", Timezone: "UTC", SilentStart: 8, SilentEnd: 20, NotificationsEnabled: true},
	}}
	markers := dedup.NewMemory()
	e := newTestEngine(quiet, markers)

	if got := e.CheckSpecialConditions(context.Background(), snapshot(116000, 0), noon); len(got) != 0 {
		t.Fatalf("special conditions must respect quiet hours: %+v", got)
	}
	if markers.Len() != 0 {
		t.Fatal("suppressed conditions must not write markers")
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, time.Time) (string, bool, error) {
	return "", false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, string, time.Duration, time.Time) error {
	return errors.New("cache down")
}

func TestMarkerErrorsSkipCondition(t *testing.T) {
	e := newTestEngine(&fakeQuiet{}, brokenCache{})
	if got := e.CheckSpecialConditions(context.Background(), snapshot(116000, 0), noon); len(got) != 0 {
		t.Fatalf("marker lookup failure should skip the condition this cycle: %+v", got)
	}
	if err := e.MarkDelivered(context.Background(), Decision{MarkerKey: "k", MarkerTTL: time.Minute}, noon); err == nil {
		t.Fatal("expected marker write error")
	}
}

func TestOptionalConditions(t *testing.T) {
	e := New(Options{
		PrimaryChatID:     "owner",
		SpecialConditions: true,
		AvgPrice:          50000,
		RSIOversold:       30,
		RSIOverbought:     70,
		Liquidation:       LiquidationOptions{Enabled: true, Threshold: 10_000_000},
		PriceUpdate:       PriceUpdateOptions{Enabled: true, Interval: 30 * time.Minute},
	}, &fakeQuiet{}, dedup.NewMemory(), testLogger())

	got := e.CheckSpecialConditions(context.Background(), snapshot(100000, 0), noon)
	kinds := map[DecisionKind]bool{}
	for _, d := range got {
		kinds[d.Kind] = true
	}
	if !kinds[DecisionLiquidation] || !kinds[DecisionPriceUpdate] || len(got) != 2 {
		t.Fatalf("expected liquidation and price update decisions, got %+v", kinds)
	}
}

func TestNoPrimaryChatDisablesSpecialConditions(t *testing.T) {
	e := New(Options{SpecialConditions: true, AvgPrice: 116000, BreakevenThreshold: 0.02, RSIOversold: 30, RSIOverbought: 70}, &fakeQuiet{}, nil, testLogger())
	if got := e.CheckSpecialConditions(context.Background(), snapshot(116000, 0), noon); len(got) != 0 {
		t.Fatalf("no primary chat means no special conditions: %+v", got)
	}
}

func TestRuleValidate(t *testing.T) {
	valid := priceRule(0, Above, 100)
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	bad := []Rule{
		{ChatID: "", Kind: KindPrice, Currency: CurrencyUSD, Comparison: Above, Value: 1},
		{ChatID: "a", Kind: KindPrice, Currency: CurrencyUSD, Comparison: "sideways", Value: 1},
		{ChatID: "a", Kind: "volume", Currency: CurrencyUSD, Value: 1},
		{ChatID: "a", Kind: KindChange, Currency: "EUR", Value: 1},
		{ChatID: "a", Kind: KindChange, Currency: CurrencyUSD, Value: -1},
		{ChatID: "a", Kind: KindChange, Currency: CurrencyUSD, Value: math.NaN()},
	}
	for i, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("case %d: expected ErrInvalidRule, got %v", i, err)
		}
	}
}

func TestInferComparisonAndCurrency(t *testing.T) {
	if InferComparison(120000, 110000) != Above || InferComparison(100000, 110000) != Below || InferComparison(110000, 110000) != Below {
		t.Fatal("unexpected inferred comparison")
	}
	if c, err := ParseCurrency("brl"); err != nil || c != CurrencyBRL {
		t.Fatalf("ParseCurrency(brl) = %q, %v", c, err)
	}
	if c, _ := ParseCurrency(""); c != CurrencyUSD {
		t.Fatal("empty currency defaults to USD")
	}
	if _, err := ParseCurrency("eur"); err == nil {
		t.Fatal("EUR must be rejected")
	}
}
