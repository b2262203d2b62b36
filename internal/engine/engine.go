package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"btcwatch/internal/dedup"
	"btcwatch/internal/market"
	"btcwatch/internal/metrics"
)

// Marker keys for the special conditions.
const (
	MarkerBreakeven   = "breakeven_alert_sent"
	MarkerLiquidation = "liquidation_alert_sent"
	MarkerPriceUpdate = "periodic_price_update"
)

// RSIMarker buckets RSI readings by their integer part.
func RSIMarker(rsi float64) string {
	return fmt.Sprintf("rsi_alert_%d", int(rsi))
}

// DecisionKind names what produced a Decision.
type DecisionKind string

const (
	DecisionRule        DecisionKind = "rule"
	DecisionBreakeven   DecisionKind = "breakeven"
	DecisionRSI         DecisionKind = "rsi"
	DecisionLiquidation DecisionKind = "liquidation"
	DecisionPriceUpdate DecisionKind = "price_update"
)

// RSI condition labels.
const (
	Oversold   = "OVERSOLD"
	Overbought = "OVERBOUGHT"
)

// Suppression reasons reported in logs and metrics.
const (
	ReasonQuietHours  = "quiet_hours"
	ReasonRetry       = "retry_backoff"
	ReasonMarker      = "marker"
	ReasonMarkerError = "marker_error"
)

// Decision is an instruction to deliver one notification. Rendering is left
// to the notifier; committing (retry bump or marker write) happens after a
// successful send.
type Decision struct {
	Kind        DecisionKind
	ChatID      string
	Rule        *Rule
	Attempt     int
	MaxAttempts int
	Observed    float64
	MarkerKey   string
	MarkerTTL   time.Duration
	Breakeven   float64
	DiffPct     float64
	RSI         float64
	Condition   string
	Snapshot    market.Snapshot
}

// AlertID returns the rule id, or nil for special conditions.
func (d Decision) AlertID() *int64 {
	if d.Rule == nil {
		return nil
	}
	id := d.Rule.ID
	return &id
}

// QuietHoursSource resolves an owner's quiet-hours record.
type QuietHoursSource interface {
	QuietHours(ctx context.Context, chatID string) (QuietHours, error)
}

// BreakevenChecker reports whether price sits within the breakeven band and
// its signed distance from the average cost in percent. Without one the
// engine applies AvgPrice and BreakevenThreshold itself.
type BreakevenChecker interface {
	CheckBreakevenProximity(price float64) (bool, float64)
}

// Options configure the engine. They are copied at construction.
type Options struct {
	Retry              RetryPolicy
	PrimaryChatID      string
	SpecialConditions  bool
	AvgPrice           float64
	BreakevenThreshold float64
	BreakevenTTL       time.Duration
	Breakeven          BreakevenChecker
	RSIOversold        float64
	RSIOverbought      float64
	RSITTL             time.Duration
	Liquidation        LiquidationOptions
	PriceUpdate        PriceUpdateOptions
}

// LiquidationOptions configure the estimated-liquidation alert.
type LiquidationOptions struct {
	Enabled   bool
	Threshold float64
	TTL       time.Duration
}

// PriceUpdateOptions configure the periodic price message.
type PriceUpdateOptions struct {
	Enabled  bool
	Interval time.Duration
}

// Engine decides which alerts fire and which are suppressed.
type Engine struct {
	opts    Options
	quiet   QuietHoursSource
	markers dedup.Cache
	logger  zerolog.Logger
}

// New constructs an Engine.
func New(opts Options, quiet QuietHoursSource, markers dedup.Cache, logger zerolog.Logger) *Engine {
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = 3
	}
	if opts.Retry.LongInterval <= 0 {
		opts.Retry.LongInterval = 15 * time.Minute
	}
	if opts.BreakevenTTL <= 0 {
		opts.BreakevenTTL = time.Hour
	}
	if opts.RSITTL <= 0 {
		opts.RSITTL = time.Hour
	}
	if opts.Liquidation.TTL <= 0 {
		opts.Liquidation.TTL = time.Hour
	}
	if opts.PriceUpdate.Interval <= 0 {
		opts.PriceUpdate.Interval = 30 * time.Minute
	}
	if markers == nil {
		markers = dedup.NewMemory()
	}
	return &Engine{
		opts:    opts,
		quiet:   quiet,
		markers: markers,
		logger:  logger.With().Str("component", "engine").Logger(),
	}
}

// EvaluateCycle returns one Decision per active rule whose predicate holds
// and which survives quiet-hours and retry suppression.
func (e *Engine) EvaluateCycle(ctx context.Context, snap market.Snapshot, rules []Rule, now time.Time) []Decision {
	silent := make(map[string]bool)
	var decisions []Decision

	for i := range rules {
		rule := rules[i]
		if !rule.Active() {
			continue
		}

		observed, ok := rule.Observe(snap)
		if !ok {
			e.logger.Debug().Int64("rule_id", rule.ID).Str("currency", rule.Currency).Msg("skip rule: price unavailable")
			continue
		}
		if !rule.Matches(observed) {
			continue
		}

		if e.isSilent(ctx, rule.ChatID, now, silent) {
			e.suppressed(DecisionRule, ReasonQuietHours).Int64("rule_id", rule.ID).Str("chat_id", rule.ChatID).Msg("alert deferred: quiet hours")
			continue
		}
		if !e.opts.Retry.Allow(rule, now) {
			e.suppressed(DecisionRule, ReasonRetry).Int64("rule_id", rule.ID).Int("retry_count", rule.RetryCount).Msg("alert held back: retry backoff")
			continue
		}

		decisions = append(decisions, e.emit(Decision{
			Kind:        DecisionRule,
			ChatID:      rule.ChatID,
			Rule:        &rule,
			Attempt:     rule.RetryCount + 1,
			MaxAttempts: e.opts.Retry.MaxRetries,
			Observed:    observed,
			Snapshot:    snap,
		}))
	}

	return decisions
}

func (e *Engine) breakevenProximity(price float64) (bool, float64) {
	if e.opts.Breakeven != nil {
		return e.opts.Breakeven.CheckBreakevenProximity(price)
	}
	return market.BreakevenProximity(price, e.opts.AvgPrice, e.opts.BreakevenThreshold)
}

// CheckSpecialConditions evaluates the fixed breakeven, RSI, liquidation and
// periodic update triggers for the primary owner.
func (e *Engine) CheckSpecialConditions(ctx context.Context, snap market.Snapshot, now time.Time) []Decision {
	if !e.opts.SpecialConditions || e.opts.PrimaryChatID == "" || !snap.HasUSD() {
		return nil
	}

	candidates := make([]Decision, 0, 4)

	if near, diff := e.breakevenProximity(snap.Price.USD); near {
		candidates = append(candidates, Decision{
			Kind:      DecisionBreakeven,
			Observed:  snap.Price.USD,
			Breakeven: e.opts.AvgPrice,
			DiffPct:   diff,
			MarkerKey: MarkerBreakeven,
			MarkerTTL: e.opts.BreakevenTTL,
		})
	}

	if rsi := snap.RSI; rsi <= e.opts.RSIOversold || rsi >= e.opts.RSIOverbought {
		condition := Overbought
		if rsi <= e.opts.RSIOversold {
			condition = Oversold
		}
		candidates = append(candidates, Decision{
			Kind:      DecisionRSI,
			Observed:  rsi,
			RSI:       rsi,
			Condition: condition,
			MarkerKey: RSIMarker(rsi),
			MarkerTTL: e.opts.RSITTL,
		})
	}

	if e.opts.Liquidation.Enabled && snap.Liquidations.Total24h >= e.opts.Liquidation.Threshold {
		candidates = append(candidates, Decision{
			Kind:      DecisionLiquidation,
			Observed:  snap.Liquidations.Total24h,
			MarkerKey: MarkerLiquidation,
			MarkerTTL: e.opts.Liquidation.TTL,
		})
	}

	if e.opts.PriceUpdate.Enabled {
		candidates = append(candidates, Decision{
			Kind:      DecisionPriceUpdate,
			Observed:  snap.Price.USD,
			MarkerKey: MarkerPriceUpdate,
			MarkerTTL: e.opts.PriceUpdate.Interval,
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	chatID := e.opts.PrimaryChatID
	if e.isSilent(ctx, chatID, now, make(map[string]bool)) {
		for _, c := range candidates {
			e.suppressed(c.Kind, ReasonQuietHours).Str("marker", c.MarkerKey).Msg("special condition deferred: quiet hours")
		}
		return nil
	}

	var decisions []Decision
	for _, c := range candidates {
		_, live, err := e.markers.Get(ctx, c.MarkerKey, now)
		if err != nil {
			e.suppressed(c.Kind, ReasonMarkerError).Err(err).Str("marker", c.MarkerKey).Msg("skip special condition: marker lookup failed")
			continue
		}
		if live {
			e.suppressed(c.Kind, ReasonMarker).Str("marker", c.MarkerKey).Msg("special condition already notified")
			continue
		}
		c.ChatID = chatID
		c.Snapshot = snap
		decisions = append(decisions, e.emit(c))
	}
	return decisions
}

// MarkDelivered writes the suppression marker of a delivered special condition.
func (e *Engine) MarkDelivered(ctx context.Context, d Decision, now time.Time) error {
	if d.MarkerKey == "" {
		return nil
	}
	if err := e.markers.Set(ctx, d.MarkerKey, "1", d.MarkerTTL, now); err != nil {
		return fmt.Errorf("set marker %s: %w", d.MarkerKey, err)
	}
	return nil
}

// SilentFor reports whether the owner is inside quiet hours at now. Lookup
// failures fail open.
func (e *Engine) SilentFor(ctx context.Context, chatID string, now time.Time) bool {
	return e.isSilent(ctx, chatID, now, make(map[string]bool))
}

func (e *Engine) isSilent(ctx context.Context, chatID string, now time.Time, memo map[string]bool) bool {
	if v, ok := memo[chatID]; ok {
		return v
	}
	silent := false
	if e.quiet != nil {
		cfg, err := e.quiet.QuietHours(ctx, chatID)
		if err != nil {
			e.logger.Error().Err(err).Str("chat_id", chatID).Msg("quiet hours lookup failed; delivering")
		} else if silent, err = cfg.SilentAt(now); err != nil {
			e.logger.Warn().Err(err).Str("chat_id", chatID).Msg("quiet hours misconfigured; delivering")
			silent = false
		}
	}
	memo[chatID] = silent
	return silent
}

func (e *Engine) emit(d Decision) Decision {
	metrics.DecisionsTotal.WithLabelValues(string(d.Kind)).Inc()
	return d
}

func (e *Engine) suppressed(kind DecisionKind, reason string) *zerolog.Event {
	metrics.SuppressedTotal.WithLabelValues(string(kind), reason).Inc()
	return e.logger.Info().Str("kind", string(kind)).Str("reason", reason)
}
