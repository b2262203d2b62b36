package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"btcwatch/internal/alerting"
	"btcwatch/internal/config"
	"btcwatch/internal/engine"
	"btcwatch/internal/fetcher"
	"btcwatch/internal/market"
	"btcwatch/internal/metrics"
	"btcwatch/internal/scheduler"
	"btcwatch/internal/storage"
)

// Service orchestrates fetching, evaluation, delivery and persistence.
type Service struct {
	scheduler *scheduler.Scheduler
	provider  fetcher.SnapshotProvider
	store     storage.Store
	engine    *engine.Engine
	renderer  *alerting.Renderer
	notifier  alerting.Notifier
	logger    zerolog.Logger

	primaryChat  string
	fetchTimeout time.Duration
	retention    time.Duration
	locker       storage.Locker
	lockKey      int64

	// mu serialises cycles started by the loop with manual triggers.
	mu sync.Mutex

	snapMu   sync.RWMutex
	lastSnap market.Snapshot
	hasSnap  bool

	digestsOn atomic.Bool
	now       func() time.Time
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, provider fetcher.SnapshotProvider, store storage.Store, eng *engine.Engine, renderer *alerting.Renderer, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.Locker
	if l, ok := store.(storage.Locker); ok {
		locker = l
	}

	s := &Service{
		scheduler:    sched,
		provider:     provider,
		store:        store,
		engine:       eng,
		renderer:     renderer,
		notifier:     notifier,
		logger:       logger.With().Str("component", "service").Logger(),
		primaryChat:  cfg.Telegram.ChatID,
		fetchTimeout: cfg.Scheduler.FetchTimeout,
		retention:    cfg.History.Retention,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		now:          time.Now,
	}
	s.digestsOn.Store(cfg.Digest.Enabled)
	return s
}

// Run begins the evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle 执行一次完整的评估周期：抓取行情、评估规则、推送并提交状态。
func (s *Service) ProcessCycle(ctx context.Context, bucket time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return err
	}
	if !proceed {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	logger := s.logger.With().Str("cycle_id", uuid.NewString()).Time("bucket", bucket).Logger()

	err = s.executeCycle(ctx, logger)

	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	metrics.LastCycleTimestamp.SetToCurrentTime()
	return nil
}

func (s *Service) executeCycle(ctx context.Context, logger zerolog.Logger) error {
	snap := s.fetchSnapshot(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.setLastSnapshot(snap)

	if !snap.HasUSD() {
		logger.Warn().Strs("failures", snap.Failures).Msg("no usable price this cycle")
	}

	var cycleErr error
	rules, err := s.store.ActiveAlerts(ctx, "")
	if err != nil {
		cycleErr = fmt.Errorf("load active alerts: %w", err)
		logger.Error().Err(err).Msg("failed to load active alerts")
	}
	metrics.ActiveRules.Set(float64(len(rules)))

	now := s.now()
	decisions := s.engine.EvaluateCycle(ctx, snap, rules, now)
	decisions = append(decisions, s.engine.CheckSpecialConditions(ctx, snap, now)...)

	sent := 0
	for _, d := range decisions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.deliver(ctx, logger, d, now) {
			sent++
		}
	}

	logger.Info().
		Float64("price_usd", snap.Price.USD).
		Float64("rsi", snap.RSI).
		Int("rules", len(rules)).
		Int("decisions", len(decisions)).
		Int("sent", sent).
		Msg("cycle complete")

	return cycleErr
}

// deliver sends one decision and commits its state only after the send
// succeeded. It reports whether the message went out.
func (s *Service) deliver(ctx context.Context, logger zerolog.Logger, d engine.Decision, now time.Time) bool {
	kind := string(d.Kind)
	text := s.renderer.Render(d)

	event := logger.With().Str("kind", kind).Str("chat_id", d.ChatID)
	if d.Rule != nil {
		event = event.Int64("rule_id", d.Rule.ID).Int("attempt", d.Attempt)
	}
	log := event.Logger()

	if err := s.notifier.Send(ctx, d.ChatID, text); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(kind, "error").Inc()
		log.Error().Err(err).Msg("failed to deliver alert; state left unchanged")
		return false
	}
	metrics.DeliveriesTotal.WithLabelValues(kind, "ok").Inc()

	if d.Rule != nil {
		err := s.store.IncrementRetry(ctx, d.Rule.ID, now)
		switch {
		case errors.Is(err, storage.ErrNotActive):
			log.Info().Msg("rule acknowledged during cycle; retry not recorded")
		case err != nil:
			log.Error().Err(err).Msg("failed to record retry")
		}
	} else if err := s.engine.MarkDelivered(ctx, d, now); err != nil {
		log.Error().Err(err).Str("marker", d.MarkerKey).Msg("failed to write suppression marker")
	}

	s.recordHistory(ctx, log, d.AlertID(), d.ChatID, kind, d.Snapshot, text, now)
	log.Info().Msg("alert delivered")
	return true
}

func (s *Service) recordHistory(ctx context.Context, log zerolog.Logger, alertID *int64, chatID, kind string, snap market.Snapshot, text string, now time.Time) {
	rec := storage.HistoryRecord{
		AlertID:   alertID,
		ChatID:    chatID,
		Kind:      kind,
		PriceUSD:  decimal.NewFromFloat(snap.Price.USD),
		PriceBRL:  decimal.NewFromFloat(snap.Price.BRL),
		Change24h: decimal.NewFromFloat(snap.Price.Change24h),
		Volume24h: decimal.NewFromFloat(snap.Price.Volume24h),
		Message:   text,
		SentAt:    now,
	}
	if _, err := s.store.RecordHistory(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to record delivery history")
	}
}

// SendDigest delivers a scheduled digest to the primary owner unless digests
// are switched off or the owner is inside quiet hours.
func (s *Service) SendDigest(ctx context.Context, slot alerting.DigestSlot) error {
	log := s.logger.With().Str("slot", string(slot)).Logger()
	if !s.DigestsEnabled() {
		metrics.DigestsTotal.WithLabelValues(string(slot), "disabled").Inc()
		log.Debug().Msg("digest skipped: disabled")
		return nil
	}
	if s.primaryChat == "" {
		metrics.DigestsTotal.WithLabelValues(string(slot), "error").Inc()
		return fmt.Errorf("digest %s: primary chat id not configured", slot)
	}

	now := s.now()
	if s.engine.SilentFor(ctx, s.primaryChat, now) {
		metrics.DigestsTotal.WithLabelValues(string(slot), "silent").Inc()
		log.Info().Msg("digest skipped: quiet hours")
		return nil
	}

	text, snap, err := s.composeDigest(ctx, slot, now)
	if err != nil {
		metrics.DigestsTotal.WithLabelValues(string(slot), "error").Inc()
		return err
	}
	if err := s.notifier.Send(ctx, s.primaryChat, text); err != nil {
		metrics.DigestsTotal.WithLabelValues(string(slot), "error").Inc()
		return fmt.Errorf("send %s digest: %w", slot, err)
	}
	metrics.DigestsTotal.WithLabelValues(string(slot), "sent").Inc()
	s.recordHistory(ctx, log, nil, s.primaryChat, "digest_"+string(slot), snap, text, now)
	log.Info().Msg("digest delivered")
	return nil
}

// DigestPreview renders a digest for on-demand display, ignoring the toggle
// and quiet hours.
func (s *Service) DigestPreview(ctx context.Context, slot alerting.DigestSlot) (string, error) {
	text, _, err := s.composeDigest(ctx, slot, s.now())
	return text, err
}

func (s *Service) composeDigest(ctx context.Context, slot alerting.DigestSlot, now time.Time) (string, market.Snapshot, error) {
	snap := s.fetchSnapshot(ctx)
	if !snap.HasUSD() {
		return "", snap, fmt.Errorf("digest %s: market data unavailable", slot)
	}
	s.setLastSnapshot(snap)

	var rules []engine.Rule
	if s.primaryChat != "" {
		var err error
		rules, err = s.store.ActiveAlerts(ctx, s.primaryChat)
		if err != nil {
			s.logger.Error().Err(err).Str("slot", string(slot)).Msg("digest: failed to load active alerts")
		}
	}
	return s.renderer.RenderDigest(slot, alerting.DigestData{Snapshot: snap, Now: now, ActiveRules: rules}), snap, nil
}

// SetDigestsEnabled toggles scheduled digests at runtime.
func (s *Service) SetDigestsEnabled(on bool) {
	s.digestsOn.Store(on)
	s.logger.Info().Bool("enabled", on).Msg("digests toggled")
}

// DigestsEnabled reports whether scheduled digests are delivered.
func (s *Service) DigestsEnabled() bool {
	return s.digestsOn.Load()
}

// PruneHistory deletes delivery history older than the retention window.
func (s *Service) PruneHistory(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.retention)
	n, err := s.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	s.logger.Info().Int64("deleted", n).Time("before", cutoff).Msg("history pruned")
	return n, nil
}

// LastSnapshot returns the snapshot of the most recent cycle.
func (s *Service) LastSnapshot() (market.Snapshot, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.lastSnap, s.hasSnap
}

func (s *Service) setLastSnapshot(snap market.Snapshot) {
	s.snapMu.Lock()
	s.lastSnap = snap
	s.hasSnap = true
	s.snapMu.Unlock()
}

func (s *Service) fetchSnapshot(ctx context.Context) market.Snapshot {
	if s.fetchTimeout <= 0 {
		return s.provider.Snapshot(ctx)
	}
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.provider.Snapshot(fctx)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
