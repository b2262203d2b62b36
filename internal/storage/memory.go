package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"btcwatch/internal/dedup"
	"btcwatch/internal/engine"
)

// MemoryStore keeps everything in process memory. It backs the "none"
// driver and dry runs; nothing survives a restart.
type MemoryStore struct {
	*dedup.MemoryCache

	mu       sync.Mutex
	defaults engine.QuietHours
	nextID   int64
	histID   int64
	alerts   map[int64]engine.Rule
	quiet    map[string]engine.QuietHours
	history  []HistoryRecord
}

// NewMemory returns an empty MemoryStore.
func NewMemory(defaults engine.QuietHours) *MemoryStore {
	return &MemoryStore{
		MemoryCache: dedup.NewMemory(),
		defaults:    defaults,
		alerts:      make(map[int64]engine.Rule),
		quiet:       make(map[string]engine.QuietHours),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateAlert(_ context.Context, rule engine.Rule) (engine.Rule, error) {
	rule = normalizeRule(rule)
	if err := rule.Validate(); err != nil {
		return engine.Rule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rule.ID = s.nextID
	s.alerts[rule.ID] = rule
	return rule, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id int64) (engine.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.alerts[id]
	if !ok {
		return engine.Rule{}, ErrNotFound
	}
	return rule, nil
}

func (s *MemoryStore) ActiveAlerts(_ context.Context, owner string) ([]engine.Rule, error) {
	return s.filter(func(r engine.Rule) bool {
		return r.Active() && (owner == "" || r.ChatID == owner)
	}), nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, owner string) ([]engine.Rule, error) {
	return s.filter(func(r engine.Rule) bool {
		return owner == "" || r.ChatID == owner
	}), nil
}

func (s *MemoryStore) filter(keep func(engine.Rule) bool) []engine.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Rule, 0, len(s.alerts))
	for _, r := range s.alerts {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) IncrementRetry(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if !rule.Active() {
		return ErrNotActive
	}
	s.alerts[id] = engine.Advance(rule, at)
	return nil
}

func (s *MemoryStore) AcknowledgeAlert(_ context.Context, id int64, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.alerts[id]
	if !ok || !rule.Active() {
		return false, nil
	}
	rule.Status = engine.StatusAcknowledged
	rule.AckedAt = &at
	rule.Notes = notes
	s.alerts[id] = rule
	return true, nil
}

func (s *MemoryStore) DeleteAlert(_ context.Context, id int64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.alerts[id]
	if !ok || rule.ChatID != owner {
		return false, nil
	}
	delete(s.alerts, id)
	return true, nil
}

func (s *MemoryStore) QuietHours(_ context.Context, owner string) (engine.QuietHours, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qh, ok := s.quiet[owner]
	if !ok {
		qh = defaultQuietHours(owner, s.defaults)
		s.quiet[owner] = qh
	}
	return qh, nil
}

func (s *MemoryStore) UpdateQuietHours(_ context.Context, qh engine.QuietHours) error {
	if err := qh.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiet[qh.ChatID] = qh
	return nil
}

func (s *MemoryStore) RecordHistory(_ context.Context, rec HistoryRecord) (HistoryRecord, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histID++
	rec.ID = s.histID
	s.history = append(s.history, rec)
	return rec, nil
}

func (s *MemoryStore) ListRecentHistory(_ context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryRecord, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *MemoryStore) ListHistoryBetween(_ context.Context, from, to time.Time) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryRecord, 0)
	for _, rec := range s.history {
		if !rec.SentAt.Before(from) && rec.SentAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteHistoryBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	var removed int64
	for _, rec := range s.history {
		if rec.SentAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.history = kept
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
