package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"btcwatch/internal/engine"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id       TEXT    NOT NULL,
		type          TEXT    NOT NULL,
		value         REAL    NOT NULL,
		currency      TEXT    NOT NULL DEFAULT 'USD',
		comparison    TEXT    NOT NULL DEFAULT 'above',
		status        TEXT    NOT NULL DEFAULT 'active',
		created_at    INTEGER NOT NULL,
		triggered_at  INTEGER,
		acked_at      INTEGER,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_retry_at INTEGER,
		notes         TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, chat_id)`,

	`CREATE TABLE IF NOT EXISTS user_config (
		chat_id               TEXT    PRIMARY KEY,
		timezone              TEXT    NOT NULL,
		silent_start          INTEGER NOT NULL,
		silent_end            INTEGER NOT NULL,
		language              TEXT    NOT NULL,
		notifications_enabled INTEGER NOT NULL DEFAULT 1,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id   INTEGER,
		chat_id    TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		price_usd  TEXT    NOT NULL,
		price_brl  TEXT    NOT NULL,
		change_24h TEXT    NOT NULL,
		volume_24h TEXT    NOT NULL,
		message    TEXT    NOT NULL,
		sent_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_sent ON alert_history(sent_at)`,

	`CREATE TABLE IF NOT EXISTS markers (
		key        TEXT    PRIMARY KEY,
		value      TEXT    NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
}

const alertColumns = `id, chat_id, type, value, currency, comparison, status, created_at,
	triggered_at, acked_at, retry_count, last_retry_at, notes`

const historyColumns = `id, alert_id, chat_id, kind, price_usd, price_brl, change_24h, volume_24h, message, sent_at`

// SQLiteStore is the default single-file backend.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.Mutex
	defaults engine.QuietHours
}

// OpenSQLite opens (or creates) the database file and runs migrations.
func OpenSQLite(ctx context.Context, path string, defaults engine.QuietHours) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrNotConfigured
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, defaults: defaults}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.Join(strings.Fields(stmt)[:6], " "), err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateAlert validates and inserts rule, returning it with id and timestamps.
func (s *SQLiteStore) CreateAlert(ctx context.Context, rule engine.Rule) (engine.Rule, error) {
	rule = normalizeRule(rule)
	if err := rule.Validate(); err != nil {
		return engine.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO alerts
		(chat_id, type, value, currency, comparison, status, created_at, notes)
		VALUES (?,?,?,?,?,?,?,?)`,
		rule.ChatID, string(rule.Kind), rule.Value, rule.Currency, string(rule.Comparison),
		string(rule.Status), rule.CreatedAt.UnixMilli(), rule.Notes,
	)
	if err != nil {
		return engine.Rule{}, fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return engine.Rule{}, fmt.Errorf("insert alert id: %w", err)
	}
	rule.ID = id
	return rule, nil
}

// GetAlert loads one rule by id.
func (s *SQLiteStore) GetAlert(ctx context.Context, id int64) (engine.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	rule, err := scanSQLiteRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Rule{}, ErrNotFound
	}
	return rule, err
}

// ActiveAlerts lists active rules, optionally for one owner.
func (s *SQLiteStore) ActiveAlerts(ctx context.Context, owner string) ([]engine.Rule, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE status = 'active'`
	args := []any{}
	if owner != "" {
		query += ` AND chat_id = ?`
		args = append(args, owner)
	}
	return s.queryRules(ctx, query+` ORDER BY id`, args...)
}

// ListAlerts lists every rule, optionally for one owner.
func (s *SQLiteStore) ListAlerts(ctx context.Context, owner string) ([]engine.Rule, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []any{}
	if owner != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, owner)
	}
	return s.queryRules(ctx, query+` ORDER BY id`, args...)
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...any) ([]engine.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	rules := make([]engine.Rule, 0)
	for rows.Next() {
		rule, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// IncrementRetry records one delivery attempt of a rule.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE alerts
		SET retry_count = retry_count + 1, last_retry_at = ?, triggered_at = ?
		WHERE id = ? AND status = 'active'`, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	if err := requireAffected(res); !errors.Is(err, ErrNotFound) {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM alerts WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	if exists > 0 {
		return ErrNotActive
	}
	return ErrNotFound
}

// AcknowledgeAlert moves an active rule to acknowledged. It reports false
// when the rule does not exist or was already acknowledged.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id int64, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE alerts
		SET status = 'acknowledged', acked_at = ?, notes = ?
		WHERE id = ? AND status = 'active'`, at.UnixMilli(), notes, id)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAlert removes a rule owned by owner.
func (s *SQLiteStore) DeleteAlert(ctx context.Context, id int64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ? AND chat_id = ?`, id, owner)
	if err != nil {
		return false, fmt.Errorf("delete alert: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// QuietHours returns owner's record, inserting the defaults when missing.
func (s *SQLiteStore) QuietHours(ctx context.Context, owner string) (engine.QuietHours, error) {
	qh, err := s.loadQuietHours(ctx, owner)
	if err == nil {
		return qh, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return engine.QuietHours{}, err
	}

	qh = defaultQuietHours(owner, s.defaults)
	now := time.Now().UnixMilli()

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_config
		(chat_id, timezone, silent_start, silent_end, language, notifications_enabled, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		qh.ChatID, qh.Timezone, qh.SilentStart, qh.SilentEnd, qh.Language, qh.NotificationsEnabled, now, now)
	s.mu.Unlock()
	if err != nil {
		return engine.QuietHours{}, fmt.Errorf("create user config: %w", err)
	}
	return s.loadQuietHours(ctx, owner)
}

func (s *SQLiteStore) loadQuietHours(ctx context.Context, owner string) (engine.QuietHours, error) {
	var qh engine.QuietHours
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, timezone, silent_start, silent_end, language, notifications_enabled
		FROM user_config WHERE chat_id = ?`, owner).
		Scan(&qh.ChatID, &qh.Timezone, &qh.SilentStart, &qh.SilentEnd, &qh.Language, &qh.NotificationsEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.QuietHours{}, err
		}
		return engine.QuietHours{}, fmt.Errorf("load user config: %w", err)
	}
	return qh, nil
}

// UpdateQuietHours upserts the owner's record.
func (s *SQLiteStore) UpdateQuietHours(ctx context.Context, qh engine.QuietHours) error {
	if err := qh.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO user_config
		(chat_id, timezone, silent_start, silent_end, language, notifications_enabled, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(chat_id) DO UPDATE SET
			timezone = excluded.timezone,
			silent_start = excluded.silent_start,
			silent_end = excluded.silent_end,
			language = excluded.language,
			notifications_enabled = excluded.notifications_enabled,
			updated_at = excluded.updated_at`,
		qh.ChatID, qh.Timezone, qh.SilentStart, qh.SilentEnd, qh.Language, qh.NotificationsEnabled, now, now)
	if err != nil {
		return fmt.Errorf("update user config: %w", err)
	}
	return nil
}

// RecordHistory appends a delivered notification.
func (s *SQLiteStore) RecordHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var alertID any
	if rec.AlertID != nil {
		alertID = *rec.AlertID
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO alert_history
		(alert_id, chat_id, kind, price_usd, price_brl, change_24h, volume_24h, message, sent_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		alertID, rec.ChatID, rec.Kind,
		rec.PriceUSD.String(), rec.PriceBRL.String(), rec.Change24h.String(), rec.Volume24h.String(),
		rec.Message, rec.SentAt.UnixMilli(),
	)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("insert history: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return HistoryRecord{}, fmt.Errorf("insert history id: %w", err)
	}
	return rec, nil
}

// ListRecentHistory lists the newest records first.
func (s *SQLiteStore) ListRecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM alert_history ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
}

// ListHistoryBetween lists records in [from, to) in chronological order.
func (s *SQLiteStore) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]HistoryRecord, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM alert_history
		WHERE sent_at >= ? AND sent_at < ? ORDER BY sent_at, id`, from.UnixMilli(), to.UnixMilli())
}

// DeleteHistoryBefore prunes records sent before the cutoff.
func (s *SQLiteStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_history WHERE sent_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete history before: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryHistory(ctx context.Context, query string, args ...any) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		var (
			rec                      HistoryRecord
			alertID                  sql.NullInt64
			usd, brl, change, volume string
			sentAt                   int64
		)
		if err := rows.Scan(&rec.ID, &alertID, &rec.ChatID, &rec.Kind, &usd, &brl, &change, &volume, &rec.Message, &sentAt); err != nil {
			return nil, err
		}
		if alertID.Valid {
			v := alertID.Int64
			rec.AlertID = &v
		}
		if rec.PriceUSD, err = parseDecimal("price_usd", usd); err != nil {
			return nil, err
		}
		if rec.PriceBRL, err = parseDecimal("price_brl", brl); err != nil {
			return nil, err
		}
		if rec.Change24h, err = parseDecimal("change_24h", change); err != nil {
			return nil, err
		}
		if rec.Volume24h, err = parseDecimal("volume_24h", volume); err != nil {
			return nil, err
		}
		rec.SentAt = time.UnixMilli(sentAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns a live marker value.
func (s *SQLiteStore) Get(ctx context.Context, key string, now time.Time) (string, bool, error) {
	var (
		value     string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM markers WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get marker %s: %w", key, err)
	}
	if now.UnixMilli() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// Set stores a marker until now+ttl. A non-positive ttl clears it.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE key = ?`, key); err != nil {
			return fmt.Errorf("clear marker %s: %w", key, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO markers (key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("set marker %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRule(row rowScanner) (engine.Rule, error) {
	var (
		rule                            engine.Rule
		kind, comparison, status        string
		createdAt                       int64
		triggeredAt, ackedAt, lastRetry sql.NullInt64
	)
	if err := row.Scan(
		&rule.ID,
		&rule.ChatID,
		&kind,
		&rule.Value,
		&rule.Currency,
		&comparison,
		&status,
		&createdAt,
		&triggeredAt,
		&ackedAt,
		&rule.RetryCount,
		&lastRetry,
		&rule.Notes,
	); err != nil {
		return engine.Rule{}, err
	}
	rule.Kind = engine.Kind(kind)
	rule.Comparison = engine.Comparison(comparison)
	rule.Status = engine.Status(status)
	rule.CreatedAt = time.UnixMilli(createdAt).UTC()
	rule.TriggeredAt = nullMillis(triggeredAt)
	rule.AckedAt = nullMillis(ackedAt)
	rule.LastRetryAt = nullMillis(lastRetry)
	return rule, nil
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// normalizeRule fills defaults a caller may leave empty.
func normalizeRule(rule engine.Rule) engine.Rule {
	if rule.Currency == "" {
		rule.Currency = engine.CurrencyUSD
	}
	if rule.Status == "" {
		rule.Status = engine.StatusActive
	}
	if rule.Kind == engine.KindChange && rule.Comparison == "" {
		rule.Comparison = engine.Above
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.CreatedAt = rule.CreatedAt.Truncate(time.Millisecond)
	rule.RetryCount = 0
	rule.LastRetryAt = nil
	return rule
}

var _ Store = (*SQLiteStore)(nil)
