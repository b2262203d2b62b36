package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"btcwatch/internal/engine"
)

const (
	createAlertsTableSQL = `CREATE TABLE IF NOT EXISTS alerts (
        id            BIGSERIAL PRIMARY KEY,
        chat_id       TEXT             NOT NULL,
        type          TEXT             NOT NULL,
        value         DOUBLE PRECISION NOT NULL,
        currency      TEXT             NOT NULL DEFAULT 'USD',
        comparison    TEXT             NOT NULL DEFAULT 'above',
        status        TEXT             NOT NULL DEFAULT 'active',
        created_at    TIMESTAMPTZ      NOT NULL DEFAULT now(),
        triggered_at  TIMESTAMPTZ,
        acked_at      TIMESTAMPTZ,
        retry_count   INTEGER          NOT NULL DEFAULT 0,
        last_retry_at TIMESTAMPTZ,
        notes         TEXT             NOT NULL DEFAULT ''
    );`

	createUserConfigTableSQL = `CREATE TABLE IF NOT EXISTS user_config (
        chat_id               TEXT        PRIMARY KEY,
        timezone              TEXT        NOT NULL,
        silent_start          INTEGER     NOT NULL,
        silent_end            INTEGER     NOT NULL,
        language              TEXT        NOT NULL,
        notifications_enabled BOOLEAN     NOT NULL DEFAULT TRUE,
        created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createHistoryTableSQL = `CREATE TABLE IF NOT EXISTS alert_history (
        id         BIGSERIAL PRIMARY KEY,
        alert_id   BIGINT,
        chat_id    TEXT        NOT NULL,
        kind       TEXT        NOT NULL,
        price_usd  NUMERIC     NOT NULL,
        price_brl  NUMERIC     NOT NULL,
        change_24h NUMERIC     NOT NULL,
        volume_24h NUMERIC     NOT NULL,
        message    TEXT        NOT NULL,
        sent_at    TIMESTAMPTZ NOT NULL
    );`

	createHistoryIndexSQL = `CREATE INDEX IF NOT EXISTS idx_history_sent ON alert_history(sent_at);`

	createMarkersTableSQL = `CREATE TABLE IF NOT EXISTS markers (
        key        TEXT        PRIMARY KEY,
        value      TEXT        NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL
    );`

	selectAlertSQL = `SELECT
        id,
        chat_id,
        type,
        value,
        currency,
        comparison,
        status,
        created_at,
        triggered_at,
        acked_at,
        retry_count,
        last_retry_at,
        notes
    FROM alerts`

	insertAlertSQL = `INSERT INTO alerts (
        chat_id,
        type,
        value,
        currency,
        comparison,
        status,
        created_at,
        notes
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	incrementRetrySQL = `UPDATE alerts
    SET retry_count   = retry_count + 1,
        last_retry_at = $2,
        triggered_at  = $2
    WHERE id = $1 AND status = 'active';`

	alertExistsSQL = `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1);`

	acknowledgeAlertSQL = `UPDATE alerts
    SET status   = 'acknowledged',
        acked_at = $2,
        notes    = $3
    WHERE id = $1 AND status = 'active';`

	deleteAlertSQL = `DELETE FROM alerts WHERE id = $1 AND chat_id = $2;`

	selectUserConfigSQL = `SELECT
        chat_id,
        timezone,
        silent_start,
        silent_end,
        language,
        notifications_enabled
    FROM user_config
    WHERE chat_id = $1;`

	insertUserConfigSQL = `INSERT INTO user_config (
        chat_id,
        timezone,
        silent_start,
        silent_end,
        language,
        notifications_enabled
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (chat_id) DO NOTHING;`

	upsertUserConfigSQL = `INSERT INTO user_config (
        chat_id,
        timezone,
        silent_start,
        silent_end,
        language,
        notifications_enabled
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (chat_id) DO UPDATE
    SET
        timezone              = EXCLUDED.timezone,
        silent_start          = EXCLUDED.silent_start,
        silent_end            = EXCLUDED.silent_end,
        language              = EXCLUDED.language,
        notifications_enabled = EXCLUDED.notifications_enabled,
        updated_at            = now();`

	insertHistorySQL = `INSERT INTO alert_history (
        alert_id,
        chat_id,
        kind,
        price_usd,
        price_brl,
        change_24h,
        volume_24h,
        message,
        sent_at
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9
    )
    RETURNING id;`

	selectHistorySQL = `SELECT
        id,
        alert_id,
        chat_id,
        kind,
        price_usd::text,
        price_brl::text,
        change_24h::text,
        volume_24h::text,
        message,
        sent_at
    FROM alert_history`

	deleteHistoryBeforeSQL = `DELETE FROM alert_history WHERE sent_at < $1;`

	selectMarkerSQL = `SELECT value, expires_at FROM markers WHERE key = $1;`

	upsertMarkerSQL = `INSERT INTO markers (key, value, expires_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at;`

	deleteMarkerSQL = `DELETE FROM markers WHERE key = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore is the multi-process backend built on a pgx pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	defaults engine.QuietHours
}

// NewPostgres wraps an initialised pool.
func NewPostgres(pool *pgxpool.Pool, defaults engine.QuietHours) *PostgresStore {
	return &PostgresStore{pool: pool, defaults: defaults}
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the schema when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		createAlertsTableSQL,
		createUserConfigTableSQL,
		createHistoryTableSQL,
		createHistoryIndexSQL,
		createMarkersTableSQL,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// 解锁失败时直接销毁连接，会话级锁随之释放
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// CreateAlert validates and inserts rule.
func (s *PostgresStore) CreateAlert(ctx context.Context, rule engine.Rule) (engine.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.Rule{}, err
	}
	rule = normalizeRule(rule)
	if err := rule.Validate(); err != nil {
		return engine.Rule{}, err
	}

	if err := pool.QueryRow(ctx, insertAlertSQL,
		rule.ChatID,
		string(rule.Kind),
		rule.Value,
		rule.Currency,
		string(rule.Comparison),
		string(rule.Status),
		rule.CreatedAt,
		rule.Notes,
	).Scan(&rule.ID); err != nil {
		return engine.Rule{}, fmt.Errorf("insert alert: %w", err)
	}
	return rule, nil
}

// GetAlert loads one rule by id.
func (s *PostgresStore) GetAlert(ctx context.Context, id int64) (engine.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.Rule{}, err
	}
	rule, err := scanPostgresRule(pool.QueryRow(ctx, selectAlertSQL+` WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Rule{}, ErrNotFound
	}
	if err != nil {
		return engine.Rule{}, fmt.Errorf("get alert: %w", err)
	}
	return rule, nil
}

// ActiveAlerts lists active rules, optionally for one owner.
func (s *PostgresStore) ActiveAlerts(ctx context.Context, owner string) ([]engine.Rule, error) {
	if owner == "" {
		return s.queryRules(ctx, selectAlertSQL+` WHERE status = 'active' ORDER BY id;`)
	}
	return s.queryRules(ctx, selectAlertSQL+` WHERE status = 'active' AND chat_id = $1 ORDER BY id;`, owner)
}

// ListAlerts lists every rule, optionally for one owner.
func (s *PostgresStore) ListAlerts(ctx context.Context, owner string) ([]engine.Rule, error) {
	if owner == "" {
		return s.queryRules(ctx, selectAlertSQL+` ORDER BY id;`)
	}
	return s.queryRules(ctx, selectAlertSQL+` WHERE chat_id = $1 ORDER BY id;`, owner)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]engine.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]engine.Rule, 0)
	for rows.Next() {
		rule, scanErr := scanPostgresRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// IncrementRetry records one delivery attempt of a rule.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, incrementRetrySQL, id, at)
	if execErr != nil {
		return fmt.Errorf("increment retry: %w", execErr)
	}
	if cmdTag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := pool.QueryRow(ctx, alertExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	if exists {
		return ErrNotActive
	}
	return ErrNotFound
}

// AcknowledgeAlert moves an active rule to acknowledged.
func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id int64, notes string, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, acknowledgeAlertSQL, id, at, notes)
	if execErr != nil {
		return false, fmt.Errorf("acknowledge alert: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// DeleteAlert removes a rule owned by owner.
func (s *PostgresStore) DeleteAlert(ctx context.Context, id int64, owner string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteAlertSQL, id, owner)
	if execErr != nil {
		return false, fmt.Errorf("delete alert: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// QuietHours returns owner's record, inserting the defaults when missing.
func (s *PostgresStore) QuietHours(ctx context.Context, owner string) (engine.QuietHours, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.QuietHours{}, err
	}

	qh, err := s.loadQuietHours(ctx, pool, owner)
	if err == nil {
		return qh, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return engine.QuietHours{}, fmt.Errorf("load user config: %w", err)
	}

	def := defaultQuietHours(owner, s.defaults)
	if _, err := pool.Exec(ctx, insertUserConfigSQL,
		def.ChatID, def.Timezone, def.SilentStart, def.SilentEnd, def.Language, def.NotificationsEnabled,
	); err != nil {
		return engine.QuietHours{}, fmt.Errorf("create user config: %w", err)
	}
	qh, err = s.loadQuietHours(ctx, pool, owner)
	if err != nil {
		return engine.QuietHours{}, fmt.Errorf("load user config: %w", err)
	}
	return qh, nil
}

func (s *PostgresStore) loadQuietHours(ctx context.Context, pool *pgxpool.Pool, owner string) (engine.QuietHours, error) {
	var qh engine.QuietHours
	err := pool.QueryRow(ctx, selectUserConfigSQL, owner).Scan(
		&qh.ChatID,
		&qh.Timezone,
		&qh.SilentStart,
		&qh.SilentEnd,
		&qh.Language,
		&qh.NotificationsEnabled,
	)
	return qh, err
}

// UpdateQuietHours upserts the owner's record.
func (s *PostgresStore) UpdateQuietHours(ctx context.Context, qh engine.QuietHours) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := qh.Validate(); err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertUserConfigSQL,
		qh.ChatID, qh.Timezone, qh.SilentStart, qh.SilentEnd, qh.Language, qh.NotificationsEnabled,
	); execErr != nil {
		return fmt.Errorf("update user config: %w", execErr)
	}
	return nil
}

// RecordHistory appends a delivered notification.
func (s *PostgresStore) RecordHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return HistoryRecord{}, err
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	var alertID interface{}
	if rec.AlertID != nil {
		alertID = *rec.AlertID
	}

	if scanErr := pool.QueryRow(ctx, insertHistorySQL,
		alertID,
		rec.ChatID,
		rec.Kind,
		rec.PriceUSD.String(),
		rec.PriceBRL.String(),
		rec.Change24h.String(),
		rec.Volume24h.String(),
		rec.Message,
		rec.SentAt,
	).Scan(&rec.ID); scanErr != nil {
		return HistoryRecord{}, fmt.Errorf("insert history: %w", scanErr)
	}
	return rec, nil
}

// ListRecentHistory lists the newest records first.
func (s *PostgresStore) ListRecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryHistory(ctx, selectHistorySQL+` ORDER BY sent_at DESC, id DESC LIMIT $1;`, limit)
}

// ListHistoryBetween lists records in [from, to) in chronological order.
func (s *PostgresStore) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]HistoryRecord, error) {
	return s.queryHistory(ctx, selectHistorySQL+` WHERE sent_at >= $1 AND sent_at < $2 ORDER BY sent_at, id;`, from, to)
}

// DeleteHistoryBefore prunes records sent before the cutoff.
func (s *PostgresStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteHistoryBeforeSQL, before)
	if execErr != nil {
		return 0, fmt.Errorf("delete history before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func (s *PostgresStore) queryHistory(ctx context.Context, query string, args ...any) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		var (
			rec                      HistoryRecord
			usd, brl, change, volume string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&rec.ChatID,
			&rec.Kind,
			&usd,
			&brl,
			&change,
			&volume,
			&rec.Message,
			&rec.SentAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.PriceUSD, convErr = parseDecimal("price_usd", usd); convErr != nil {
			return nil, convErr
		}
		if rec.PriceBRL, convErr = parseDecimal("price_brl", brl); convErr != nil {
			return nil, convErr
		}
		if rec.Change24h, convErr = parseDecimal("change_24h", change); convErr != nil {
			return nil, convErr
		}
		if rec.Volume24h, convErr = parseDecimal("volume_24h", volume); convErr != nil {
			return nil, convErr
		}
		rec.SentAt = rec.SentAt.UTC()
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// Get returns a live marker value.
func (s *PostgresStore) Get(ctx context.Context, key string, now time.Time) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var (
		value     string
		expiresAt time.Time
	)
	scanErr := pool.QueryRow(ctx, selectMarkerSQL, key).Scan(&value, &expiresAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", false, nil
	}
	if scanErr != nil {
		return "", false, fmt.Errorf("get marker %s: %w", key, scanErr)
	}
	if !now.Before(expiresAt) {
		return "", false, nil
	}
	return value, true, nil
}

// Set stores a marker until now+ttl. A non-positive ttl clears it.
func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		if _, execErr := pool.Exec(ctx, deleteMarkerSQL, key); execErr != nil {
			return fmt.Errorf("clear marker %s: %w", key, execErr)
		}
		return nil
	}
	if _, execErr := pool.Exec(ctx, upsertMarkerSQL, key, value, now.Add(ttl)); execErr != nil {
		return fmt.Errorf("set marker %s: %w", key, execErr)
	}
	return nil
}

func scanPostgresRule(row pgx.Row) (engine.Rule, error) {
	var (
		rule                     engine.Rule
		kind, comparison, status string
	)
	if err := row.Scan(
		&rule.ID,
		&rule.ChatID,
		&kind,
		&rule.Value,
		&rule.Currency,
		&comparison,
		&status,
		&rule.CreatedAt,
		&rule.TriggeredAt,
		&rule.AckedAt,
		&rule.RetryCount,
		&rule.LastRetryAt,
		&rule.Notes,
	); err != nil {
		return engine.Rule{}, err
	}
	rule.Kind = engine.Kind(kind)
	rule.Comparison = engine.Comparison(comparison)
	rule.Status = engine.Status(status)
	return rule, nil
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Locker = (*PostgresStore)(nil)
)
