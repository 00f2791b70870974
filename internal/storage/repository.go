package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `
    CREATE TABLE IF NOT EXISTS guardian_alerts (
        id               BIGSERIAL PRIMARY KEY,
        tx_hash          TEXT NOT NULL,
        log_index        INTEGER NOT NULL,
        block_number     BIGINT NOT NULL,
        kind             TEXT NOT NULL,
        subject          TEXT NOT NULL,
        health_factor    NUMERIC NOT NULL,
        collateral_value NUMERIC NOT NULL,
        borrowed_amount  NUMERIC NOT NULL,
        required_top_up  NUMERIC,
        observed_at      TIMESTAMPTZ NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (tx_hash, log_index)
    );
    CREATE INDEX IF NOT EXISTS idx_guardian_alerts_subject ON guardian_alerts(subject, observed_at);
    CREATE INDEX IF NOT EXISTS idx_guardian_alerts_observed ON guardian_alerts(observed_at);`

	insertAlertSQL = `INSERT INTO guardian_alerts (
        tx_hash,
        log_index,
        block_number,
        kind,
        subject,
        health_factor,
        collateral_value,
        borrowed_amount,
        required_top_up,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	selectAlertColumns = `SELECT
        id,
        tx_hash,
        log_index,
        block_number,
        kind,
        subject,
        health_factor::text,
        collateral_value::text,
        borrowed_amount::text,
        required_top_up::text,
        observed_at,
        created_at
    FROM guardian_alerts`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY id DESC
    LIMIT $1;`

	listAlertsSQL = selectAlertColumns + `
    WHERE ($1::text IS NULL OR subject = $1)
      AND ($2::timestamptz IS NULL OR observed_at >= $2)
      AND ($3::timestamptz IS NULL OR observed_at < $3)
    ORDER BY observed_at, block_number, log_index
    LIMIT $4;`

	countAlertsSQL = `SELECT COUNT(*) FROM guardian_alerts;`

	deleteAlertsBeforeSQL = `DELETE FROM guardian_alerts WHERE observed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertArchive defines operations for alert persistence.
type AlertArchive interface {
	InsertAlert(ctx context.Context, rec AlertRecord) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]AlertRecord, error)
	CountAlerts(ctx context.Context) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres archive of decoded alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the archive table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
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
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertAlert archives rec. It reports false when the (tx_hash, log_index)
// pair was already stored.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	a := rec.Alert
	var topUp interface{}
	if a.RequiredTopUp.Valid {
		topUp = a.RequiredTopUp.Decimal.String()
	}

	tag, execErr := pool.Exec(ctx, insertAlertSQL,
		rec.TxHash.Hex(),
		int64(rec.LogIndex),
		int64(rec.BlockNumber),
		a.Kind.String(),
		a.SubjectHex(),
		a.HealthFactor.String(),
		a.CollateralValue.String(),
		a.BorrowedAmount.String(),
		topUp,
		a.ObservedAt.UTC(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert alert: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecentAlerts lists the most recently archived alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

// ListAlerts lists alerts matching q in chain order.
func (s *Store) ListAlerts(ctx context.Context, q AlertQuery) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var subject, from, to, limit interface{}
	if q.Subject != nil {
		subject = alert.FormatSubject(*q.Subject)
	}
	if !q.From.IsZero() {
		from = q.From.UTC()
	}
	if !q.To.IsZero() {
		to = q.To.UTC()
	}
	if q.Limit > 0 {
		limit = q.Limit
	}

	rows, queryErr := pool.Query(ctx, listAlertsSQL, subject, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	return collectAlerts(rows, q.Limit)
}

// ListAlertsForSubject lists one subject's alerts within [from, to).
func (s *Store) ListAlertsForSubject(ctx context.Context, subject common.Address, from, to time.Time) ([]AlertRecord, error) {
	return s.ListAlerts(ctx, AlertQuery{Subject: &subject, From: from, To: to})
}

// CountAlerts counts archived alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// DeleteAlertsBefore prunes alerts observed before olderThan and returns the
// number removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows, capHint int) ([]AlertRecord, error) {
	defer rows.Close()

	if capHint < 0 {
		capHint = 0
	}
	records := make([]AlertRecord, 0, capHint)
	for rows.Next() {
		var cols alertColumns
		if err := rows.Scan(
			&cols.id,
			&cols.txHash,
			&cols.logIndex,
			&cols.blockNumber,
			&cols.kind,
			&cols.subject,
			&cols.healthFactor,
			&cols.collateralValue,
			&cols.borrowedAmount,
			&cols.requiredTopUp,
			&cols.observedAt,
			&cols.createdAt,
		); err != nil {
			return nil, err
		}
		rec, err := cols.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

type alertColumns struct {
	id              int64
	txHash          string
	logIndex        int64
	blockNumber     int64
	kind            string
	subject         string
	healthFactor    string
	collateralValue string
	borrowedAmount  string
	requiredTopUp   *string
	observedAt      time.Time
	createdAt       time.Time
}

func (c alertColumns) record() (AlertRecord, error) {
	kind, err := alert.ParseKind(c.kind)
	if err != nil {
		return AlertRecord{}, err
	}
	subject, err := alert.NormalizeSubject(c.subject)
	if err != nil {
		return AlertRecord{}, err
	}

	a := alert.Alert{Kind: kind, Subject: subject, ObservedAt: c.observedAt.UTC()}
	if a.HealthFactor, err = decimal.NewFromString(c.healthFactor); err != nil {
		return AlertRecord{}, fmt.Errorf("parse health factor: %w", err)
	}
	if a.CollateralValue, err = decimal.NewFromString(c.collateralValue); err != nil {
		return AlertRecord{}, fmt.Errorf("parse collateral value: %w", err)
	}
	if a.BorrowedAmount, err = decimal.NewFromString(c.borrowedAmount); err != nil {
		return AlertRecord{}, fmt.Errorf("parse borrowed amount: %w", err)
	}
	if c.requiredTopUp != nil {
		topUp, err := decimal.NewFromString(*c.requiredTopUp)
		if err != nil {
			return AlertRecord{}, fmt.Errorf("parse required top-up: %w", err)
		}
		a.RequiredTopUp = decimal.NewNullDecimal(topUp)
	}

	return AlertRecord{
		ID:          c.id,
		TxHash:      common.HexToHash(c.txHash),
		LogIndex:    uint(c.logIndex),
		BlockNumber: uint64(c.blockNumber),
		Alert:       a,
		CreatedAt:   c.createdAt,
	}, nil
}

var (
	_ AlertArchive   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
