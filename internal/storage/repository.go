package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertRateChangeSQL = `INSERT INTO rate_changes (
        tx_hash,
        old_apy_bps,
        new_apy_bps,
        reason,
        block_number,
        changed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (tx_hash) DO NOTHING;`

	rateChangeColumns = `id, tx_hash, old_apy_bps, new_apy_bps, reason, block_number, changed_at, created_at`

	listRecentRateChangesSQL = `SELECT ` + rateChangeColumns + `
    FROM rate_changes
    ORDER BY changed_at DESC
    LIMIT $1;`

	listRateChangesBetweenSQL = `SELECT ` + rateChangeColumns + `
    FROM rate_changes
    WHERE changed_at >= $1
      AND changed_at < $2
    ORDER BY changed_at
    LIMIT $3;`

	countRateChangesSinceSQL = `SELECT COUNT(*) FROM rate_changes WHERE changed_at >= $1;`

	insertHalvingSQL = `INSERT INTO halvings (
        tx_hash,
        reason,
        block_number,
        executed_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (tx_hash) DO NOTHING;`

	listRecentHalvingsSQL = `SELECT
        id,
        tx_hash,
        reason,
        block_number,
        executed_at,
        created_at
    FROM halvings
    ORDER BY executed_at DESC
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        event_type,
        severity,
        message,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, event_type, severity, message, channels, created_at;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RateChangeStore persists confirmed APY updates.
type RateChangeStore interface {
	InsertRateChange(ctx context.Context, rec RateChangeRecord) error
	ListRecentRateChanges(ctx context.Context, limit int) ([]RateChangeRecord, error)
	ListRateChangesBetween(ctx context.Context, from, to time.Time, limit int) ([]RateChangeRecord, error)
	CountRateChangesSince(ctx context.Context, since time.Time) (int64, error)
}

// HalvingStore persists confirmed halvings.
type HalvingStore interface {
	InsertHalving(ctx context.Context, rec HalvingRecord) error
	ListRecentHalvings(ctx context.Context, limit int) ([]HalvingRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the audit tables.
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

// Migrate creates the audit tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
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
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRateChange records an APY update. Replays of the same tx are ignored.
func (s *Store) InsertRateChange(ctx context.Context, rec RateChangeRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertRateChangeSQL,
		rec.TxHash,
		int64(rec.OldAPY),
		int64(rec.NewAPY),
		rec.Reason,
		int64(rec.BlockNumber),
		rec.ChangedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert rate change: %w", execErr)
	}
	return nil
}

// ListRecentRateChanges lists the most recent updates, newest first.
func (s *Store) ListRecentRateChanges(ctx context.Context, limit int) ([]RateChangeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRateChangesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rate changes: %w", queryErr)
	}
	return collectRateChanges(rows, limit)
}

// ListRateChangesBetween lists updates in [from, to), oldest first. A limit of zero
// or less returns every row in the window.
func (s *Store) ListRateChangesBetween(ctx context.Context, from, to time.Time, limit int) ([]RateChangeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	rows, queryErr := pool.Query(ctx, listRateChangesBetweenSQL, from, to, rowLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("list rate changes between: %w", queryErr)
	}
	return collectRateChanges(rows, 0)
}

// CountRateChangesSince counts updates at or after since.
func (s *Store) CountRateChangesSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRateChangesSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rate changes: %w", scanErr)
	}
	return count, nil
}

// InsertHalving records a halving. Replays of the same tx are ignored.
func (s *Store) InsertHalving(ctx context.Context, rec HalvingRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertHalvingSQL,
		rec.TxHash,
		rec.Reason,
		int64(rec.BlockNumber),
		rec.ExecutedAt,
	); execErr != nil {
		return fmt.Errorf("insert halving: %w", execErr)
	}
	return nil
}

// ListRecentHalvings lists halvings, newest first.
func (s *Store) ListRecentHalvings(ctx context.Context, limit int) ([]HalvingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentHalvingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent halvings: %w", queryErr)
	}
	defer rows.Close()

	halvings := make([]HalvingRecord, 0, limit)
	for rows.Next() {
		var (
			rec   HalvingRecord
			block int64
		)
		if err := rows.Scan(&rec.ID, &rec.TxHash, &rec.Reason, &block, &rec.ExecutedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.BlockNumber = uint64(block)
		halvings = append(halvings, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return halvings, nil
}

// LastHalving returns the most recent halving, if any.
func (s *Store) LastHalving(ctx context.Context) (HalvingRecord, bool, error) {
	recs, err := s.ListRecentHalvings(ctx, 1)
	if err != nil {
		return HalvingRecord{}, false, err
	}
	if len(recs) == 0 {
		return HalvingRecord{}, false, nil
	}
	return recs[0], true, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	var rec AlertRecord
	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventType,
		alert.Severity,
		alert.Message,
		channels,
	).Scan(
		&rec.ID,
		&rec.EventType,
		&rec.Severity,
		&rec.Message,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectRateChanges(rows pgx.Rows, capacity int) ([]RateChangeRecord, error) {
	defer rows.Close()

	changes := make([]RateChangeRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanRateChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return changes, nil
}

func scanRateChange(rows pgx.Rows) (RateChangeRecord, error) {
	var (
		rec                   RateChangeRecord
		oldAPY, newAPY, block int64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.TxHash,
		&oldAPY,
		&newAPY,
		&rec.Reason,
		&block,
		&rec.ChangedAt,
		&rec.CreatedAt,
	); err != nil {
		return RateChangeRecord{}, err
	}
	rec.OldAPY = uint64(oldAPY)
	rec.NewAPY = uint64(newAPY)
	rec.BlockNumber = uint64(block)
	return rec, nil
}

var (
	_ RateChangeStore = (*Store)(nil)
	_ HalvingStore    = (*Store)(nil)
	_ AlertStore      = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
