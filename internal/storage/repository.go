package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertIndexSQL = `INSERT INTO index_history (
        computed_at,
        full_price,
        hyperscaler_price,
        non_hyperscaler_price,
        total_weight,
        hyperscaler_weight,
        non_hyperscaler_weight,
        source,
        supersedes
    ) VALUES (
        $1,$2::numeric,$3::numeric,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9
    );`

	listRecentIndicesSQL = `SELECT
        computed_at,
        full_price::text,
        hyperscaler_price::text,
        non_hyperscaler_price::text,
        total_weight::text,
        hyperscaler_weight::text,
        non_hyperscaler_weight::text,
        source,
        supersedes
    FROM index_history
    ORDER BY computed_at DESC, id DESC
    LIMIT $1;`

	countIndicesSQL = `SELECT COUNT(*) FROM index_history;`

	insertPublicationSQL = `INSERT INTO publications (
        logged_at,
        run_id,
        asset,
        asset_id,
        price_usd,
        scaled_price,
        commit_tx,
        reveal_tx,
        block_ref,
        outcome,
        error,
        batch
    ) VALUES (
        $1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8,$9,$10,$11,$12
    );`

	listRecentPublicationsSQL = `SELECT
        logged_at,
        run_id,
        asset,
        asset_id,
        price_usd::text,
        scaled_price::text,
        commit_tx,
        reveal_tx,
        block_ref,
        outcome,
        error,
        batch
    FROM publications
    ORDER BY logged_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists index history and the publication mirror.
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
		// the lock is session scoped; a failed unlock is released with the connection anyway
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

// AppendIndex inserts one history row.
func (s *Store) AppendIndex(ctx context.Context, ci index.ComputedIndex) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row := ToIndexRow(ci)

	_, execErr := pool.Exec(ctx, insertIndexSQL,
		row.ComputedAt,
		nullableText(row.FullPrice),
		nullableText(row.HyperscalerPrice),
		nullableText(row.NonHyperscalerPrice),
		row.TotalWeight.String(),
		row.HyperscalerWeight.String(),
		row.NonHyperscalerWeight.String(),
		row.Source,
		row.Supersedes,
	)
	if execErr != nil {
		return fmt.Errorf("insert index history: %w", execErr)
	}
	return nil
}

// RecentIndices returns up to limit most recent entries, oldest first.
func (s *Store) RecentIndices(ctx context.Context, limit int) ([]index.ComputedIndex, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, queryErr := pool.Query(ctx, listRecentIndicesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent indices: %w", queryErr)
	}
	defer rows.Close()

	out := make([]index.ComputedIndex, 0, limit)
	for rows.Next() {
		ci, scanErr := scanIndex(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ci)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountIndices counts stored history rows.
func (s *Store) CountIndices(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countIndicesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count indices: %w", scanErr)
	}
	return count, nil
}

// InsertPublication mirrors an audit entry.
func (s *Store) InsertPublication(ctx context.Context, entry audit.Entry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row, err := ToPublicationRow(entry)
	if err != nil {
		return err
	}

	var batch any
	if len(row.Batch) > 0 {
		batch = []byte(row.Batch)
	}

	_, execErr := pool.Exec(ctx, insertPublicationSQL,
		row.LoggedAt,
		row.RunID,
		row.Asset,
		row.AssetID,
		nullableText(row.PriceUSD),
		nullableText(row.ScaledPrice),
		row.CommitTx,
		row.RevealTx,
		row.BlockRef,
		row.Outcome,
		row.Error,
		batch,
	)
	if execErr != nil {
		return fmt.Errorf("insert publication: %w", execErr)
	}
	return nil
}

// ListRecentPublications returns the newest mirrored entries first.
func (s *Store) ListRecentPublications(ctx context.Context, limit int) ([]audit.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPublicationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent publications: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]audit.Entry, 0, limit)
	for rows.Next() {
		var (
			row           PublicationRow
			price, scaled sql.NullString
			batch         []byte
		)
		if err := rows.Scan(
			&row.LoggedAt,
			&row.RunID,
			&row.Asset,
			&row.AssetID,
			&price,
			&scaled,
			&row.CommitTx,
			&row.RevealTx,
			&row.BlockRef,
			&row.Outcome,
			&row.Error,
			&batch,
		); err != nil {
			return nil, err
		}
		if row.PriceUSD, err = parseNullable(price); err != nil {
			return nil, fmt.Errorf("parse price_usd: %w", err)
		}
		if row.ScaledPrice, err = parseNullable(scaled); err != nil {
			return nil, fmt.Errorf("parse scaled_price: %w", err)
		}
		row.Batch = batch

		entry, convErr := row.Entry()
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// History adapts the store to history.Store.
func (s *Store) History() history.Store { return historyAdapter{s} }

// AuditSink adapts the store to audit.Sink.
func (s *Store) AuditSink() audit.Sink { return auditAdapter{s} }

type historyAdapter struct{ s *Store }

func (h historyAdapter) Append(ctx context.Context, entry index.ComputedIndex) error {
	return h.s.AppendIndex(ctx, entry)
}

func (h historyAdapter) Recent(ctx context.Context, limit int) ([]index.ComputedIndex, error) {
	return h.s.RecentIndices(ctx, limit)
}

type auditAdapter struct{ s *Store }

func (a auditAdapter) Append(ctx context.Context, entry audit.Entry) error {
	return a.s.InsertPublication(ctx, entry)
}

func scanIndex(rows pgx.Rows) (index.ComputedIndex, error) {
	var (
		row                                   IndexRow
		full, hyper, nonHyper                 sql.NullString
		totalStr, hyperWeight, nonHyperWeight string
	)
	if err := rows.Scan(
		&row.ComputedAt,
		&full,
		&hyper,
		&nonHyper,
		&totalStr,
		&hyperWeight,
		&nonHyperWeight,
		&row.Source,
		&row.Supersedes,
	); err != nil {
		return index.ComputedIndex{}, err
	}

	var err error
	if row.FullPrice, err = parseNullable(full); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse full_price: %w", err)
	}
	if row.HyperscalerPrice, err = parseNullable(hyper); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse hyperscaler_price: %w", err)
	}
	if row.NonHyperscalerPrice, err = parseNullable(nonHyper); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse non_hyperscaler_price: %w", err)
	}
	if row.TotalWeight, err = decimal.NewFromString(totalStr); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse total_weight: %w", err)
	}
	if row.HyperscalerWeight, err = decimal.NewFromString(hyperWeight); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse hyperscaler_weight: %w", err)
	}
	if row.NonHyperscalerWeight, err = decimal.NewFromString(nonHyperWeight); err != nil {
		return index.ComputedIndex{}, fmt.Errorf("parse non_hyperscaler_weight: %w", err)
	}
	return row.ComputedIndex()
}

func nullableText(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func parseNullable(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ AdvisoryLocker = (*Store)(nil)
	_ history.Store  = historyAdapter{}
	_ audit.Sink     = auditAdapter{}
)
