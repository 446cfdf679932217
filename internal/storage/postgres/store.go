package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
)

const uniqueViolation = "23505"

var dialect = storage.Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	TimeValue:   func(t time.Time) interface{} { return t },
}

// Store provides Postgres persistence for fee events and scan cursors.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", model.ErrFatal, err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate creates tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const upsertFeeEvent = `
	INSERT INTO fee_events (
		chain, tx_hash, log_index, contract, protocol, block_number, block_time,
		affiliate, attribution, fee_token, token_symbol, fee_amount, fee_usd,
		swap_from_asset, swap_to_asset, swap_from_amount, swap_to_amount,
		created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		$12::text::numeric, $13::text::numeric,
		$14, $15, $16::text::numeric, $17::text::numeric,
		now(), now()
	)
	ON CONFLICT (chain, tx_hash, log_index)
	DO UPDATE SET
		contract = EXCLUDED.contract,
		protocol = EXCLUDED.protocol,
		block_number = EXCLUDED.block_number,
		block_time = EXCLUDED.block_time,
		affiliate = EXCLUDED.affiliate,
		attribution = EXCLUDED.attribution,
		fee_token = EXCLUDED.fee_token,
		token_symbol = COALESCE(NULLIF(EXCLUDED.token_symbol, ''), fee_events.token_symbol),
		fee_amount = EXCLUDED.fee_amount,
		fee_usd = COALESCE(EXCLUDED.fee_usd, fee_events.fee_usd),
		swap_from_asset = EXCLUDED.swap_from_asset,
		swap_to_asset = EXCLUDED.swap_to_asset,
		swap_from_amount = EXCLUDED.swap_from_amount,
		swap_to_amount = EXCLUDED.swap_to_amount,
		updated_at = now()
`

func queueUpsert(batch *pgx.Batch, event model.FeeEvent) error {
	if err := storage.Validate(event); err != nil {
		return err
	}
	e := storage.Normalize(event)

	var fromAsset, toAsset, fromAmount, toAmount *string
	if e.Swap != nil {
		fromAsset, toAsset = &e.Swap.FromAsset, &e.Swap.ToAsset
		fromAmount, toAmount = nonEmpty(e.Swap.FromAmount), nonEmpty(e.Swap.ToAmount)
	}

	batch.Queue(upsertFeeEvent,
		e.Chain,
		e.TxHash,
		int64(e.LogIndex),
		e.Contract,
		e.Protocol,
		int64(e.BlockNumber),
		e.BlockTime,
		e.Affiliate,
		string(e.Attribution),
		e.FeeToken,
		e.TokenSymbol,
		e.FeeAmount,
		e.FeeUSD,
		fromAsset,
		toAsset,
		fromAmount,
		toAmount,
	)
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Upsert inserts or updates one fee event.
func (s *Store) Upsert(ctx context.Context, event model.FeeEvent) error {
	return s.Commit(ctx, []model.FeeEvent{event}, nil)
}

// Commit writes a chunk's events and cursor in one transaction.
func (s *Store) Commit(ctx context.Context, events []model.FeeEvent, cursor *model.ScanCursor) error {
	batch := &pgx.Batch{}
	for _, event := range events {
		if err := queueUpsert(batch, event); err != nil {
			return err
		}
	}
	if cursor != nil {
		key := model.NewCursorKey(cursor.Chain, cursor.Contract)
		batch.Queue(`
			INSERT INTO scan_cursors (chain, contract, last_block, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (chain, contract) DO UPDATE
			SET last_block = GREATEST(scan_cursors.last_block, EXCLUDED.last_block), updated_at = now()
		`, key.Chain, key.Contract, int64(cursor.LastBlock))
	}
	if batch.Len() == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return mapError(err)
			}
		}
		return br.Close()
	})
}

// GetCursor returns the cursor for key; ok is false when none was committed.
func (s *Store) GetCursor(ctx context.Context, key model.CursorKey) (model.ScanCursor, bool, error) {
	key = model.NewCursorKey(key.Chain, key.Contract)
	var last int64
	var updated time.Time
	row := s.pool.QueryRow(ctx, `SELECT last_block, updated_at FROM scan_cursors WHERE chain=$1 AND contract=$2`, key.Chain, key.Contract)
	if err := row.Scan(&last, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScanCursor{}, false, nil
		}
		return model.ScanCursor{}, false, err
	}
	return model.ScanCursor{CursorKey: key, LastBlock: uint64(last), UpdatedAt: updated.UTC()}, true, nil
}

// SetCursor overwrites the cursor for key.
func (s *Store) SetCursor(ctx context.Context, key model.CursorKey, block uint64) error {
	key = model.NewCursorKey(key.Chain, key.Contract)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_cursors (chain, contract, last_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain, contract) DO UPDATE
		SET last_block = EXCLUDED.last_block, updated_at = now()
	`, key.Chain, key.Contract, int64(block))
	return mapError(err)
}

// Query returns fee events ordered by block and log index.
func (s *Store) Query(ctx context.Context, q model.FeeQuery) ([]model.FeeEvent, error) {
	where, args := storage.FeeFilter(q, dialect)
	args = append(args, storage.Limit(q))
	query := fmt.Sprintf(`
		SELECT chain, tx_hash, log_index, contract, protocol, block_number, block_time,
		       affiliate, attribution, fee_token, token_symbol, fee_amount::text, fee_usd::text,
		       swap_from_asset, swap_to_asset, swap_from_amount::text, swap_to_amount::text
		FROM fee_events%s
		ORDER BY chain, block_number, log_index
		LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fee events: %w", err)
	}
	defer rows.Close()

	var out []model.FeeEvent
	for rows.Next() {
		var (
			e                                        model.FeeEvent
			logIndex, blockNumber                    int64
			attribution                              string
			fromAsset, toAsset, fromAmount, toAmount *string
		)
		if err := rows.Scan(&e.Chain, &e.TxHash, &logIndex, &e.Contract, &e.Protocol, &blockNumber, &e.BlockTime,
			&e.Affiliate, &attribution, &e.FeeToken, &e.TokenSymbol, &e.FeeAmount, &e.FeeUSD,
			&fromAsset, &toAsset, &fromAmount, &toAmount); err != nil {
			return nil, fmt.Errorf("scan fee event: %w", err)
		}
		e.LogIndex = uint64(logIndex)
		e.BlockNumber = uint64(blockNumber)
		e.BlockTime = e.BlockTime.UTC()
		e.Attribution = model.Attribution(attribution)
		if fromAsset != nil || toAsset != nil {
			e.Swap = &model.SwapLink{
				FromAsset:  deref(fromAsset),
				ToAsset:    deref(toAsset),
				FromAmount: deref(fromAmount),
				ToAmount:   deref(toAmount),
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cursors lists every committed cursor.
func (s *Store) Cursors(ctx context.Context) ([]model.ScanCursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT chain, contract, last_block, updated_at FROM scan_cursors ORDER BY chain, contract`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	var out []model.ScanCursor
	for rows.Next() {
		var c model.ScanCursor
		var last int64
		if err := rows.Scan(&c.Chain, &c.Contract, &last, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.LastBlock = uint64(last)
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", model.ErrStorageConflict, pgErr.Message)
	}
	return err
}
