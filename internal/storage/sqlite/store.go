package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
)

// Store is an embedded FeeStore for local runs. All access goes through a
// single connection.
type Store struct {
	db *sql.DB
}

var dialect = storage.Dialect{
	Placeholder: func(int) string { return "?" },
	TimeValue:   func(t time.Time) interface{} { return t.Unix() },
}

// NewStore opens (and creates) the database file at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (chain, tx_hash, log_index) DO UPDATE SET
		contract = excluded.contract,
		protocol = excluded.protocol,
		block_number = excluded.block_number,
		block_time = excluded.block_time,
		affiliate = excluded.affiliate,
		attribution = excluded.attribution,
		fee_token = excluded.fee_token,
		token_symbol = CASE WHEN excluded.token_symbol = '' THEN fee_events.token_symbol ELSE excluded.token_symbol END,
		fee_amount = excluded.fee_amount,
		fee_usd = COALESCE(excluded.fee_usd, fee_events.fee_usd),
		swap_from_asset = excluded.swap_from_asset,
		swap_to_asset = excluded.swap_to_asset,
		swap_from_amount = excluded.swap_from_amount,
		swap_to_amount = excluded.swap_to_amount,
		updated_at = excluded.updated_at
`

const advanceCursor = `
	INSERT INTO scan_cursors (chain, contract, last_block, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (chain, contract) DO UPDATE SET
		last_block = MAX(scan_cursors.last_block, excluded.last_block),
		updated_at = excluded.updated_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, event model.FeeEvent) error {
	if err := storage.Validate(event); err != nil {
		return err
	}
	e := storage.Normalize(event)
	now := time.Now().Unix()

	var fromAsset, toAsset, fromAmount, toAmount sql.NullString
	if e.Swap != nil {
		fromAsset = sql.NullString{String: e.Swap.FromAsset, Valid: true}
		toAsset = sql.NullString{String: e.Swap.ToAsset, Valid: true}
		fromAmount = sql.NullString{String: e.Swap.FromAmount, Valid: e.Swap.FromAmount != ""}
		toAmount = sql.NullString{String: e.Swap.ToAmount, Valid: e.Swap.ToAmount != ""}
	}

	_, err := db.ExecContext(ctx, upsertFeeEvent,
		e.Chain, e.TxHash, int64(e.LogIndex), e.Contract, e.Protocol, int64(e.BlockNumber), e.BlockTime.Unix(),
		e.Affiliate, string(e.Attribution), e.FeeToken, e.TokenSymbol, e.FeeAmount, e.FeeUSD,
		fromAsset, toAsset, fromAmount, toAmount,
		now, now,
	)
	return mapError(err)
}

// Upsert inserts or updates one fee event.
func (s *Store) Upsert(ctx context.Context, event model.FeeEvent) error {
	return upsert(ctx, s.db, event)
}

// Commit writes a chunk's events and cursor atomically.
func (s *Store) Commit(ctx context.Context, events []model.FeeEvent, cursor *model.ScanCursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if err := upsert(ctx, tx, event); err != nil {
			return fmt.Errorf("upsert %s:%d: %w", event.TxHash, event.LogIndex, err)
		}
	}
	if cursor != nil {
		key := model.NewCursorKey(cursor.Chain, cursor.Contract)
		if _, err := tx.ExecContext(ctx, advanceCursor, key.Chain, key.Contract, int64(cursor.LastBlock), time.Now().Unix()); err != nil {
			return fmt.Errorf("advance cursor %s: %w", key, mapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// GetCursor returns the cursor for key; ok is false when none was committed.
func (s *Store) GetCursor(ctx context.Context, key model.CursorKey) (model.ScanCursor, bool, error) {
	key = model.NewCursorKey(key.Chain, key.Contract)
	var last, updated int64
	row := s.db.QueryRowContext(ctx, `SELECT last_block, updated_at FROM scan_cursors WHERE chain = ? AND contract = ?`, key.Chain, key.Contract)
	if err := row.Scan(&last, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScanCursor{}, false, nil
		}
		return model.ScanCursor{}, false, err
	}
	return model.ScanCursor{CursorKey: key, LastBlock: uint64(last), UpdatedAt: time.Unix(updated, 0).UTC()}, true, nil
}

// SetCursor overwrites the cursor for key.
func (s *Store) SetCursor(ctx context.Context, key model.CursorKey, block uint64) error {
	key = model.NewCursorKey(key.Chain, key.Contract)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_cursors (chain, contract, last_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain, contract) DO UPDATE SET
			last_block = excluded.last_block,
			updated_at = excluded.updated_at
	`, key.Chain, key.Contract, int64(block), time.Now().Unix())
	return mapError(err)
}

// Query returns fee events ordered by block and log index.
func (s *Store) Query(ctx context.Context, q model.FeeQuery) ([]model.FeeEvent, error) {
	where, args := storage.FeeFilter(q, dialect)
	query := `
		SELECT chain, tx_hash, log_index, contract, protocol, block_number, block_time,
		       affiliate, attribution, fee_token, token_symbol, fee_amount, fee_usd,
		       swap_from_asset, swap_to_asset, swap_from_amount, swap_to_amount
		FROM fee_events` + where + ` ORDER BY chain, block_number, log_index LIMIT ?`
	args = append(args, storage.Limit(q))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fee events: %w", err)
	}
	defer rows.Close()

	var out []model.FeeEvent
	for rows.Next() {
		var (
			e                                        model.FeeEvent
			logIndex, blockNumber, blockTime         int64
			attribution                              string
			feeUSD                                   sql.NullString
			fromAsset, toAsset, fromAmount, toAmount sql.NullString
		)
		if err := rows.Scan(&e.Chain, &e.TxHash, &logIndex, &e.Contract, &e.Protocol, &blockNumber, &blockTime,
			&e.Affiliate, &attribution, &e.FeeToken, &e.TokenSymbol, &e.FeeAmount, &feeUSD,
			&fromAsset, &toAsset, &fromAmount, &toAmount); err != nil {
			return nil, fmt.Errorf("scan fee event: %w", err)
		}
		e.LogIndex = uint64(logIndex)
		e.BlockNumber = uint64(blockNumber)
		e.BlockTime = time.Unix(blockTime, 0).UTC()
		e.Attribution = model.Attribution(attribution)
		if feeUSD.Valid {
			v := feeUSD.String
			e.FeeUSD = &v
		}
		if fromAsset.Valid || toAsset.Valid {
			e.Swap = &model.SwapLink{
				FromAsset:  fromAsset.String,
				ToAsset:    toAsset.String,
				FromAmount: fromAmount.String,
				ToAmount:   toAmount.String,
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cursors lists every committed cursor.
func (s *Store) Cursors(ctx context.Context) ([]model.ScanCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chain, contract, last_block, updated_at FROM scan_cursors ORDER BY chain, contract`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	var out []model.ScanCursor
	for rows.Next() {
		var c model.ScanCursor
		var last, updated int64
		if err := rows.Scan(&c.Chain, &c.Contract, &last, &updated); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.LastBlock = uint64(last)
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", model.ErrStorageConflict, err)
	}
	return err
}
