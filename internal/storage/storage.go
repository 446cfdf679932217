package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"affiliateScope/internal/model"
)

// DefaultQueryLimit caps Query results when FeeQuery.Limit is zero.
const DefaultQueryLimit = 1000

// FeeStore persists fee events and scan cursors. Writes are idempotent on
// (chain, tx_hash, log_index) for events and (chain, contract) for cursors.
type FeeStore interface {
	Migrate(ctx context.Context) error
	Upsert(ctx context.Context, event model.FeeEvent) error
	// Commit writes events and, when cursor is non-nil, advances the cursor
	// in the same transaction. The cursor never moves backwards.
	Commit(ctx context.Context, events []model.FeeEvent, cursor *model.ScanCursor) error
	GetCursor(ctx context.Context, key model.CursorKey) (model.ScanCursor, bool, error)
	// SetCursor overwrites the cursor, including moving it backwards.
	SetCursor(ctx context.Context, key model.CursorKey, block uint64) error
	Query(ctx context.Context, q model.FeeQuery) ([]model.FeeEvent, error)
	Cursors(ctx context.Context) ([]model.ScanCursor, error)
	Close() error
}

// DecodeErrorSink receives logs that failed to decode.
type DecodeErrorSink interface {
	PutDecodeErrors(errs []model.DecodeError) error
}

// Normalize lowercases the hex identifiers that form keys and filters.
func Normalize(e model.FeeEvent) model.FeeEvent {
	e.TxHash = strings.ToLower(e.TxHash)
	e.Contract = strings.ToLower(e.Contract)
	e.Affiliate = strings.ToLower(e.Affiliate)
	e.FeeToken = strings.ToLower(e.FeeToken)
	e.BlockTime = e.BlockTime.UTC()
	return e
}

// Validate rejects events that cannot be keyed or stored.
func Validate(e model.FeeEvent) error {
	if e.Chain == "" || e.TxHash == "" {
		return fmt.Errorf("fee event requires chain and tx hash")
	}
	if e.FeeAmount == "" {
		return fmt.Errorf("fee event %s:%d has no amount", e.TxHash, e.LogIndex)
	}
	return nil
}

// Dialect adapts FeeFilter to a SQL driver.
type Dialect struct {
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder func(n int) string
	// TimeValue converts a time bound to the block_time column type.
	TimeValue func(t time.Time) interface{}
}

// FeeFilter renders the WHERE clause and arguments for a FeeQuery.
func FeeFilter(q model.FeeQuery, d Dialect) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, d.Placeholder(len(args))))
	}

	if q.Chain != "" {
		add("chain = %s", q.Chain)
	}
	if q.Contract != "" {
		add("contract = %s", strings.ToLower(q.Contract))
	}
	if q.Affiliate != "" {
		affiliate := strings.ToLower(q.Affiliate)
		pattern := escapeLike(affiliate)
		args = append(args, affiliate, pattern+model.AffiliateSeparator+"%", "%"+model.AffiliateSeparator+pattern, "%"+model.AffiliateSeparator+pattern+model.AffiliateSeparator+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			`(affiliate = %s OR affiliate LIKE %s ESCAPE '\' OR affiliate LIKE %s ESCAPE '\' OR affiliate LIKE %s ESCAPE '\')`,
			d.Placeholder(n-3), d.Placeholder(n-2), d.Placeholder(n-1), d.Placeholder(n),
		))
	}
	if !q.FromTime.IsZero() {
		add("block_time >= %s", d.TimeValue(q.FromTime.UTC()))
	}
	if !q.ToTime.IsZero() {
		add("block_time <= %s", d.TimeValue(q.ToTime.UTC()))
	}
	if q.FromBlock > 0 {
		add("block_number >= %s", int64(q.FromBlock))
	}
	if q.ToBlock > 0 {
		add("block_number <= %s", int64(q.ToBlock))
	}
	if q.Priced != nil {
		if *q.Priced {
			clauses = append(clauses, "fee_usd IS NOT NULL")
		} else {
			clauses = append(clauses, "fee_usd IS NULL")
		}
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return where, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Limit resolves the effective row limit of a query.
func Limit(q model.FeeQuery) int {
	if q.Limit <= 0 || q.Limit > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return q.Limit
}
