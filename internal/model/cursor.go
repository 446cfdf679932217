package model

import (
	"fmt"
	"strings"
	"time"
)

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// CursorKey identifies the scan position of one (chain, contract) pair.
type CursorKey struct {
	Chain    string `json:"chain"`
	Contract string `json:"contract"`
}

// NewCursorKey normalizes the contract address so lookups are case-insensitive.
func NewCursorKey(chain, contract string) CursorKey {
	return CursorKey{Chain: chain, Contract: strings.ToLower(contract)}
}

func (k CursorKey) String() string {
	return k.Chain + ":" + k.Contract
}

// ScanCursor is the last durably committed block for a (chain, contract) pair.
type ScanCursor struct {
	CursorKey
	LastBlock uint64    `json:"last_block"`
	UpdatedAt time.Time `json:"updated_at"`
}
