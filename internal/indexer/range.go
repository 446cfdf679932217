package indexer

import (
	"fmt"

	"affiliateScope/internal/model"
)

// SplitRange splits a block range into batches of size batchSize.
func SplitRange(from, to, batchSize uint64) ([]model.BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]model.BlockRange, 0, (to-from)/batchSize+1)
	start := from
	for start <= to {
		end := nextEnd(start, to, batchSize)
		ranges = append(ranges, model.BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}

func nextEnd(start, to, batchSize uint64) uint64 {
	remaining := to - start + 1
	if remaining <= batchSize {
		return to
	}
	return start + batchSize - 1
}

// halve splits r into two contiguous halves. ok is false for single-block ranges.
func halve(r model.BlockRange) (model.BlockRange, model.BlockRange, bool) {
	if r.Len() < 2 {
		return r, model.BlockRange{}, false
	}
	halves, err := SplitRange(r.From, r.To, (r.Len()+1)/2)
	if err != nil || len(halves) != 2 {
		return r, model.BlockRange{}, false
	}
	return halves[0], halves[1], true
}
