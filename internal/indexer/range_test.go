package indexer

import (
	"reflect"
	"testing"

	"affiliateScope/internal/model"
)

func TestSplitRange(t *testing.T) {
	got, err := SplitRange(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.BlockRange{
		{From: 100, To: 101},
		{From: 102, To: 103},
		{From: 104, To: 105},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeCountIsCeil(t *testing.T) {
	got, err := SplitRange(1000, 2000, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected ceil(1001/500)=3 ranges, got %d", len(got))
	}
	if got[2] != (model.BlockRange{From: 2000, To: 2000}) {
		t.Fatalf("last range mismatch: %+v", got[2])
	}
}

func TestSplitRangeSingle(t *testing.T) {
	got, err := SplitRange(5, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.BlockRange{{From: 5, To: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}

func TestHalve(t *testing.T) {
	left, right, ok := halve(model.BlockRange{From: 100, To: 104})
	if !ok {
		t.Fatalf("expected split")
	}
	if left != (model.BlockRange{From: 100, To: 102}) || right != (model.BlockRange{From: 103, To: 104}) {
		t.Fatalf("halves mismatch: %v %v", left, right)
	}

	if _, _, ok := halve(model.BlockRange{From: 7, To: 7}); ok {
		t.Fatalf("single block must not split")
	}
}
