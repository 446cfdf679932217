package affiliate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemo(t *testing.T) {
	cases := []struct {
		memo string
		want Memo
	}{
		{
			memo: "SWAP:ETH.ETH:0xdest:0:ss:50",
			want: Memo{Action: "swap", Asset: "ETH.ETH", Destination: "0xdest", Affiliates: []MemoAffiliate{{Name: "ss", Bps: 50}}},
		},
		{
			memo: "=:BTC.BTC:bc1q:0/1/0:ss/t:10/20",
			want: Memo{Action: "swap", Asset: "BTC.BTC", Destination: "bc1q", Affiliates: []MemoAffiliate{{Name: "ss", Bps: 10}, {Name: "t", Bps: 20}}},
		},
		{
			memo: "s:BTC.BTC:bc1q::ss/t:15",
			want: Memo{Action: "swap", Asset: "BTC.BTC", Destination: "bc1q", Affiliates: []MemoAffiliate{{Name: "ss", Bps: 15}, {Name: "t", Bps: 15}}},
		},
		{
			memo: "+:ETH.ETH:thor1paired:ss:25",
			want: Memo{Action: "add", Asset: "ETH.ETH", Destination: "thor1paired", Affiliates: []MemoAffiliate{{Name: "ss", Bps: 25}}},
		},
		{
			memo: "=:ETH.ETH:0xdest",
			want: Memo{Action: "swap", Asset: "ETH.ETH", Destination: "0xdest"},
		},
		{
			memo: "WITHDRAW:ETH.ETH:10000",
			want: Memo{Action: "withdraw"},
		},
	}

	for _, tc := range cases {
		got, err := ParseMemo(tc.memo)
		require.NoError(t, err, tc.memo)
		assert.Equal(t, tc.want, got, tc.memo)
	}
}

func TestParseMemoErrors(t *testing.T) {
	for _, memo := range []string{
		"",
		"=:ETH.ETH:0xdest:0:ss:abc",
		"=:ETH.ETH:0xdest:0:ss/t/u:1/2",
		"=:ETH.ETH:0xdest:0:ss:10001",
	} {
		_, err := ParseMemo(memo)
		assert.Error(t, err, memo)
	}
}
