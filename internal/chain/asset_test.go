package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAsset(t *testing.T) {
	cases := []struct {
		in   string
		want Asset
	}{
		{"1.0000 EOS", Asset{Amount: 10000, Precision: 4, Symbol: "EOS"}},
		{"0.0001 EOS", Asset{Amount: 1, Precision: 4, Symbol: "EOS"}},
		{"1000000000.0000 SYS", Asset{Amount: 10000000000000, Precision: 4, Symbol: "SYS"}},
		{"42 GOLD", Asset{Amount: 42, Precision: 0, Symbol: "GOLD"}},
		{"-0.50 USD", Asset{Amount: -50, Precision: 2, Symbol: "USD"}},
	}
	for _, tc := range cases {
		got, err := ParseAsset(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.in, got.String())
	}
}

func TestParseAssetRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "1.0000", "EOS", "1.0000 eos", "1.0.0 EOS", "1.00 EOS X", "abc EOS", "1.-5 EOS"} {
		_, err := ParseAsset(in)
		assert.ErrorIs(t, err, ErrMalformedAsset, in)
	}
}
