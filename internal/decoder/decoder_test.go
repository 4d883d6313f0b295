package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenABI = `[
	{"type":"function","name":"transfer","inputs":[
		{"name":"to","type":"address"},
		{"name":"quantity","type":"uint256"},
		{"name":"memo","type":"string"}
	]}
]`

type fakeSource struct {
	abis  map[string]string
	err   error
	calls int
}

func (f *fakeSource) AccountABI(_ context.Context, account string) (string, bool, error) {
	f.calls++
	if f.err != nil {
		return "", false, f.err
	}
	doc, ok := f.abis[account]
	return doc, ok, nil
}

func packTransfer(t *testing.T, to common.Address, qty int64, memo string) []byte {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(tokenABI))
	require.NoError(t, err)
	data, err := a.Methods["transfer"].Inputs.Pack(to, big.NewInt(qty), memo)
	require.NoError(t, err)
	return data
}

func TestDecodeTransfer(t *testing.T) {
	src := &fakeSource{abis: map[string]string{"token": tokenABI}}
	r := NewRegistry(src, 0, nil)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	out := r.Decode(context.Background(), "token", "transfer", packTransfer(t, to, 1000, "hi"))

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, to.Hex(), got["to"])
	assert.Equal(t, "1000", got["quantity"])
	assert.Equal(t, "hi", got["memo"])
}

func TestDecodeFallsBackToEmpty(t *testing.T) {
	src := &fakeSource{abis: map[string]string{"token": tokenABI, "broken": "not json"}}
	r := NewRegistry(src, 0, nil)
	ctx := context.Background()

	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", nil), "empty data")
	assert.Equal(t, Empty, r.Decode(ctx, "nobody", "transfer", []byte{1}), "no abi")
	assert.Equal(t, Empty, r.Decode(ctx, "token", "vote", []byte{1}), "unknown action")
	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", []byte{1, 2, 3}), "garbage payload")
	assert.Equal(t, Empty, r.Decode(ctx, "broken", "transfer", []byte{1}), "unparseable abi")
}

func TestLookupIsCachedUntilInvalidated(t *testing.T) {
	src := &fakeSource{abis: map[string]string{}}
	r := NewRegistry(src, 0, nil)
	ctx := context.Background()
	data := packTransfer(t, common.Address{}, 1, "")

	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", data))
	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", data))
	assert.Equal(t, 1, src.calls, "miss is cached")

	src.abis["token"] = tokenABI
	r.Invalidate("token")
	assert.NotEqual(t, Empty, r.Decode(ctx, "token", "transfer", data))
	assert.Equal(t, 2, src.calls)
}

func TestSourceErrorIsNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("sink down")}
	r := NewRegistry(src, 0, nil)
	ctx := context.Background()

	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", []byte{1}))
	assert.Equal(t, Empty, r.Decode(ctx, "token", "transfer", []byte{1}))
	assert.Equal(t, 2, src.calls)
}

func TestStaticABIsAndLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token.json"), []byte(tokenABI), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	abis, err := LoadDir(dir)
	require.NoError(t, err)
	require.Contains(t, abis, "token")
	assert.Len(t, abis, 1)

	r := NewRegistry(&fakeSource{}, 0, nil).WithStatic(abis)
	out := r.Decode(context.Background(), "token", "transfer", packTransfer(t, common.Address{}, 7, "x"))
	assert.Contains(t, out, `"quantity":"7"`)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	_, err = LoadDir(dir)
	assert.Error(t, err)
}
