package decoder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
)

// Empty is the payload stored when an action cannot be decoded.
const Empty = "{}"

// ABISource returns the ABI document stored for an account.
type ABISource interface {
	AccountABI(ctx context.Context, account string) (string, bool, error)
}

type entry struct {
	abi *abi.ABI
}

// Registry decodes action payloads with per-account ABIs. Parsed ABIs,
// including misses, are cached until Invalidate or the TTL.
type Registry struct {
	src    ABISource
	static map[string]string
	cache  *cache.Cache
	logger *slog.Logger
}

// NewRegistry builds a registry over src. ttl <= 0 keeps entries until invalidated.
func NewRegistry(src ABISource, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	exp := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = 2 * ttl
	}
	return &Registry{
		src:    src,
		static: map[string]string{},
		cache:  cache.New(exp, cleanup),
		logger: logger,
	}
}

// WithStatic registers ABIs used when the sink holds none for an account.
func (r *Registry) WithStatic(abis map[string]string) *Registry {
	for account, doc := range abis {
		r.static[account] = doc
	}
	return r
}

// Invalidate drops the cached ABI for account.
func (r *Registry) Invalidate(account string) {
	r.cache.Delete(account)
}

// Decode renders data as a JSON object using the named method of the
// account's ABI. Any failure yields Empty.
func (r *Registry) Decode(ctx context.Context, account, name string, data []byte) string {
	if len(data) == 0 {
		return Empty
	}
	a := r.lookup(ctx, account)
	if a == nil {
		return Empty
	}
	method, ok := a.Methods[name]
	if !ok {
		return Empty
	}
	args := map[string]any{}
	if err := method.Inputs.UnpackIntoMap(args, data); err != nil {
		r.logger.Debug("decode action payload", "account", account, "action", name, "error", err)
		return Empty
	}
	for k, v := range args {
		args[k] = normalize(v)
	}
	out, err := json.Marshal(args)
	if err != nil {
		r.logger.Debug("encode action payload", "account", account, "action", name, "error", err)
		return Empty
	}
	return string(out)
}

func (r *Registry) lookup(ctx context.Context, account string) *abi.ABI {
	if v, ok := r.cache.Get(account); ok {
		return v.(entry).abi
	}

	doc, ok, err := r.src.AccountABI(ctx, account)
	if err != nil {
		// not cached so the next action retries the sink
		r.logger.Warn("load account abi", "account", account, "error", err)
		return nil
	}
	if !ok {
		doc, ok = r.static[account]
	}

	var parsed *abi.ABI
	if ok {
		a, err := abi.JSON(strings.NewReader(doc))
		if err != nil {
			r.logger.Warn("parse account abi", "account", account, "error", err)
		} else {
			parsed = &a
		}
	}
	r.cache.Set(account, entry{abi: parsed}, cache.DefaultExpiration)
	return parsed
}

func normalize(v any) any {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case [32]byte:
		return "0x" + hex.EncodeToString(x[:])
	default:
		return v
	}
}

// LoadDir reads every *.json ABI under dir, keyed by file name without extension.
// Each document is validated before it is returned.
func LoadDir(dir string) (map[string]string, error) {
	abis := map[string]string{}
	if dir == "" {
		return abis, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read abi %s: %w", path, err)
		}
		if _, err := abi.JSON(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("parse abi %s: %w", path, err)
		}
		account := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		abis[account] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return abis, nil
}
