package chain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedAsset is returned for quantities not of the form "1.0000 SYM".
var ErrMalformedAsset = errors.New("malformed asset")

const maxAssetPrecision = 18

// Asset is a token quantity in base units of its symbol's precision.
type Asset struct {
	Amount    int64
	Precision int
	Symbol    string
}

// ParseAsset parses quantities such as "1.0000 EOS" or "-5 XYZ".
func ParseAsset(s string) (Asset, error) {
	num, sym, ok := strings.Cut(strings.TrimSpace(s), " ")
	sym = strings.TrimSpace(sym)
	if !ok || num == "" || sym == "" || strings.ContainsAny(sym, " \t") {
		return Asset{}, fmt.Errorf("%w: %q", ErrMalformedAsset, s)
	}
	for _, r := range sym {
		if r < 'A' || r > 'Z' {
			return Asset{}, fmt.Errorf("%w: symbol %q", ErrMalformedAsset, sym)
		}
	}

	whole, frac, _ := strings.Cut(num, ".")
	if len(frac) > maxAssetPrecision {
		return Asset{}, fmt.Errorf("%w: precision of %q", ErrMalformedAsset, s)
	}
	if frac != "" && strings.ContainsAny(frac, "+-") {
		return Asset{}, fmt.Errorf("%w: %q", ErrMalformedAsset, s)
	}
	amount, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrMalformedAsset, err)
	}
	return Asset{Amount: amount, Precision: len(frac), Symbol: sym}, nil
}

// String formats the asset the way the chain prints it.
func (a Asset) String() string {
	neg := a.Amount < 0
	digits := strconv.FormatInt(a.Amount, 10)
	if neg {
		digits = digits[1:]
	}
	if a.Precision > 0 {
		if pad := a.Precision + 1 - len(digits); pad > 0 {
			digits = strings.Repeat("0", pad) + digits
		}
		cut := len(digits) - a.Precision
		digits = digits[:cut] + "." + digits[cut:]
	}
	if neg {
		digits = "-" + digits
	}
	return digits + " " + a.Symbol
}
