// Package decimalx collects the decimal.Decimal helpers the engine shares
// across components. All monetary, size, and price fields in this engine
// are github.com/govalues/decimal values rather than float64: the stored
// columns are fixed-precision decimals and equality checks are
// tolerance-bounded, neither of which float64 gives for free.
package decimalx

import (
	"fmt"

	"github.com/govalues/decimal"
)

// Zero is the additive identity, reused instead of re-parsing "0".
var Zero = decimal.Zero

// Comparison tolerances: size/price figures and monetary figures.
var (
	ToleranceSizePrice = decimal.MustParse("0.0001")
	ToleranceMoney     = decimal.MustParse("0.01")
)

// MustParse parses s and panics on failure. Reserved for literals baked
// into the engine itself (tolerances, constants) — never for values that
// originate outside the process.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("decimalx: invalid literal %q: %v", s, err))
	}
	return d
}

// Add/Sub/Mul wrap the fallible govalues operations with a panic on
// overflow: at the magnitudes this engine deals with (lot sizes, FX/crypto
// prices, account balances) an overflow is a programming error, not a
// recoverable runtime condition, per the engine's "only truly unexpected
// conditions abort" discipline.
func Add(a, b decimal.Decimal) decimal.Decimal {
	r, err := a.Add(b)
	if err != nil {
		panic(fmt.Sprintf("decimalx: add overflow: %v", err))
	}
	return r
}

func Sub(a, b decimal.Decimal) decimal.Decimal {
	r, err := a.Sub(b)
	if err != nil {
		panic(fmt.Sprintf("decimalx: sub overflow: %v", err))
	}
	return r
}

func Mul(a, b decimal.Decimal) decimal.Decimal {
	r, err := a.MulExact(b, 0)
	if err != nil {
		panic(fmt.Sprintf("decimalx: mul overflow: %v", err))
	}
	return r
}

// Quo divides a by b, returning an error for division by zero instead of
// panicking: unlike overflow, a zero divisor can arise from bad input
// (e.g. a zero-size position) and callers are expected to handle it.
func Quo(a, b decimal.Decimal) (decimal.Decimal, error) {
	return a.QuoExact(b, 0)
}

// WithinTolerance reports whether |a-b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	diff := Sub(a, b).Abs()
	return diff.Cmp(tol) <= 0
}
