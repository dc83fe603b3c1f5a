// Package fixed implements the 1e6 fixed-point arithmetic used for all
// prices, quantities and collateral amounts. Every operation is checked:
// anything that would wrap returns ErrArithmeticOverflow instead of a
// silently corrupted value.
package fixed

import (
	"errors"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the fixed-point denominator. 1.0 == 1_000_000.
	Scale uint64 = 1_000_000

	// BpsDenom is the basis-point denominator. 100% == 10_000 bps.
	BpsDenom uint64 = 10_000
)

// ErrArithmeticOverflow is returned when a checked operation would wrap.
var ErrArithmeticOverflow = errors.New("arithmetic overflow")

// Add returns a+b or ErrArithmeticOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrArithmeticOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}

// MulDiv returns a*b/den using a 128-bit intermediate, rounding toward zero.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrArithmeticOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		return 0, ErrArithmeticOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// Mul returns the fixed-point product a*b/Scale.
func Mul(a, b uint64) (uint64, error) {
	return MulDiv(a, b, Scale)
}

// Div returns the fixed-point quotient a*Scale/b.
func Div(a, b uint64) (uint64, error) {
	return MulDiv(a, Scale, b)
}

// Notional returns qty*px/Scale, the quote-asset value of a base quantity.
func Notional(qty, px uint64) (uint64, error) {
	return MulDiv(qty, px, Scale)
}

// ApplyBps returns x*bps/10_000.
func ApplyBps(x uint64, bps uint64) (uint64, error) {
	return MulDiv(x, bps, BpsDenom)
}

// AddSigned returns a+b or ErrArithmeticOverflow.
func AddSigned(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// SubSigned returns a-b or ErrArithmeticOverflow.
func SubSigned(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, ErrArithmeticOverflow
		}
		return a - b, nil
	}
	return AddSigned(a, -b)
}

// AddUnsigned credits an unsigned amount to a signed balance. Amounts above
// math.MaxInt64 are rejected before the conversion can wrap.
func AddUnsigned(a int64, b uint64) (int64, error) {
	if b > uint64(math.MaxInt64) {
		return 0, ErrArithmeticOverflow
	}
	return AddSigned(a, int64(b))
}

// SubUnsigned debits an unsigned amount from a signed balance.
func SubUnsigned(a int64, b uint64) (int64, error) {
	if b > uint64(math.MaxInt64) {
		return 0, ErrArithmeticOverflow
	}
	return SubSigned(a, int64(b))
}

// PnL returns qty*(markPx-entryPx)/Scale. Positive qty is long exposure.
func PnL(qty int64, entryPx, markPx uint64) (int64, error) {
	var diff uint64
	neg := false
	if markPx >= entryPx {
		diff = markPx - entryPx
	} else {
		diff = entryPx - markPx
		neg = true
	}
	absQty := uint64(qty)
	if qty < 0 {
		absQty = uint64(-qty)
		neg = !neg
	}
	mag, err := MulDiv(absQty, diff, Scale)
	if err != nil {
		return 0, err
	}
	if mag > uint64(math.MaxInt64) {
		return 0, ErrArithmeticOverflow
	}
	if neg {
		return -int64(mag), nil
	}
	return int64(mag), nil
}

// ClampAdd returns cur+delta clamped into [0, max(int64)] without error.
// Used for balances that saturate rather than reject (realized PnL display).
func ClampAdd(cur uint64, delta int64) uint64 {
	if delta >= 0 {
		sum, carry := bits.Add64(cur, uint64(delta), 0)
		if carry != 0 {
			return math.MaxUint64
		}
		return sum
	}
	d := uint64(-delta)
	if d > cur {
		return 0
	}
	return cur - d
}

// FromDecimal converts a decimal value into 1e6 fixed point.
func FromDecimal(d decimal.Decimal) (uint64, error) {
	scaled := d.Mul(decimal.NewFromInt(int64(Scale)))
	if scaled.IsNegative() || !scaled.BigInt().IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return scaled.BigInt().Uint64(), nil
}

// ToDecimal converts a 1e6 fixed-point value to a decimal.
func ToDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).
		Div(decimal.NewFromInt(int64(Scale)))
}

// SignedToDecimal converts a signed 1e6 fixed-point value to a decimal.
func SignedToDecimal(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(decimal.NewFromInt(int64(Scale)))
}
