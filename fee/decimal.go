/*
decimal.go - Fixed-precision money arithmetic helpers

PURPOSE:
  All money math goes through decimal.Decimal - never binary floats.
  These helpers pin the two conventions the engine relies on everywhere:
  HALF_UP rounding at an explicit scale, and guarded division (a zero
  divisor yields a zero ratio where the refund algorithm dictates, and an
  explicit error everywhere else).

SEE ALSO:
  - engine.go: Rounds every component amount exactly once
  - refund.go: Uses SafeRatio for the refund ratio
*/
package fee

import (
	"github.com/shopspring/decimal"
)

// ratioScale is the internal scale for intermediate ratios and weights,
// well above any sane policy precision so rounding happens only at the
// final per-amount Round.
const ratioScale = 12

var (
	hundred = decimal.NewFromInt(100)
)

// RoundMoney rounds to the given scale, HALF_UP (halves round away from
// zero, which is HALF_UP for the magnitudes money math produces).
func RoundMoney(d decimal.Decimal, precision int32) decimal.Decimal {
	return d.Round(precision)
}

// ApplyRate computes base * (rate / 100) rounded to the precision, where
// a rate of 100 means 100%.
func ApplyRate(base, rate decimal.Decimal, precision int32) decimal.Decimal {
	return base.Mul(rate).DivRound(hundred, precision+4).Round(precision)
}

// SafeRatio returns num/den at the internal ratio scale, or zero when the
// denominator is zero. Callers that must surface division-by-zero guard
// the denominator themselves instead of calling this.
func SafeRatio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, ratioScale)
}

// MustDecimal parses s, returning zero on malformed input. For constants
// and storage round-trips where the value was written by this module.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Dec is shorthand for building decimals in policy literals and tests.
func Dec(s string) decimal.Decimal { return MustDecimal(s) }

// DecPtr returns a pointer to the parsed decimal, for optional tier and
// cap bounds.
func DecPtr(s string) *decimal.Decimal {
	d := MustDecimal(s)
	return &d
}
