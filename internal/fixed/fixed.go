// Package fixed implements the exact decimal type used for every price and
// quantity on the wire. Values carry at most 12 fractional digits and a
// magnitude no greater than 999999.999999999999; arithmetic never rounds
// silently and overflow is reported instead of wrapped.
package fixed

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every value.
const Scale = 12

var (
	// ErrMalformed reports input that is not a decimal number.
	ErrMalformed = errors.New("fixed: malformed decimal")
	// ErrTooPrecise reports input with more than Scale fractional digits.
	ErrTooPrecise = errors.New("fixed: more than 12 fractional digits")
	// ErrOutOfRange reports a magnitude beyond the representable ceiling.
	ErrOutOfRange = errors.New("fixed: magnitude exceeds 999999.999999999999")
	// ErrOverflow reports an arithmetic result outside the representable range.
	ErrOverflow = errors.New("fixed: arithmetic overflow")
	// ErrDivisionByZero reports division by zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

var (
	ceiling = decimal.New(999999999999999999, -Scale)
	floor   = decimal.New(-999999999999999999, -Scale)
)

// Decimal is an exact fixed-point value. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the zero value.
var Zero = Decimal{}

// One is the value 1.
var One = Decimal{d: decimal.New(1, 0)}

// Max returns the largest representable value.
func Max() Decimal { return Decimal{d: ceiling} }

// Min returns the smallest representable value.
func Min() Decimal { return Decimal{d: floor} }

// Parse converts a decimal string into a Decimal. It fails with
// ErrTooPrecise when the text carries more than Scale fractional digits,
// ErrOutOfRange when the magnitude exceeds the ceiling, and ErrMalformed
// for anything that is not a number.
func Parse(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Zero, ErrMalformed
	}
	// Exponent notation is rejected outright: the fractional-digit count
	// cannot be read off the text, so the scale check would not apply.
	if strings.ContainsAny(trimmed, "eE") {
		return Zero, ErrMalformed
	}
	if digits := fractionalDigits(trimmed); digits > Scale {
		return Zero, ErrTooPrecise
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, ErrMalformed
	}
	if d.Exponent() < -Scale {
		return Zero, ErrTooPrecise
	}
	if d.GreaterThan(ceiling) || d.LessThan(floor) {
		return Zero, ErrOutOfRange
	}
	return Decimal{d: d}, nil
}

// MustParse parses s and panics on failure. Intended for constants and tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt converts an integer into a Decimal.
func FromInt(v int64) (Decimal, error) {
	d := decimal.New(v, 0)
	if d.GreaterThan(ceiling) || d.LessThan(floor) {
		return Zero, ErrOutOfRange
	}
	return Decimal{d: d}, nil
}

func fractionalDigits(s string) int {
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

func checked(d decimal.Decimal) (Decimal, error) {
	if d.GreaterThan(ceiling) || d.LessThan(floor) {
		return Zero, ErrOverflow
	}
	return Decimal{d: d}, nil
}

// Add returns d+o, or ErrOverflow when the result leaves the range.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	return checked(d.d.Add(o.d))
}

// Sub returns d-o, or ErrOverflow when the result leaves the range.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	return checked(d.d.Sub(o.d))
}

// Mul returns d*o exactly. Products needing more than Scale fractional
// digits fail with ErrTooPrecise rather than rounding.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	p := d.d.Mul(o.d)
	if p.Exponent() < -Scale {
		if !p.Equal(p.Truncate(Scale)) {
			return Zero, ErrTooPrecise
		}
		p = p.Truncate(Scale)
	}
	return checked(p)
}

// Div returns d/o truncated toward zero at Scale fractional digits.
// Truncation is the documented rounding rule for this type: the quotient
// never exceeds the exact mathematical result in magnitude.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	q, _ := d.d.QuoRem(o.d, Scale)
	return checked(q)
}

// ScaleInt returns d*n for an integer factor n.
func (d Decimal) ScaleInt(n int64) (Decimal, error) {
	return checked(d.d.Mul(decimal.New(n, 0)))
}

// Cmp compares d and o: -1 when d<o, 0 when equal, 1 when d>o.
func (d Decimal) Cmp(o Decimal) int { return d.d.Cmp(o.d) }

// Equal reports whether d and o are the same value.
func (d Decimal) Equal(o Decimal) bool { return d.d.Equal(o.d) }

// IsZero reports whether d is zero.
func (d Decimal) IsZero() bool { return d.d.IsZero() }

// Sign returns -1, 0, or 1 for negative, zero, and positive values.
func (d Decimal) Sign() int { return d.d.Sign() }

// Neg returns -d.
func (d Decimal) Neg() Decimal { return Decimal{d: d.d.Neg()} }

// Abs returns the absolute value.
func (d Decimal) Abs() Decimal { return Decimal{d: d.d.Abs()} }

// Maximum returns the larger of d and o.
func Maximum(d, o Decimal) Decimal {
	if d.Cmp(o) >= 0 {
		return d
	}
	return o
}

// String renders the value without trailing zeros; Parse(String()) always
// reproduces the same value.
func (d Decimal) String() string { return d.d.String() }

// StringFixed renders the value with exactly places fractional digits.
func (d Decimal) StringFixed(places int32) string { return d.d.StringFixed(places) }

// MarshalJSON renders the value as a JSON string to preserve exactness.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal JSON values. A JSON
// null decodes as zero; some exchange payloads omit optional amounts that
// way.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = Decimal{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
