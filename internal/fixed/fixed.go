// Package fixed implements the 18-decimal fixed-point integers used for every
// on-chain quantity (prices, sizes, volatilities, fees).
//
// A Scaled18 holds an integer count of 1e-18 units. Ledger arithmetic stays in
// integers; floats only appear at the pricing boundary via ToFloat/FromFloat.
package fixed

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of implied decimal places of a Scaled18.
const Decimals = 18

var (
	// ErrDivisionByZero is returned by Div when the divisor is zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrNotFinite is returned when converting NaN or ±Inf.
	ErrNotFinite = errors.New("fixed: value is not finite")

	// ErrNotInteger is returned when a raw value carries a fractional part.
	ErrNotInteger = errors.New("fixed: raw value must be an integer")

	unitInt = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	unitDec = decimal.NewFromBigInt(unitInt, 0)

	// Unit is 1.0 (1e18 raw units).
	Unit = Scaled18{v: unitDec}
)

// Scaled18 is an integer number of 1e-18 units. The zero value is 0.
type Scaled18 struct {
	v decimal.Decimal
}

// New returns the raw value n (n × 1e-18).
func New(n int64) Scaled18 {
	return Scaled18{v: decimal.NewFromInt(n)}
}

// FromUnits returns whole units scaled by 1e18.
func FromUnits(n int64) Scaled18 {
	return Scaled18{v: decimal.NewFromInt(n).Mul(unitDec)}
}

// FromBigInt wraps a raw big integer.
func FromBigInt(n *big.Int) Scaled18 {
	return Scaled18{v: decimal.NewFromBigInt(n, 0)}
}

// Parse reads a raw integer string such as "1500000000000000000".
func Parse(s string) (Scaled18, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Scaled18{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	if !d.IsInteger() {
		return Scaled18{}, fmt.Errorf("%w: %s", ErrNotInteger, s)
	}
	return Scaled18{v: d}, nil
}

// ParseUnits reads a human decimal such as "1.5" and scales it by 1e18,
// truncating digits beyond the 18th decimal.
func ParseUnits(s string) (Scaled18, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Scaled18{}, fmt.Errorf("fixed: parse units %q: %w", s, err)
	}
	return Scaled18{v: d.Mul(unitDec).Truncate(0)}, nil
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string) Scaled18 {
	v, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (s Scaled18) big() *big.Int {
	return s.v.BigInt()
}

// BigInt returns a copy of the raw integer.
func (s Scaled18) BigInt() *big.Int {
	return s.big()
}

func (s Scaled18) Add(o Scaled18) Scaled18 { return Scaled18{v: s.v.Add(o.v)} }
func (s Scaled18) Sub(o Scaled18) Scaled18 { return Scaled18{v: s.v.Sub(o.v)} }
func (s Scaled18) Neg() Scaled18 { return Scaled18{v: s.v.Neg()} }
func (s Scaled18) Abs() Scaled18 { return Scaled18{v: s.v.Abs()} }

// Mul returns s·o / 1e18, truncated toward zero.
func (s Scaled18) Mul(o Scaled18) Scaled18 {
	p := new(big.Int).Mul(s.big(), o.big())
	return FromBigInt(p.Quo(p, unitInt))
}

// Div returns s·1e18 / o, truncated toward zero.
func (s Scaled18) Div(o Scaled18) (Scaled18, error) {
	if o.IsZero() {
		return Scaled18{}, ErrDivisionByZero
	}
	p := new(big.Int).Mul(s.big(), unitInt)
	return FromBigInt(p.Quo(p, o.big())), nil
}

// MulInt multiplies by a plain integer.
func (s Scaled18) MulInt(n int64) Scaled18 {
	return Scaled18{v: s.v.Mul(decimal.NewFromInt(n))}
}

func (s Scaled18) Cmp(o Scaled18) int { return s.v.Cmp(o.v) }
func (s Scaled18) Equal(o Scaled18) bool { return s.v.Equal(o.v) }
func (s Scaled18) GreaterThan(o Scaled18) bool { return s.v.GreaterThan(o.v) }
func (s Scaled18) LessThan(o Scaled18) bool { return s.v.LessThan(o.v) }
func (s Scaled18) IsZero() bool { return s.v.IsZero() }
func (s Scaled18) IsPositive() bool { return s.v.IsPositive() }
func (s Scaled18) IsNegative() bool { return s.v.IsNegative() }
func (s Scaled18) Sign() int { return s.v.Sign() }
func (s Scaled18) Max(o Scaled18) Scaled18 { return Scaled18{v: decimal.Max(s.v, o.v)} }
func (s Scaled18) Min(o Scaled18) Scaled18 { return Scaled18{v: decimal.Min(s.v, o.v)} }

// String returns the raw integer in base 10.
func (s Scaled18) String() string {
	return s.v.String()
}

// Units renders the value as a human decimal ("1.5").
func (s Scaled18) Units() string {
	return decimal.NewFromBigInt(s.big(), -Decimals).String()
}

// Float converts with the native 18 decimals.
func (s Scaled18) Float() float64 {
	return ToFloat(s, Decimals)
}

// ToFloat divides the absolute raw value by 10^decimals and restores the sign.
func ToFloat(s Scaled18, decimals int32) float64 {
	f := decimal.NewFromBigInt(s.Abs().big(), -decimals).InexactFloat64()
	if s.IsNegative() {
		return -f
	}
	return f
}

// FromFloat converts a pricing result back to 18 decimals: the shortest
// decimal rendering of f is multiplied by 1e18 twice, truncated to an integer,
// then divided by 1e18 with truncation toward zero.
func FromFloat(f float64) (Scaled18, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Scaled18{}, ErrNotFinite
	}
	wide := decimal.NewFromFloat(f).Mul(unitDec).Mul(unitDec).Truncate(0).BigInt()
	return FromBigInt(wide.Quo(wide, unitInt)), nil
}

// MarshalJSON encodes the raw integer as a quoted string.
func (s Scaled18) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.v.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare integer.
func (s *Scaled18) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Scaled18{}
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("fixed: %w", err)
	}
	if !d.IsInteger() {
		return fmt.Errorf("%w: %s", ErrNotInteger, d.String())
	}
	*s = Scaled18{v: d}
	return nil
}
