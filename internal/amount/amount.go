// Package amount provides integer smallest-unit amounts for settlement.
//
// All transfers are computed on Units (a math/big integer in the token's
// smallest unit). Decimal values are only used to parse human input and to
// render amounts for display.
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Units is an immutable non-nil integer amount in a token's smallest unit.
// The zero value is zero.
type Units struct {
	v *big.Int
}

// Zero is the zero amount.
var Zero = Units{}

// New returns Units for n smallest units.
func New(n int64) Units {
	return Units{v: big.NewInt(n)}
}

// FromBig copies b into Units. A nil b is zero.
func FromBig(b *big.Int) Units {
	if b == nil {
		return Zero
	}
	return Units{v: new(big.Int).Set(b)}
}

// ParseUnits parses a base-10 integer string of smallest units.
func ParseUnits(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("amount: invalid integer %q", s)
	}
	return Units{v: b}, nil
}

// ParseDecimal converts a human decimal string ("1.5") into smallest units for
// a token with the given number of decimals. Negative values and values with
// more fractional digits than decimals are rejected.
func ParseDecimal(s string, decimals int32) (Units, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("amount: invalid decimal %q", s)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("amount: negative amount %q", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Zero, fmt.Errorf("amount: %q has more than %d decimal places", s, decimals)
	}
	return Units{v: scaled.BigInt()}, nil
}

func (u Units) big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}

// Big returns a copy of the underlying integer.
func (u Units) Big() *big.Int { return new(big.Int).Set(u.big()) }

func (u Units) Add(o Units) Units { return Units{v: new(big.Int).Add(u.big(), o.big())} }
func (u Units) Sub(o Units) Units { return Units{v: new(big.Int).Sub(u.big(), o.big())} }

// MulInt multiplies by a small integer.
func (u Units) MulInt(n int64) Units {
	return Units{v: new(big.Int).Mul(u.big(), big.NewInt(n))}
}

// MulDiv returns floor(u * num / den). den must be non-zero.
func (u Units) MulDiv(num, den int64) Units {
	r := new(big.Int).Mul(u.big(), big.NewInt(num))
	return Units{v: r.Quo(r, big.NewInt(den))}
}

func (u Units) Cmp(o Units) int       { return u.big().Cmp(o.big()) }
func (u Units) Sign() int             { return u.big().Sign() }
func (u Units) IsZero() bool          { return u.Sign() == 0 }
func (u Units) IsPositive() bool      { return u.Sign() > 0 }
func (u Units) LessThan(o Units) bool { return u.Cmp(o) < 0 }
func (u Units) Equal(o Units) bool    { return u.Cmp(o) == 0 }

// Min returns the smaller of u and o.
func (u Units) Min(o Units) Units {
	if u.Cmp(o) <= 0 {
		return u
	}
	return o
}

// Max returns the larger of u and o.
func (u Units) Max(o Units) Units {
	if u.Cmp(o) >= 0 {
		return u
	}
	return o
}

// String returns the base-10 integer representation.
func (u Units) String() string { return u.big().String() }

// Display renders the amount as a decimal string for a token with the given
// number of decimals, trimming trailing zeros ("1.5", "10").
func (u Units) Display(decimals int32) string {
	return decimal.NewFromBigInt(u.big(), -decimals).String()
}

// MarshalJSON encodes the amount as a JSON string to keep precision in
// JavaScript clients.
func (u Units) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a JSON string or number of smallest units.
func (u *Units) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*u = Zero
		return nil
	}
	parsed, err := ParseUnits(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements driver.Valuer; amounts are stored as NUMERIC.
func (u Units) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *Units) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u = Zero
		return nil
	case int64:
		*u = New(v)
		return nil
	case []byte:
		return u.scanString(string(v))
	case string:
		return u.scanString(v)
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
}

func (u *Units) scanString(s string) error {
	// NUMERIC columns may come back as "100" or "100.000000".
	if i := strings.IndexByte(s, '.'); i >= 0 {
		if strings.Trim(s[i+1:], "0") != "" {
			return fmt.Errorf("amount: fractional smallest units %q", s)
		}
		s = s[:i]
	}
	parsed, err := ParseUnits(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Sum adds all amounts.
func Sum(us ...Units) Units {
	total := new(big.Int)
	for _, u := range us {
		total.Add(total, u.big())
	}
	return Units{v: total}
}
