// Package hours provides fixed-point arithmetic for time credits.
//
// Balances and transfers on the platform are denominated in hours with
// exactly two decimal places. Amounts are stored as int64 hundredths so
// that ledger arithmetic is exact.
package hours

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// Amount is a signed quantity of hours in hundredths (1.00h == 100).
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

var ErrMalformed = errors.New("malformed hours amount")

// Parse converts a decimal string like "2.00" or "-10.5" to an Amount.
// At most two fractional digits are accepted; the ledger never rounds.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformed
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, ErrMalformed
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if whole == "" || frac == "" {
			return 0, ErrMalformed
		}
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrMalformed)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrMalformed
		}
		d := int64(c - '0')
		if v > (1<<62)/10 {
			return 0, fmt.Errorf("%w: overflow", ErrMalformed)
		}
		v = v*10 + d
	}

	if neg {
		v = -v
	}
	return Amount(v), nil
}

// MustParse is Parse for trusted literals; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("hours: " + err.Error())
	}
	return a
}

// String formats the amount with exactly two decimal places.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }
func (a Amount) Neg() Amount         { return -a }

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// MarshalJSON emits the amount as a decimal string, e.g. "2.00".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; amounts are stored as NUMERIC(10,2).
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC(10,2) columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		*a = Amount(v * 100)
		return nil
	case float64:
		// NUMERIC(10,2) round-trips exactly through float64 at this scale.
		*a = Amount(v*100 + 0.5*sign(v))
		return nil
	}
	return fmt.Errorf("hours: cannot scan %T", src)
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
