// Package money holds fixed-point integer cents arithmetic. Floats never touch
// amounts here: fee math feeds tax receipts.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/donationledger/internal/failure"
)

type Currency string

const (
	CAD Currency = "CAD"
	USD Currency = "USD"
)

var (
	ErrCurrencyMismatch    = failure.New(failure.KindInvalid, "currency mismatch")
	ErrUnderflow           = failure.New(failure.KindInvalid, "amount would become negative")
	ErrOverflow            = failure.New(failure.KindInvalid, "amount overflow")
	ErrNegativeAmount      = failure.New(failure.KindInvalid, "amount is negative")
	ErrUnsupportedCurrency = failure.New(failure.KindInvalid, "unsupported currency")
	ErrInvalidAmount       = failure.New(failure.KindInvalid, "invalid amount")
)

const basisPointsScale = 10000

type Money struct {
	Cents    int64
	Currency Currency
}

// New проверяет инвариант: сумма не отрицательна.
func New(cents int64, currency Currency) (Money, error) {
	if cents < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{Cents: cents, Currency: currency}, nil
}

func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(s))) {
	case CAD:
		return CAD, nil
	case USD:
		return USD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, s)
	}
}

func (m Money) IsZero() bool { return m.Cents == 0 }

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.Cents > math.MaxInt64-m.Cents {
		return Money{}, ErrOverflow
	}
	return Money{Cents: m.Cents + other.Cents, Currency: m.Currency}, nil
}

func (m Money) Subtract(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.Cents > m.Cents {
		return Money{}, ErrUnderflow
	}
	return Money{Cents: m.Cents - other.Cents, Currency: m.Currency}, nil
}

// PercentageFee returns m * rate / 10000, half a cent rounds up.
func (m Money) PercentageFee(rateBasisPoints int64) (Money, error) {
	if rateBasisPoints < 0 {
		return Money{}, ErrNegativeAmount
	}
	if rateBasisPoints != 0 && m.Cents > (math.MaxInt64-basisPointsScale/2)/rateBasisPoints {
		return Money{}, ErrOverflow
	}
	fee := (m.Cents*rateBasisPoints + basisPointsScale/2) / basisPointsScale
	return Money{Cents: fee, Currency: m.Currency}, nil
}

// String печатает сумму в долларах: "12.34 CAD".
func (m Money) String() string {
	return decimal.New(m.Cents, -2).StringFixed(2) + " " + string(m.Currency)
}

// FeeSchedule is a processor pricing: percentage plus a fixed part per charge.
type FeeSchedule struct {
	RateBasisPoints int64
	FixedCents      int64
}

// Fee is what the processor keeps from a charge of the given size.
func (f FeeSchedule) Fee(charged Money) (Money, error) {
	pct, err := charged.PercentageFee(f.RateBasisPoints)
	if err != nil {
		return Money{}, err
	}
	return pct.Add(Money{Cents: f.FixedCents, Currency: charged.Currency})
}

// GrossUp returns the smallest charge whose net after Fee is at least donated,
// i.e. the amount a donor pays when they choose to cover processing fees.
func (f FeeSchedule) GrossUp(donated Money) (Money, error) {
	if f.RateBasisPoints < 0 || f.RateBasisPoints >= basisPointsScale || f.FixedCents < 0 {
		return Money{}, ErrInvalidAmount
	}
	base := donated.Cents + f.FixedCents
	if base < donated.Cents || base > math.MaxInt64/basisPointsScale {
		return Money{}, ErrOverflow
	}
	denominator := int64(basisPointsScale) - f.RateBasisPoints
	charged := (base*basisPointsScale + denominator - 1) / denominator

	// округление комиссии вверх на полцента может съесть цент
	for {
		fee, err := f.Fee(Money{Cents: charged, Currency: donated.Currency})
		if err != nil {
			return Money{}, err
		}
		if charged-fee.Cents >= donated.Cents {
			break
		}
		charged++
	}
	// и наоборот: ищем минимальную сумму
	for charged > donated.Cents {
		fee, err := f.Fee(Money{Cents: charged - 1, Currency: donated.Currency})
		if err != nil {
			return Money{}, err
		}
		if charged-1-fee.Cents < donated.Cents {
			break
		}
		charged--
	}
	return Money{Cents: charged, Currency: donated.Currency}, nil
}

// ParseDollars converts a decimal dollar string ("125", "125.5", "125.50") into
// cents exactly. Fractions of a cent and negative values are rejected.
func ParseDollars(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Sign() < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has fractional cents", ErrInvalidAmount, s)
	}
	if cents.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return Money{}, ErrOverflow
	}
	return Money{Cents: cents.IntPart(), Currency: currency}, nil
}

// Dollars formats cents as a plain decimal string without currency.
func Dollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
