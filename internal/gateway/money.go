package gateway

import (
	"github.com/shopspring/decimal"
)

// FromMinor converts centavos to a decimal BRL amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// ToMinor converts a decimal amount to centavos, rounding half away from zero.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// amount marshals as a bare JSON number with two decimals; gateways reject quoted amounts.
type amount struct {
	decimal.Decimal
}

func minorAmount(minor int64) amount {
	return amount{FromMinor(minor)}
}

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}
