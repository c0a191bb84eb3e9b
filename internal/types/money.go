package types

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// FormatMoney renders an amount in major units using the currency's
// symbol, grouping and fraction digits, e.g. "$9,000.00".
func FormatMoney(amount decimal.Decimal, currency string) string {
	// money.New never returns a nil currency, unknown codes get defaults
	cur := *money.New(0, currency).Currency()
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
