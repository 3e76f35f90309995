package crm

import "github.com/shopspring/decimal"

// DefaultTaxRate is applied when a quote is created without a tax rate.
var DefaultTaxRate = decimal.NewFromInt(20)

// MoneyPlaces is the number of decimal places monetary amounts are rounded to.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// ComputeTotals derives the tax and total amounts of a quote.
//
//	tax   = round(price * taxRate / 100, 2)   half away from zero
//	total = price + tax
//
// Both values are always computed together.
func ComputeTotals(price, taxRate decimal.Decimal) (tax, total decimal.Decimal) {
	tax = price.Mul(taxRate).Div(hundred).Round(MoneyPlaces)
	total = price.Add(tax)
	return tax, total
}

// ApplyTotals recomputes q.TaxAmount and q.TotalAmount from q.Price and q.TaxRate.
func ApplyTotals(q *Quote) {
	q.TaxAmount, q.TotalAmount = ComputeTotals(q.Price, q.TaxRate)
}

// ValidateAmounts checks the monetary inputs of a quote.
func ValidateAmounts(price, taxRate decimal.Decimal) error {
	if price.IsNegative() {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if taxRate.IsNegative() {
		return &ValidationError{Field: "tax_rate", Reason: "must not be negative"}
	}
	return nil
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
