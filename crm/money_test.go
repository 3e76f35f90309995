package crm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		rate      string
		wantTax   string
		wantTotal string
	}{
		{"default rate", "1000", "20", "200", "1200"},
		{"zero price", "0", "20", "0", "0"},
		{"zero rate", "450", "0", "0", "450"},
		{"rounds half up", "0.25", "10", "0.03", "0.28"},
		{"rounds down", "10.04", "18", "1.81", "11.85"},
		{"fractional rate", "199.99", "8.5", "17", "216.99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tax, total := ComputeTotals(MustParseDecimal(tt.price), MustParseDecimal(tt.rate))
			assert.True(t, tax.Equal(MustParseDecimal(tt.wantTax)), "tax: got %s want %s", tax, tt.wantTax)
			assert.True(t, total.Equal(MustParseDecimal(tt.wantTotal)), "total: got %s want %s", total, tt.wantTotal)
		})
	}
}

func TestComputeTotals_TotalIsPricePlusTax(t *testing.T) {
	// GIVEN: Prices that produce fractional cents
	for _, p := range []string{"0.01", "3.33", "99.995", "12345.67"} {
		price := MustParseDecimal(p)

		// WHEN: Computing at 20%
		tax, total := ComputeTotals(price, DefaultTaxRate)

		// THEN: total is always exactly price + rounded tax
		assert.True(t, total.Equal(price.Add(tax)), "price %s", p)
		assert.True(t, tax.Equal(tax.Round(MoneyPlaces)), "tax %s not rounded", tax)
	}
}

func TestApplyTotals(t *testing.T) {
	q := Quote{Price: decimal.NewFromInt(250), TaxRate: decimal.NewFromInt(8)}

	ApplyTotals(&q)

	assert.Equal(t, "20", q.TaxAmount.String())
	assert.Equal(t, "270", q.TotalAmount.String())
}

func TestValidateAmounts(t *testing.T) {
	require.NoError(t, ValidateAmounts(decimal.Zero, decimal.Zero))

	err := ValidateAmounts(decimal.NewFromInt(-1), DefaultTaxRate)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "price", vErr.Field)
	assert.ErrorIs(t, err, ErrInvalidQuote)

	err = ValidateAmounts(decimal.NewFromInt(10), decimal.NewFromInt(-5))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "tax_rate", vErr.Field)
}

func TestMustParseDecimal_Malformed(t *testing.T) {
	assert.True(t, MustParseDecimal("abc").IsZero())
}
