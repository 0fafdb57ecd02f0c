package num

import (
	"errors"
	"testing"
)

func TestDecimalFromPrice(t *testing.T) {
	tests := []struct {
		name          string
		price         uint64
		priceDecimals uint8
		tokenDecimals uint8
		precision     uint8
		want          Decimal
		unitPrice     string
	}{
		{
			// $60,000.12345678 BTC with 8 decimals, 4 digits of precision.
			name: "btc", price: 6_000_012_345_678, priceDecimals: 8,
			tokenDecimals: 8, precision: 4,
			want:      Decimal{Value: 600_001_234, DecimalMultiplier: 8},
			unitPrice: "60000123400000000",
		},
		{
			// $1.00 USDG with 6 decimals.
			name: "usd", price: 100_000_000, priceDecimals: 8,
			tokenDecimals: 6, precision: 6,
			want:      Decimal{Value: 1_000_000, DecimalMultiplier: 8},
			unitPrice: "100000000000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecimalFromPrice(tt.price, tt.priceDecimals, tt.tokenDecimals, tt.precision)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			unit, err := got.ToUnitPrice()
			if err != nil {
				t.Fatal(err)
			}
			if unit.String() != tt.unitPrice {
				t.Errorf("unit price = %s, want %s", unit, tt.unitPrice)
			}
		})
	}
}

func TestDecimalFromPrice_Errors(t *testing.T) {
	if _, err := DecimalFromPrice(1, 0, 18, 4); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("decimals overflow: err = %v", err)
	}
	if _, err := DecimalFromPrice(1<<40, 0, 6, 6); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("value overflow: err = %v", err)
	}
}

func TestPrice(t *testing.T) {
	if _, err := NewPrice(New(2), New(1)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("min > max: err = %v", err)
	}
	p, err := NewPrice(New(100), New(201))
	if err != nil {
		t.Fatal(err)
	}
	if p.Mid().String() != "150" {
		t.Errorf("mid = %s", p.Mid())
	}
	if p.Pick(true).String() != "201" || p.Pick(false).String() != "100" {
		t.Error("pick mismatch")
	}
	huge := Price{Min: MaxNum, Max: MaxNum}
	if huge.Mid().IsZero() {
		t.Error("mid of huge price collapsed to zero")
	}
}
