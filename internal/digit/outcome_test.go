package digit

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestResolve_TableCases(t *testing.T) {
	tests := []struct {
		price    string
		digits   string
		sum      int
		isTriple bool
	}{
		{"100.00", "000", 0, true},
		{"123.45", "345", 12, false},
		{"5.55", "555", 15, true},
		{"0.07", "007", 7, false},
		{"64123.999", "400", 4, false}, // 6412399.9 cents rounds up to 6412400
		{"-1.23", "877", 22, false},   // -123 mod 1000 = 877
		{"9.99", "999", 27, true},
		{"0", "000", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			o := Resolve(decimal.RequireFromString(tt.price))
			assert.Equal(t, tt.digits, o.Digits)
			assert.Equal(t, tt.sum, o.Sum)
			assert.Equal(t, tt.isTriple, o.IsTriple)
		})
	}
}

func TestResolve_Counts(t *testing.T) {
	o := Resolve(decimal.RequireFromString("12.23"))

	assert.Equal(t, "223", o.Digits)
	assert.Equal(t, 2, o.Count('2'))
	assert.Equal(t, 1, o.Count('3'))
	assert.Equal(t, 0, o.Count('9'))
	assert.Equal(t, 0, o.Count('x'))

	total := 0
	for _, c := range o.Counts {
		total += c
	}
	assert.Equal(t, 3, total)
}

func TestResolve_Deterministic(t *testing.T) {
	p := decimal.RequireFromString("43210.87")
	assert.Equal(t, Resolve(p), Resolve(p))
}
