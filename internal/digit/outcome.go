// Package digit derives the three-digit outcome of a round from a price.
//
// The outcome is the last three digits of the price expressed in cents:
// 123.45 → 12345 cents → "345". Resolution is exact decimal arithmetic.
package digit

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	hundred  = decimal.NewFromInt(100)
	thousand = big.NewInt(1000)
)

// Outcome is the digit pattern of a price.
type Outcome struct {
	Digits   string  `json:"digits"`
	Sum      int     `json:"sum"`
	Counts   [10]int `json:"counts"`
	IsTriple bool    `json:"is_triple"`
}

// Count returns how many times digit d ('0'..'9') occurs in the outcome.
func (o Outcome) Count(d byte) int {
	if d < '0' || d > '9' {
		return 0
	}
	return o.Counts[d-'0']
}

// Resolve maps a price to its digit outcome. The cents value is reduced
// with a Euclidean modulo so negative inputs still land in 000..999.
func Resolve(price decimal.Decimal) Outcome {
	cents := price.Mul(hundred).Round(0).BigInt()
	n := new(big.Int).Mod(cents, thousand).Int64()

	digits := fmt.Sprintf("%03d", n)
	var o Outcome
	o.Digits = digits
	for i := 0; i < len(digits); i++ {
		v := int(digits[i] - '0')
		o.Counts[v]++
		o.Sum += v
	}
	o.IsTriple = digits[0] == digits[1] && digits[1] == digits[2]
	return o
}
