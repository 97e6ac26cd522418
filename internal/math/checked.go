package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

// All monetary quantities are int64 micro-units. Products are computed in
// big.Int so an out-of-range intermediate is detected instead of wrapping.

// BpsDenominator converts basis points to a fraction.
const BpsDenominator = 10_000

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// CheckedMul returns a*b, reporting whether the product fits in int64.
func CheckedMul(a, b int64) (int64, bool) {
	product := getInt()
	defer putInt(product)

	product.Mul(big.NewInt(a), big.NewInt(b))
	if !product.IsInt64() {
		return 0, false
	}
	return product.Int64(), true
}

// CheckedAdd returns a+b, reporting whether the sum fits in int64.
func CheckedAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// CheckedSub returns a-b, reporting whether the difference fits in int64.
func CheckedSub(a, b int64) (int64, bool) {
	if (b < 0 && a > stdmath.MaxInt64+b) || (b > 0 && a < stdmath.MinInt64+b) {
		return 0, false
	}
	return a - b, true
}

// ApplyBps returns amount*bps/10000, truncating toward zero. The quotient
// always fits in int64 when bps <= BpsDenominator, so only the intermediate
// product needs widening.
func ApplyBps(amount, bps int64) (int64, bool) {
	product := getInt()
	quotient := getInt()
	defer putInt(product)
	defer putInt(quotient)

	product.Mul(big.NewInt(amount), big.NewInt(bps))
	quotient.Quo(product, big.NewInt(BpsDenominator))
	if !quotient.IsInt64() {
		return 0, false
	}
	return quotient.Int64(), true
}
