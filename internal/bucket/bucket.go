// Package bucket implements the price-bucket spatial index math shared by
// Storage and the Executor sweep: bucket_id(p) = p / bucket_size, and the
// ±1 neighborhood a sweep pass scans around a reference price.
package bucket

import "math/big"

// ID returns the bucket a price falls into for the given bucket size.
// bucketSize must be strictly positive; callers are responsible for
// validating that before calling ID.
func ID(price, bucketSize *big.Int) *big.Int {
	id := new(big.Int)
	id.Div(price, bucketSize) // Div, not Quo: price and bucketSize are always non-negative here.
	return id
}

// Neighborhood returns the bucket ids [id-1, id, id+1] for a given price,
// clamped at zero since bucket ids never go negative.
func Neighborhood(price, bucketSize *big.Int) []*big.Int {
	center := ID(price, bucketSize)
	one := big.NewInt(1)

	ids := make([]*big.Int, 0, 3)
	below := new(big.Int).Sub(center, one)
	if below.Sign() >= 0 {
		ids = append(ids, below)
	}
	ids = append(ids, center)
	ids = append(ids, new(big.Int).Add(center, one))
	return ids
}

// WithinTolerance reports whether a candidate price is close enough to a
// target price to trigger: |candidate-target| * 10_000 <= candidate *
// toleranceBps. candidate is the oracle-supplied sweep price; target is the
// stored trigger price on the bucket entry.
func WithinTolerance(candidate, target *big.Int, toleranceBps uint32) bool {
	diff := new(big.Int).Sub(candidate, target)
	diff.Abs(diff)

	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(candidate, big.NewInt(int64(toleranceBps)))
	return lhs.Cmp(rhs) <= 0
}
