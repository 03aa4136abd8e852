// Package risk implements open-notional limits that account for exposure
// correlated across assets.
//
// A trader long on several assets tied to the same underlying (e.g. a spot
// asset and a basket that tracks it) carries correlated risk even though
// each position individually looks small. This package groups assets by an
// operator-assigned correlation key and enforces both a per-asset limit and
// an aggregate limit across every asset sharing that key.
package risk

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrPerAssetLimitExceeded is returned when a position change would push
	// a single asset's net exposure beyond the configured maximum.
	ErrPerAssetLimitExceeded = errors.New("risk: per-asset exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a position change would
	// push the aggregate exposure across correlated assets beyond the
	// configured maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")
)

// ExposureLimiter enforces per-trader position limits with correlation
// awareness across assets.
//
// Correlation detection uses an explicit group key per asset index, supplied
// by the operator when the limiter is constructed, rather than geographic
// proximity — two
// assets are correlated if Groups maps them to the same key.
type ExposureLimiter struct {
	// MaxPerAsset is the maximum absolute net notional in any single asset.
	MaxPerAsset *big.Int

	// MaxCorrelated is the maximum aggregate absolute notional across all
	// assets sharing a correlation group.
	MaxCorrelated *big.Int

	// Groups maps asset index to correlation group key. Assets absent from
	// this map are treated as their own, uncorrelated group.
	Groups map[uint64]string
}

// NewExposureLimiter creates a limiter with the given per-asset and
// correlated exposure limits.
func NewExposureLimiter(maxPerAsset, maxCorrelated *big.Int, groups map[uint64]string) *ExposureLimiter {
	if groups == nil {
		groups = make(map[uint64]string)
	}
	return &ExposureLimiter{
		MaxPerAsset:   maxPerAsset,
		MaxCorrelated: maxCorrelated,
		Groups:        groups,
	}
}

// CheckLimit validates whether a position change respects exposure limits.
//
// Parameters:
//   - assetIndex: the asset the position change applies to
//   - exposureDelta: signed change in notional (+long / -short direction)
//   - existing: map of asset index → current net notional for this trader
//
// Returns nil if the change is within limits, or an error describing the
// violation.
func (l *ExposureLimiter) CheckLimit(
	assetIndex uint64,
	exposureDelta *big.Int,
	existing map[uint64]*big.Int,
) error {
	if existing == nil {
		existing = make(map[uint64]*big.Int)
	}

	current := existing[assetIndex]
	if current == nil {
		current = new(big.Int)
	}
	newPosition := new(big.Int).Add(current, exposureDelta)

	if new(big.Int).Abs(newPosition).Cmp(l.MaxPerAsset) > 0 {
		return ErrPerAssetLimitExceeded
	}

	targetGroup := l.groupOf(assetIndex)
	totalCorrelated := new(big.Int).Abs(newPosition)

	for idx, exposure := range existing {
		if idx == assetIndex {
			continue // already counted via newPosition above
		}
		if exposure == nil {
			continue
		}
		if l.groupOf(idx) == targetGroup {
			totalCorrelated.Add(totalCorrelated, new(big.Int).Abs(exposure))
		}
	}

	if totalCorrelated.Cmp(l.MaxCorrelated) > 0 {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// groupOf returns the correlation group key for an asset index, defaulting
// to a group containing only that asset.
func (l *ExposureLimiter) groupOf(assetIndex uint64) string {
	if g, ok := l.Groups[assetIndex]; ok {
		return g
	}
	return fmt.Sprintf("solo:%d", assetIndex)
}
