package risk

import (
	"math/big"
	"testing"
)

func b(n int64) *big.Int { return big.NewInt(n) }

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(b(1000), b(5000), nil)

	err := limiter.CheckLimit(7, b(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerAssetExceeded(t *testing.T) {
	limiter := NewExposureLimiter(b(1000), b(5000), nil)

	existing := map[uint64]*big.Int{7: b(950)}

	err := limiter.CheckLimit(7, b(100), existing)
	if err != ErrPerAssetLimitExceeded {
		t.Errorf("expected ErrPerAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerAssetNotExceeded(t *testing.T) {
	limiter := NewExposureLimiter(b(1000), b(5000), nil)

	existing := map[uint64]*big.Int{7: b(500)}

	err := limiter.CheckLimit(7, b(100), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	groups := map[uint64]string{1: "majors", 2: "majors", 3: "majors", 4: "majors"}
	limiter := NewExposureLimiter(b(1000), b(2000), groups)

	existing := map[uint64]*big.Int{
		1: b(800),
		2: b(800),
		3: b(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit(4, b(200), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NonCorrelatedAssetsIgnored(t *testing.T) {
	groups := map[uint64]string{1: "majors", 3: "majors"}
	limiter := NewExposureLimiter(b(1000), b(2000), groups)

	existing := map[uint64]*big.Int{
		1: b(800), // correlated with target
		9: b(900), // not correlated, no group entry, default group differs
	}

	// Correlated total = 500 + 800 = 1300 < 2000 (asset 9 excluded).
	err := limiter.CheckLimit(3, b(500), existing)
	if err != nil {
		t.Errorf("non-correlated assets should be ignored, got %v", err)
	}
}

func TestCheckLimit_ShortReducesExposure(t *testing.T) {
	limiter := NewExposureLimiter(b(1000), b(5000), nil)

	existing := map[uint64]*big.Int{7: b(800)}

	// Reducing (negative delta): 800 - 200 = 600 < 1000.
	err := limiter.CheckLimit(7, b(-200), existing)
	if err != nil {
		t.Errorf("reducing exposure should not trip the limit, got %v", err)
	}
}

func TestCheckLimit_NilExisting(t *testing.T) {
	limiter := NewExposureLimiter(b(1000), b(5000), nil)

	err := limiter.CheckLimit(7, b(500), nil)
	if err != nil {
		t.Errorf("nil existing exposures should be treated as empty, got %v", err)
	}
}
