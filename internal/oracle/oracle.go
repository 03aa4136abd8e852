// Package oracle implements the price-proof verification adapter.
// Verify(proof) -> [(asset_index, price, decimals)] is the only entry point
// the Engine and Executor are allowed to call.
//
// The staleness check and per-source signature check are adapted from the
// multi-source aggregation/circuit-breaker discipline in
// luxfi-dex/pkg/lx/oracle.go (PriceOracle, MedianAggregation,
// PriceCircuitBreaker), here applied to a batch of signed price points
// rather than a continuous polling loop — this engine consumes proofs
// handed to it by the caller, it does not poll sources itself.
package oracle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/perpcore/engine/internal/enginerr"
)

// PricePoint is one verified entry out of a proof. Decimals is carried for
// future use; the engine assumes a uniform price scale per asset.
type PricePoint struct {
	AssetIndex uint64
	Price      *big.Int
	Decimals   uint32
}

// SignedPrice is one entry of a raw proof as submitted by a caller, before
// verification.
type SignedPrice struct {
	AssetIndex uint64
	Price      *big.Int
	Decimals   uint32
	Timestamp  time.Time
	SourceID   string
	Signature  []byte // ed25519 signature over the canonical encoding below
}

// Proof is a batch of signed price entries submitted together, one per
// asset the executor's sweep call touches.
type Proof struct {
	Entries []SignedPrice
}

// Oracle is the price-proof verification adapter.
type Oracle interface {
	// Verify validates every entry in proof and returns the subset that
	// passed: came from a registered source, carried a valid signature,
	// and was fresh enough. An entry failing verification is simply
	// omitted from the result, so a bad entry never fails a batch that has
	// other valid entries; Verify returns an error wrapping PriceNotInProof
	// only when no entry survives. Looking up an asset index that didn't
	// survive verification (Lookup) fails with PriceNotInProof.
	Verify(ctx context.Context, proof Proof) ([]PricePoint, error)
}

// Source is a registered oracle signer.
type Source struct {
	ID        string
	PublicKey ed25519.PublicKey
	Weight    float64
}

// SignatureOracle verifies signed price proofs against a set of registered
// sources and rejects stale entries.
type SignatureOracle struct {
	Sources        map[string]Source
	StaleThreshold time.Duration
}

// NewSignatureOracle creates an Oracle with the given registered sources.
func NewSignatureOracle(sources []Source, staleThreshold time.Duration) *SignatureOracle {
	byID := make(map[string]Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	return &SignatureOracle{Sources: byID, StaleThreshold: staleThreshold}
}

var errUnknownSource = errors.New("oracle: unknown source")
var errBadSignature = errors.New("oracle: signature verification failed")
var errStale = errors.New("oracle: price stale")

func (o *SignatureOracle) Verify(_ context.Context, proof Proof) ([]PricePoint, error) {
	now := time.Now()
	out := make([]PricePoint, 0, len(proof.Entries))

	for _, e := range proof.Entries {
		if err := o.verifyOne(e, now); err != nil {
			continue // omitted, not an error for the whole batch
		}
		// A zero price still passed signature/staleness verification, so it
		// is a genuine signed entry, not a missing one. Pass it through —
		// the Engine distinguishes "absent" (ErrPriceNotInProof) from
		// "present but zero" (ErrPriceZero) once it looks the point up.
		out = append(out, PricePoint{AssetIndex: e.AssetIndex, Price: e.Price, Decimals: e.Decimals})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("verify proof: %w", enginerr.ErrPriceNotInProof)
	}
	return out, nil
}

func (o *SignatureOracle) verifyOne(e SignedPrice, now time.Time) error {
	src, ok := o.Sources[e.SourceID]
	if !ok {
		return errUnknownSource
	}

	if now.Sub(e.Timestamp) > o.StaleThreshold {
		return errStale
	}

	msg := canonicalEncoding(e)
	if !ed25519.Verify(src.PublicKey, msg, e.Signature) {
		return errBadSignature
	}

	return nil
}

// canonicalEncoding builds the byte string a source signs over: asset
// index, decimal-string price, decimals, and unix nanosecond timestamp.
func canonicalEncoding(e SignedPrice) []byte {
	return []byte(fmt.Sprintf("%d|%s|%d|%d", e.AssetIndex, e.Price.String(), e.Decimals, e.Timestamp.UnixNano()))
}

// Sign produces a signature a test or a trusted off-chain source would
// attach to a SignedPrice before submitting it in a Proof.
func Sign(priv ed25519.PrivateKey, e SignedPrice) []byte {
	return ed25519.Sign(priv, canonicalEncoding(e))
}

// Lookup finds an asset's verified price point by asset index.
func Lookup(points []PricePoint, assetIndex uint64) (PricePoint, error) {
	for _, p := range points {
		if p.AssetIndex == assetIndex {
			return p, nil
		}
	}
	return PricePoint{}, fmt.Errorf("lookup asset %d: %w", assetIndex, enginerr.ErrPriceNotInProof)
}
