package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/perpcore/engine/internal/enginerr"
	"github.com/perpcore/engine/internal/model"
	"github.com/perpcore/engine/internal/oracle"
	"github.com/perpcore/engine/internal/store"
	"github.com/perpcore/engine/internal/vault"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *vault.MemoryVault, oracle.Source, ed25519.PrivateKey) {
	t.Helper()
	st := store.NewMemoryStore()
	vlt := vault.NewMemoryVault()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	src := oracle.Source{ID: "s1", PublicKey: pub, Weight: 1.0}
	orc := oracle.NewSignatureOracle([]oracle.Source{src}, 30*time.Second)

	st.PutAsset(context.Background(), &model.AssetInfo{
		AssetIndex: 7, AssetType: 0, BucketSize: big.NewInt(1_000_000), Listed: true, MarketOpen: true, Decimals: 6,
	})

	e := New(st, vlt, orc, nil, nil)
	return e, st, vlt, src, priv
}

func proofFor(t *testing.T, priv ed25519.PrivateKey, assetIndex uint64, price *big.Int) oracle.Proof {
	t.Helper()
	entry := oracle.SignedPrice{
		AssetIndex: assetIndex, Price: price, Decimals: 6, Timestamp: time.Now(), SourceID: "s1",
	}
	entry.Signature = oracle.Sign(priv, entry)
	return oracle.Proof{Entries: []oracle.SignedPrice{entry}}
}

// TestOpenAndClose_Scenario1 matches the worked example: a 10x long on
// 100_000_000 opened at 2_000_000_000 and closed at 2_200_000_000 nets
// +100_000_000 pnl, so the vault pays back 200_000_000 total.
func TestOpenAndClose_Scenario1(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	openProof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	open, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, openProof, big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	wantLiq := big.NewInt(1_818_181_818) // 2_000_000_000 * 10 / 11, truncated
	if open.LiquidationPrice.Cmp(wantLiq) != 0 {
		t.Errorf("LiquidationPrice = %s, want %s", open.LiquidationPrice, wantLiq)
	}

	balAfterOpen, _ := vlt.Balance(ctx, "alice")
	if balAfterOpen.Cmp(big.NewInt(900_000_000)) != 0 {
		t.Errorf("balance after open = %s, want 900_000_000", balAfterOpen)
	}

	closeProof := proofFor(t, priv, 7, big.NewInt(2_200_000_000))
	closed, err := e.ClosePosition(ctx, "alice", open.ID, closeProof)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.PnL.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("PnL = %s, want 100_000_000", closed.PnL)
	}

	bal, _ := vlt.Balance(ctx, "alice")
	want := big.NewInt(900_000_000 + 100_000_000 + 100_000_000) // margin + pnl returned
	if bal.Cmp(want) != 0 {
		t.Errorf("balance after close = %s, want %s", bal, want)
	}

	if _, err := e.store.GetOpen(ctx, open.ID); err == nil {
		t.Error("expected open to be removed from storage after close")
	}
}

// TestClosePosition_LossClampedAtSize closes a position well past its
// liquidation price (a normal path — nothing stops close_position from
// being called there) and verifies the recorded PnL and the amount
// actually settled both stop at -size_usd, never drawing on anything
// beyond the position's own posted margin.
func TestClosePosition_LossClampedAtSize(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(2_000_000_000))

	openProof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	open, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, openProof, big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	balAfterOpen, _ := vlt.Balance(ctx, "alice")

	// Liquidation price here is 1_818_181_818; closing at 1_000_000_000
	// would produce a raw pnl of -500_000_000, far past the 100_000_000
	// margin actually posted.
	closeProof := proofFor(t, priv, 7, big.NewInt(1_000_000_000))
	closed, err := e.ClosePosition(ctx, "alice", open.ID, closeProof)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	wantPnL := big.NewInt(-100_000_000)
	if closed.PnL.Cmp(wantPnL) != 0 {
		t.Errorf("PnL = %s, want %s (clamped at -size_usd)", closed.PnL, wantPnL)
	}

	bal, _ := vlt.Balance(ctx, "alice")
	if bal.Cmp(balAfterOpen) != 0 {
		t.Errorf("balance after close = %s, want unchanged from %s (settled delta must be exactly 0, not a further draw)", bal, balAfterOpen)
	}
}

// TestOpenPosition_RejectsZeroPrice ensures a proof carrying a validly
// signed zero price is rejected as ErrPriceZero, distinct from a proof
// that never mentions the asset at all (ErrPriceNotInProof).
func TestOpenPosition_RejectsZeroPrice(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	zeroProof := proofFor(t, priv, 7, big.NewInt(0))
	_, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, zeroProof, big.NewInt(0), big.NewInt(0))
	if !errors.Is(err, enginerr.ErrPriceZero) {
		t.Errorf("err = %v, want ErrPriceZero", err)
	}
}

func TestOpenPosition_RejectsBelowMinSize(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	proof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	_, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(1_000_000), 10, proof, big.NewInt(0), big.NewInt(0))
	if err == nil {
		t.Fatal("expected min size rejection")
	}
}

func TestOpenPosition_RejectsInvalidLeverage(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	proof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	_, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 101, proof, big.NewInt(0), big.NewInt(0))
	if err == nil {
		t.Fatal("expected leverage rejection")
	}
}

func TestClosePosition_RejectsNonOwner(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	openProof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	open, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, openProof, big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	closeProof := proofFor(t, priv, 7, big.NewInt(2_200_000_000))
	if _, err := e.ClosePosition(ctx, "bob", open.ID, closeProof); err == nil {
		t.Fatal("expected not-owner rejection")
	}
}

func TestPlaceOrder_CancelOrder(t *testing.T) {
	e, st, vlt, _, _ := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	order, err := e.PlaceOrder(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10,
		big.NewInt(1_900_000_000), big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	bal, _ := vlt.Balance(ctx, "alice")
	if bal.Cmp(big.NewInt(900_000_000)) != 0 {
		t.Errorf("balance after place = %s, want 900_000_000", bal)
	}

	entries, err := st.ScanBucket(ctx, 7, order.LimitBucketID, model.BucketLimit)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ScanBucket after place: entries=%v err=%v", entries, err)
	}

	if err := e.CancelOrder(ctx, "alice", order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	bal, _ = vlt.Balance(ctx, "alice")
	if bal.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("balance after cancel = %s, want 1_000_000_000", bal)
	}

	entries, _ = st.ScanBucket(ctx, 7, order.LimitBucketID, model.BucketLimit)
	if len(entries) != 0 {
		t.Errorf("expected bucket entry removed after cancel, got %+v", entries)
	}
}

func TestCancelOrder_RejectsNonOwner(t *testing.T) {
	e, _, vlt, _, _ := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	order, err := e.PlaceOrder(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10,
		big.NewInt(1_900_000_000), big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := e.CancelOrder(ctx, "bob", order.ID); err == nil {
		t.Fatal("expected not-authorized rejection")
	}
}

// TestUpdateTarget_MovesOnlyOneSide verifies the bug-fix contract: calling
// UpdateTarget with TargetKindSL leaves TakeProfitPrice untouched, and the
// bucket id it patches always matches the new price.
func TestUpdateTarget_MovesOnlyOneSide(t *testing.T) {
	e, st, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	openProof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	open, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, openProof,
		big.NewInt(1_900_000_000), big.NewInt(2_100_000_000))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	newSL := big.NewInt(1_950_000_000)
	if err := e.UpdateTarget(ctx, "alice", open.ID, model.TargetKindSL, newSL); err != nil {
		t.Fatalf("UpdateTarget: %v", err)
	}

	got, err := st.GetOpen(ctx, open.ID)
	if err != nil {
		t.Fatalf("GetOpen: %v", err)
	}
	if got.StopLossPrice.Cmp(newSL) != 0 {
		t.Errorf("StopLossPrice = %s, want %s", got.StopLossPrice, newSL)
	}
	if got.TakeProfitPrice.Cmp(big.NewInt(2_100_000_000)) != 0 {
		t.Errorf("TakeProfitPrice changed unexpectedly: %s", got.TakeProfitPrice)
	}

	wantBucket := big.NewInt(1950) // 1_950_000_000 / 1_000_000
	if got.SLBucketID.Cmp(wantBucket) != 0 {
		t.Errorf("SLBucketID = %s, want %s (stale after price move)", got.SLBucketID, wantBucket)
	}

	entries, _ := st.ScanBucket(ctx, 7, wantBucket, model.BucketSLTP)
	if len(entries) != 1 || entries[0].RefID != open.ID {
		t.Errorf("expected bucket reindexed under new SL bucket, got %+v", entries)
	}
}

func TestUpdateTarget_RejectsNonOwner(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	openProof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	open, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, openProof, big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	err = e.UpdateTarget(ctx, "bob", open.ID, model.TargetKindTP, big.NewInt(2_100_000_000))
	if err == nil {
		t.Fatal("expected not-owner rejection")
	}
}

func TestPnL_ShortSide(t *testing.T) {
	pnl := PnL(model.SideShort, big.NewInt(100_000_000), 10, big.NewInt(2_000_000_000), big.NewInt(1_800_000_000))
	if pnl.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("short PnL = %s, want 100_000_000", pnl)
	}
}

func TestLiquidationPrice_ShortSide(t *testing.T) {
	liq := LiquidationPrice(model.SideShort, big.NewInt(2_000_000_000), 10)
	want := big.NewInt(2_200_000_000) // open * (lev+1) / lev
	if liq.Cmp(want) != 0 {
		t.Errorf("LiquidationPrice = %s, want %s", liq, want)
	}
}

func TestOpenPosition_AssetNotListedError(t *testing.T) {
	e, _, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	proof := proofFor(t, priv, 99, big.NewInt(2_000_000_000))
	_, err := e.OpenPosition(ctx, "alice", 99, model.SideLong, big.NewInt(100_000_000), 10, proof, big.NewInt(0), big.NewInt(0))
	if err == nil {
		t.Fatal("expected asset-not-listed error")
	}
	if !errors.Is(err, enginerr.ErrAssetNotListed) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOpenPosition_RejectsWhenMarketHalted(t *testing.T) {
	e, st, vlt, _, priv := newTestEngine(t)
	ctx := context.Background()
	vlt.Credit("alice", big.NewInt(1_000_000_000))

	if err := st.SetMarketOpen(ctx, 0, false); err != nil {
		t.Fatalf("SetMarketOpen: %v", err)
	}

	proof := proofFor(t, priv, 7, big.NewInt(2_000_000_000))
	_, err := e.OpenPosition(ctx, "alice", 7, model.SideLong, big.NewInt(100_000_000), 10, proof, big.NewInt(0), big.NewInt(0))
	if !errors.Is(err, enginerr.ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
}

func TestListAsset_RegistersNewAndPreservesExistingFlags(t *testing.T) {
	e, st, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	asset, err := e.ListAsset(ctx, 42, big.NewInt(500_000), 2)
	if err != nil {
		t.Fatalf("ListAsset: %v", err)
	}
	if !asset.Listed || !asset.MarketOpen {
		t.Errorf("new asset should be listed and market-open by default: %+v", asset)
	}

	if err := st.SetMarketOpen(ctx, 2, false); err != nil {
		t.Fatalf("SetMarketOpen: %v", err)
	}
	// Re-listing with a corrected bucket size must not resurrect MarketOpen.
	relisted, err := e.ListAsset(ctx, 42, big.NewInt(250_000), 2)
	if err != nil {
		t.Fatalf("ListAsset (relist): %v", err)
	}
	if relisted.MarketOpen {
		t.Error("expected MarketOpen to stay false across a re-list")
	}
	if relisted.BucketSize.Cmp(big.NewInt(250_000)) != 0 {
		t.Errorf("BucketSize = %s, want 250000", relisted.BucketSize)
	}
}

func TestListAsset_RejectsZeroBucketSize(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	if _, err := e.ListAsset(context.Background(), 42, big.NewInt(0), 0); err == nil {
		t.Fatal("expected rejection for zero bucket size")
	}
}

func TestSetFundingRate_And_SetSpread(t *testing.T) {
	e, st, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.SetFundingRate(ctx, 7, 250); err != nil {
		t.Fatalf("SetFundingRate: %v", err)
	}
	if err := e.SetSpread(ctx, 7, 30); err != nil {
		t.Fatalf("SetSpread: %v", err)
	}

	asset, err := st.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.FundingRate.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("FundingRate = %s, want 250", asset.FundingRate)
	}
	if asset.Spread.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("Spread = %s, want 30", asset.Spread)
	}
}

func TestSetFundingRate_RejectsAboveCap(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	err := e.SetFundingRate(context.Background(), 7, MaxFundingRateBps+1)
	if !errors.Is(err, enginerr.ErrToleranceTooHigh) {
		t.Errorf("expected ErrToleranceTooHigh, got %v", err)
	}
}

func TestSetSpread_RejectsAboveCap(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	err := e.SetSpread(context.Background(), 7, MaxSpreadBps+1)
	if !errors.Is(err, enginerr.ErrToleranceTooHigh) {
		t.Errorf("expected ErrToleranceTooHigh, got %v", err)
	}
}

func TestSetTolerance_RejectsAboveCap(t *testing.T) {
	e, st, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.SetTolerance(ctx, 50); err != nil {
		t.Fatalf("SetTolerance: %v", err)
	}
	got, _ := st.GetTolerance(ctx)
	if got != 50 {
		t.Errorf("tolerance = %d, want 50", got)
	}

	err := e.SetTolerance(ctx, MaxToleranceBps+1)
	if !errors.Is(err, enginerr.ErrToleranceTooHigh) {
		t.Errorf("expected ErrToleranceTooHigh, got %v", err)
	}
	// Rejected call must not have clobbered the previously accepted value.
	got, _ = st.GetTolerance(ctx)
	if got != 50 {
		t.Errorf("tolerance after rejected SetTolerance = %d, want unchanged 50", got)
	}
}
