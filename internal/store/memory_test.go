package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/perpcore/engine/internal/model"
)

func TestMemoryStore_OpenLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := &model.Open{
		ID: "pos-1", Trader: "alice", AssetIndex: 7, Side: model.SideLong,
		Size: big.NewInt(100_000_000), Leverage: 10,
		OpenPrice: big.NewInt(2_000_000_000), LiquidationPrice: big.NewInt(1_818_181_818),
		LiqBucketID:   big.NewInt(1818),
		StopLossPrice: big.NewInt(0), TakeProfitPrice: big.NewInt(0), OpenedAt: time.Now(),
	}

	if err := s.CreateOpen(ctx, o); err != nil {
		t.Fatalf("CreateOpen: %v", err)
	}

	got, err := s.GetOpen(ctx, "pos-1")
	if err != nil {
		t.Fatalf("GetOpen: %v", err)
	}
	if got.Trader != "alice" {
		t.Errorf("Trader = %s, want alice", got.Trader)
	}

	got.StopLossPrice = big.NewInt(1_900_000_000)
	if err := s.UpdateOpen(ctx, got); err != nil {
		t.Fatalf("UpdateOpen: %v", err)
	}

	updated, _ := s.GetOpen(ctx, "pos-1")
	if updated.StopLossPrice.Cmp(big.NewInt(1_900_000_000)) != 0 {
		t.Errorf("StopLossPrice not updated: %s", updated.StopLossPrice)
	}

	if err := s.DeleteOpen(ctx, "pos-1"); err != nil {
		t.Fatalf("DeleteOpen: %v", err)
	}
	if _, err := s.GetOpen(ctx, "pos-1"); err == nil {
		t.Error("expected not-found after delete")
	}
}

func TestMemoryStore_BucketIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	entry := model.BucketEntry{AssetIndex: 7, BucketID: big.NewInt(2200), Kind: model.BucketLiq, RefID: "pos-1", TargetPrice: big.NewInt(2_200_000_000)}
	if err := s.UpsertBucketEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertBucketEntry: %v", err)
	}

	entries, err := s.ScanBucket(ctx, 7, big.NewInt(2200), model.BucketLiq)
	if err != nil {
		t.Fatalf("ScanBucket: %v", err)
	}
	if len(entries) != 1 || entries[0].RefID != "pos-1" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	if err := s.RemoveBucketEntry(ctx, 7, big.NewInt(2200), model.BucketLiq, "pos-1"); err != nil {
		t.Fatalf("RemoveBucketEntry: %v", err)
	}
	entries, _ = s.ScanBucket(ctx, 7, big.NewInt(2200), model.BucketLiq)
	if len(entries) != 0 {
		t.Errorf("expected empty bucket after removal, got %+v", entries)
	}
}

func TestMemoryStore_AssetRegistry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := &model.AssetInfo{
		AssetIndex: 7, AssetType: 0, BucketSize: big.NewInt(1_000_000),
		Listed: true, MarketOpen: true, Decimals: 6,
	}
	if err := s.PutAsset(ctx, a); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}

	got, err := s.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.AssetType != 0 {
		t.Errorf("AssetType = %d, want 0", got.AssetType)
	}
	if got.BucketSize.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("BucketSize = %s, want 1000000", got.BucketSize)
	}
}

func TestMemoryStore_SetMarketOpen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.PutAsset(ctx, &model.AssetInfo{AssetIndex: 7, AssetType: 0, BucketSize: big.NewInt(1_000_000), Listed: true, MarketOpen: true, Decimals: 6})
	s.PutAsset(ctx, &model.AssetInfo{AssetIndex: 8, AssetType: 0, BucketSize: big.NewInt(1_000_000), Listed: true, MarketOpen: true, Decimals: 6})
	s.PutAsset(ctx, &model.AssetInfo{AssetIndex: 9, AssetType: 1, BucketSize: big.NewInt(1_000_000), Listed: true, MarketOpen: true, Decimals: 6})

	if err := s.SetMarketOpen(ctx, 0, false); err != nil {
		t.Fatalf("SetMarketOpen: %v", err)
	}

	a7, _ := s.GetAsset(ctx, 7)
	a8, _ := s.GetAsset(ctx, 8)
	a9, _ := s.GetAsset(ctx, 9)
	if a7.MarketOpen || a8.MarketOpen {
		t.Errorf("expected asset type 0 halted, got a7=%v a8=%v", a7.MarketOpen, a8.MarketOpen)
	}
	if !a9.MarketOpen {
		t.Error("expected asset type 1 untouched")
	}
}

func TestMemoryStore_FundingRateAndSpread(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.PutAsset(ctx, &model.AssetInfo{AssetIndex: 7, AssetType: 0, BucketSize: big.NewInt(1_000_000), Listed: true, MarketOpen: true, Decimals: 6})

	if err := s.SetFundingRate(ctx, 7, 42); err != nil {
		t.Fatalf("SetFundingRate: %v", err)
	}
	if err := s.SetSpread(ctx, 7, 15); err != nil {
		t.Fatalf("SetSpread: %v", err)
	}

	got, err := s.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.FundingRate.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("FundingRate = %s, want 42", got.FundingRate)
	}
	if got.Spread.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("Spread = %s, want 15", got.Spread)
	}

	if err := s.SetFundingRate(ctx, 999, 1); err == nil {
		t.Error("expected error setting funding rate on unlisted asset")
	}
}

func TestMemoryStore_Tolerance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.GetTolerance(ctx)
	if err != nil {
		t.Fatalf("GetTolerance: %v", err)
	}
	if got != 10 {
		t.Errorf("default tolerance = %d, want 10", got)
	}

	if err := s.SetTolerance(ctx, 50); err != nil {
		t.Fatalf("SetTolerance: %v", err)
	}
	got, _ = s.GetTolerance(ctx)
	if got != 50 {
		t.Errorf("tolerance after set = %d, want 50", got)
	}
}
