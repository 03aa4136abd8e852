// Package store defines the persistence interface for the trading engine.
// Only the Engine and the Executor sweep are permitted to call the mutating
// methods; read queries are exposed to the HTTP API directly.
//
// PostgreSQL is the source of truth; Redis provides an optional
// read-through cache layer. This split, and the ::TEXT-cast NUMERIC
// pattern used to move big.Int values through pgx without precision loss,
// are carried over from the teacher's store package.
package store

import (
	"context"
	"math/big"

	"github.com/perpcore/engine/internal/model"
)

// Storage is the persistence interface covering Open positions, pending
// Orders, the immutable Closed history, and the price-bucket spatial
// index.
type Storage interface {
	// --- Open positions ---

	CreateOpen(ctx context.Context, o *model.Open) error
	GetOpen(ctx context.Context, id string) (*model.Open, error)
	UpdateOpen(ctx context.Context, o *model.Open) error
	DeleteOpen(ctx context.Context, id string) error
	ListOpensByTrader(ctx context.Context, trader string) ([]model.Open, error)

	// --- Pending orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	ListOrdersByTrader(ctx context.Context, trader string) ([]model.Order, error)

	// --- Immutable closed-trade history ---

	CreateClosed(ctx context.Context, c *model.Closed) error
	ListClosedByTrader(ctx context.Context, trader string) ([]model.Closed, error)

	// --- Price-bucket spatial index ---

	UpsertBucketEntry(ctx context.Context, e model.BucketEntry) error
	RemoveBucketEntry(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind, refID string) error
	ScanBucket(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind) ([]model.BucketEntry, error)

	// --- Asset registry ---

	GetAsset(ctx context.Context, assetIndex uint64) (*model.AssetInfo, error)
	ListAssets(ctx context.Context) ([]model.AssetInfo, error)
	PutAsset(ctx context.Context, a *model.AssetInfo) error

	// SetMarketOpen flips the cached MarketOpen flag on every asset carrying
	// the given AssetType, the admin-facing trading halt open_position
	// consults before accepting a new position.
	SetMarketOpen(ctx context.Context, assetType uint8, open bool) error

	// SetFundingRate and SetSpread record per-asset informational metadata
	// an executor pushes in from off-chain funding/spread calculation; the
	// engine stores and serves them but never accrues or applies them
	// itself. Both are capped at 1000 basis points by the caller.
	SetFundingRate(ctx context.Context, assetIndex uint64, rateBps int64) error
	SetSpread(ctx context.Context, assetIndex uint64, spreadBps int64) error

	// GetTolerance and SetTolerance manage the single engine-wide sweep
	// tolerance, in basis points, that bucket.WithinTolerance applies to
	// every sweep kind. SetTolerance's ≤100 cap is enforced by the caller
	// (internal/engine), not by Storage.
	GetTolerance(ctx context.Context) (uint32, error)
	SetTolerance(ctx context.Context, bps uint32) error
}
