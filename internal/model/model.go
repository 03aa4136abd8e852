// Package model defines the core domain types shared across the trading
// engine. Amounts, prices, and sizes are exact arbitrary-precision integers
// (math/big.Int) — never float64, and never a decimal fixed-point type,
// because the engine's invariants depend on exact integer arithmetic and
// explicit overflow/wraparound handling.
package model

import (
	"math/big"
	"time"
)

// Side is the direction of a position or order.
type Side int

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// TargetKind selects which of a live position's two optional triggers an
// UpdateTarget call moves.
type TargetKind int

const (
	TargetKindSL TargetKind = iota
	TargetKindTP
)

// BucketKind identifies which spatial index family a bucket entry belongs
// to: SLTP for stop-loss/take-profit triggers on live positions, LIMIT for
// pending orders, LIQ for liquidation triggers.
type BucketKind int

const (
	BucketSLTP BucketKind = iota
	BucketLimit
	BucketLiq
)

func (k BucketKind) String() string {
	switch k {
	case BucketSLTP:
		return "SLTP"
	case BucketLimit:
		return "LIMIT"
	case BucketLiq:
		return "LIQ"
	default:
		return "UNKNOWN"
	}
}

// AssetInfo describes a listed tradable asset. Immutable after listing
// except for MarketOpen, which tracks the per-asset-type trading halt, and
// FundingRate/Spread, which an executor can revise at any time.
type AssetInfo struct {
	AssetIndex  uint64   `json:"asset_index" db:"asset_index"`
	AssetType   uint8    `json:"asset_type" db:"asset_type"` // partitions assets into market-open classes, 0..3
	BucketSize  *big.Int `json:"bucket_size" db:"bucket_size"`
	Listed      bool     `json:"listed" db:"listed"`
	MarketOpen  bool     `json:"market_open" db:"market_open"` // cached copy of market_open[AssetType]
	Decimals    uint32   `json:"decimals" db:"decimals"`       // oracle price decimals, carried for future use
	FundingRate *big.Int `json:"funding_rate" db:"funding_rate"` // basis points, ≤ 1000; informational, not accrued
	Spread      *big.Int `json:"spread" db:"spread"`             // basis points, ≤ 1000; informational, not applied to fills
}

// Open is a live leveraged position. Size is the deposited margin in
// collateral minor units, not notional exposure — PnL multiplies it by
// Leverage.
//
// Invariant 2: SLBucketID/TPBucketID (when non-nil) must always match
// bucket.ID(StopLossPrice/TakeProfitPrice, asset.BucketSize), and LiqBucketID
// must always match bucket.ID(LiquidationPrice, asset.BucketSize).
// UpdateTarget is responsible for keeping the SL/TP side of this true.
type Open struct {
	ID               string    `json:"id" db:"id"`
	Trader           string    `json:"trader" db:"trader"`
	AssetIndex       uint64    `json:"asset_index" db:"asset_index"`
	Side             Side      `json:"side" db:"side"`
	Leverage         uint32    `json:"leverage" db:"leverage"` // integer in [1,100]
	Size             *big.Int  `json:"size" db:"size"`         // deposited margin
	OpenPrice        *big.Int  `json:"open_price" db:"open_price"`
	LiquidationPrice *big.Int  `json:"liquidation_price" db:"liquidation_price"`
	LiqBucketID      *big.Int  `json:"liq_bucket_id" db:"liq_bucket_id"`
	StopLossPrice    *big.Int  `json:"stop_loss_price" db:"stop_loss_price"`     // zero if unset
	SLBucketID       *big.Int  `json:"sl_bucket_id" db:"sl_bucket_id"`           // nil if StopLossPrice == 0
	TakeProfitPrice  *big.Int  `json:"take_profit_price" db:"take_profit_price"` // zero if unset
	TPBucketID       *big.Int  `json:"tp_bucket_id" db:"tp_bucket_id"`           // nil if TakeProfitPrice == 0
	OpenedAt         time.Time `json:"opened_at" db:"opened_at"`
}

// Order is a pending limit order not yet filled into an Open. StopLoss and
// TakeProfit, if non-zero, are carried over onto the Open the order
// promotes to when the Executor fills it.
type Order struct {
	ID            string    `json:"id" db:"id"`
	Trader        string    `json:"trader" db:"trader"`
	AssetIndex    uint64    `json:"asset_index" db:"asset_index"`
	Side          Side      `json:"side" db:"side"`
	Leverage      uint32    `json:"leverage" db:"leverage"`
	Size          *big.Int  `json:"size" db:"size"` // deposited margin
	OrderPrice    *big.Int  `json:"order_price" db:"order_price"`
	StopLoss      *big.Int  `json:"stop_loss" db:"stop_loss"`     // zero if unset
	TakeProfit    *big.Int  `json:"take_profit" db:"take_profit"` // zero if unset
	LimitBucketID *big.Int  `json:"limit_bucket_id" db:"limit_bucket_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Closed is an immutable record of a position's final settlement. Once
// created, these are never modified or deleted.
type Closed struct {
	ID         string    `json:"id" db:"id"`
	Trader     string    `json:"trader" db:"trader"`
	AssetIndex uint64    `json:"asset_index" db:"asset_index"`
	Side       Side      `json:"side" db:"side"`
	Leverage   uint32    `json:"leverage" db:"leverage"`
	Size       *big.Int  `json:"size" db:"size"`
	OpenPrice  *big.Int  `json:"open_price" db:"open_price"`
	ClosePrice *big.Int  `json:"close_price" db:"close_price"`
	PnL        *big.Int  `json:"pnl" db:"pnl"`       // signed
	Reason     string    `json:"reason" db:"reason"` // "trader_close", "sltp", "liquidation"
	OpenedAt   time.Time `json:"opened_at" db:"opened_at"`
	ClosedAt   time.Time `json:"closed_at" db:"closed_at"`
}

// BucketEntry is one row of a price-bucket spatial index, keyed by
// (AssetIndex, BucketID, Kind). TargetPrice lets a sweep apply the
// tolerance predicate without a second Storage lookup; RefID points at the
// Open or Order the entry indexes.
type BucketEntry struct {
	AssetIndex  uint64     `json:"asset_index" db:"asset_index"`
	BucketID    *big.Int   `json:"bucket_id" db:"bucket_id"`
	Kind        BucketKind `json:"kind" db:"kind"`
	RefID       string     `json:"ref_id" db:"ref_id"`
	TargetPrice *big.Int   `json:"target_price" db:"target_price"`
}

// EventType enumerates the Events list from the external interface spec.
type EventType string

const (
	EventOpenStored    EventType = "OpenStored"
	EventOrderStored   EventType = "OrderStored"
	EventOpenRemoved   EventType = "OpenRemoved"
	EventOrderRemoved  EventType = "OrderRemoved"
	EventClosedStored  EventType = "ClosedStored"
	EventBucketUpdated EventType = "BucketUpdated"
)

// Event is a single state-change notification broadcast over the WebSocket
// hub after a Storage mutation.
type Event struct {
	Type       EventType `json:"type"`
	RefID      string    `json:"ref_id"`
	Trader     string    `json:"trader,omitempty"`
	AssetIndex uint64    `json:"asset_index"`
	Timestamp  time.Time `json:"timestamp"`
}
