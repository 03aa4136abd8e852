// Package engine implements the trader-facing operations of the trading
// engine: OpenPosition, ClosePosition, PlaceOrder, CancelOrder, and
// UpdateTarget. Only this package and internal/executor are permitted to
// mutate internal/store.
//
// Structurally this mirrors the teacher's trade.Service: a mutex-serialized
// struct wrapping a Storage, handlers that validate, call out to adapters,
// then persist and broadcast. The LMSR cost-function logic that the
// teacher priced trades against is replaced here by the leverage/margin/
// liquidation-price formulas a leveraged perpetual needs; those formulas
// follow luxfi-dex/pkg/lx/liquidation_engine.go's use of math/big.Int for
// every monetary quantity.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perpcore/engine/internal/bucket"
	"github.com/perpcore/engine/internal/enginerr"
	"github.com/perpcore/engine/internal/metrics"
	"github.com/perpcore/engine/internal/model"
	"github.com/perpcore/engine/internal/money"
	"github.com/perpcore/engine/internal/oracle"
	"github.com/perpcore/engine/internal/risk"
	"github.com/perpcore/engine/internal/store"
	"github.com/perpcore/engine/internal/vault"
	"github.com/perpcore/engine/internal/ws"
)

// MinSizeUSD is the minimum deposited margin a position or order may carry:
// 10 units of the six-decimal collateral token.
var MinSizeUSD = big.NewInt(10_000_000)

// MinLeverage and MaxLeverage bound the leverage field on every position
// and order.
const (
	MinLeverage uint32 = 1
	MaxLeverage uint32 = 100
)

// MaxFundingRateBps and MaxSpreadBps bound the informational per-asset
// values an executor can push in with SetFundingRate/SetSpread.
// MaxToleranceBps bounds the engine-wide sweep tolerance SetTolerance
// accepts; DefaultToleranceBps is what a fresh store reports before any
// SetTolerance call.
const (
	MaxFundingRateBps   = 1000
	MaxSpreadBps        = 1000
	MaxToleranceBps     = 100
	DefaultToleranceBps = 10
)

// Engine handles trader-facing operations. A single mutex serializes
// mutation the way the teacher's Service serializes trade execution — this
// is not a blockchain, and a coarse lock is an accepted simplification.
type Engine struct {
	store   store.Storage
	vault   vault.Vault
	oracle  oracle.Oracle
	limiter *risk.ExposureLimiter
	mu      sync.Mutex
	hub     *ws.Hub // optional; nil disables broadcasting
}

// New creates a new Engine. Pass nil for limiter/hub to disable the
// exposure limiter or WebSocket broadcasting.
func New(st store.Storage, vlt vault.Vault, orc oracle.Oracle, limiter *risk.ExposureLimiter, hub *ws.Hub) *Engine {
	return &Engine{store: st, vault: vlt, oracle: orc, limiter: limiter, hub: hub}
}

func (e *Engine) emit(evt model.Event) {
	if e.hub != nil {
		e.hub.Broadcast(evt)
	}
}

// prometheusTimer starts an EngineLatency observation for op and returns a
// func to stop it, so callers can `defer prometheusTimer("open_position")()`.
func prometheusTimer(op string) func() {
	start := time.Now()
	return func() {
		metrics.EngineLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Notional returns the leveraged exposure a margin deposit represents:
// size * leverage. Exported for the Executor and the risk limiter, which
// need the same figure without duplicating the multiplication.
func Notional(size *big.Int, leverage uint32) *big.Int {
	return new(big.Int).Mul(size, big.NewInt(int64(leverage)))
}

// PnL computes signed PnL for a position moving from openPrice to
// closePrice:
//
//	long:  pnl = size * leverage * (close - open) / open
//	short: pnl = size * leverage * (open - close) / open
func PnL(side model.Side, size *big.Int, leverage uint32, openPrice, closePrice *big.Int) *big.Int {
	var diff *big.Int
	if side == model.SideLong {
		diff = new(big.Int).Sub(closePrice, openPrice)
	} else {
		diff = new(big.Int).Sub(openPrice, closePrice)
	}
	num := new(big.Int).Mul(Notional(size, leverage), diff)
	return num.Div(num, openPrice)
}

// LiquidationPrice computes the price at which a position's margin is
// exhausted at total loss:
//
//	long:  liq = open * leverage / (leverage + 1)
//	short: liq = open * (leverage + 1) / leverage
func LiquidationPrice(side model.Side, openPrice *big.Int, leverage uint32) *big.Int {
	lev := big.NewInt(int64(leverage))
	if side == model.SideLong {
		num := new(big.Int).Mul(openPrice, lev)
		den := new(big.Int).Add(lev, big.NewInt(1))
		return num.Div(num, den)
	}
	num := new(big.Int).Mul(openPrice, new(big.Int).Add(lev, big.NewInt(1)))
	return num.Div(num, lev)
}

func validateLeverage(leverage uint32) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return enginerr.ErrInvalidLeverage
	}
	return nil
}

func validateSize(size *big.Int) error {
	if size.Cmp(MinSizeUSD) < 0 {
		return enginerr.ErrMinSize
	}
	return nil
}

func validateAssetTradable(asset *model.AssetInfo) error {
	if !asset.Listed {
		return enginerr.ErrAssetNotListed
	}
	if !asset.MarketOpen {
		return enginerr.ErrMarketClosed
	}
	return nil
}

// validateSLTP enforces the per-side range a stop-loss/take-profit must
// sit in relative to the open price and the liquidation price. Zero means
// "unset" and is always valid.
func validateSLTP(side model.Side, openPrice, liqPrice, stopLoss, takeProfit *big.Int) error {
	if stopLoss.Sign() != 0 {
		if side == model.SideLong {
			if stopLoss.Cmp(liqPrice) < 0 || stopLoss.Cmp(openPrice) > 0 {
				return enginerr.ErrInvalidSLTP
			}
		} else {
			if stopLoss.Cmp(openPrice) < 0 || stopLoss.Cmp(liqPrice) > 0 {
				return enginerr.ErrInvalidSLTP
			}
		}
	}
	if takeProfit.Sign() != 0 {
		if side == model.SideLong && takeProfit.Cmp(openPrice) <= 0 {
			return enginerr.ErrInvalidSLTP
		}
		if side == model.SideShort && takeProfit.Cmp(openPrice) >= 0 {
			return enginerr.ErrInvalidSLTP
		}
	}
	return nil
}

func (e *Engine) verifiedPrice(ctx context.Context, proof oracle.Proof, assetIndex uint64) (*big.Int, error) {
	points, err := e.oracle.Verify(ctx, proof)
	if err != nil {
		return nil, err
	}
	p, err := oracle.Lookup(points, assetIndex)
	if err != nil {
		return nil, err
	}
	if p.Price.Sign() == 0 {
		return nil, enginerr.ErrPriceZero
	}
	return p.Price, nil
}

// OpenPosition validates a trader's intent, verifies the oracle proof,
// locks margin, and stores a new leveraged position. Margin is deposited
// only after the asset, leverage, size, exposure, price and SL/TP checks
// have all passed, so a rejected open leaves the trader's vault balance
// unchanged.
func (e *Engine) OpenPosition(ctx context.Context, trader string, assetIndex uint64, side model.Side, size *big.Int, leverage uint32, proof oracle.Proof, stopLoss, takeProfit *big.Int) (*model.Open, error) {
	defer prometheusTimer("open_position")()

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, err := e.store.GetAsset(ctx, assetIndex)
	if err != nil {
		return nil, fmt.Errorf("open position: %w", enginerr.ErrAssetNotListed)
	}
	if err := validateAssetTradable(asset); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	if err := validateLeverage(leverage); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	if err := validateSize(size); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	if e.limiter != nil {
		delta := Notional(size, leverage)
		if side == model.SideShort {
			delta = new(big.Int).Neg(delta)
		}
		existing, err := e.openNotionalByAsset(ctx, trader)
		if err != nil {
			return nil, fmt.Errorf("open position: %w", err)
		}
		if err := e.limiter.CheckLimit(assetIndex, delta, existing); err != nil {
			metrics.ExposureLimitRejections.Inc()
			return nil, fmt.Errorf("open position: %w", err)
		}
	}

	openPrice, err := e.verifiedPrice(ctx, proof, assetIndex)
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	liqPrice := LiquidationPrice(side, openPrice, leverage)
	if err := validateSLTP(side, openPrice, liqPrice, stopLoss, takeProfit); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	id := uuid.New().String()
	if err := e.vault.DepositMargin(ctx, trader, size, id, "deposit:"+id); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	open := &model.Open{
		ID: id, Trader: trader, AssetIndex: assetIndex, Side: side, Leverage: leverage, Size: size,
		OpenPrice: openPrice, LiquidationPrice: liqPrice, LiqBucketID: bucket.ID(liqPrice, asset.BucketSize),
		StopLossPrice: stopLoss, TakeProfitPrice: takeProfit, OpenedAt: time.Now().UTC(),
	}
	if stopLoss.Sign() != 0 {
		open.SLBucketID = bucket.ID(stopLoss, asset.BucketSize)
	}
	if takeProfit.Sign() != 0 {
		open.TPBucketID = bucket.ID(takeProfit, asset.BucketSize)
	}

	if err := e.store.CreateOpen(ctx, open); err != nil {
		return nil, fmt.Errorf("open position: store: %w", err)
	}

	if err := e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: assetIndex, BucketID: open.LiqBucketID, Kind: model.BucketLiq, RefID: id, TargetPrice: liqPrice}); err != nil {
		return nil, fmt.Errorf("open position: index liquidation bucket: %w", err)
	}
	if open.SLBucketID != nil {
		e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: assetIndex, BucketID: open.SLBucketID, Kind: model.BucketSLTP, RefID: id, TargetPrice: stopLoss})
	}
	if open.TPBucketID != nil {
		e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: assetIndex, BucketID: open.TPBucketID, Kind: model.BucketSLTP, RefID: id, TargetPrice: takeProfit})
	}

	slog.Info("position opened", "id", id, "trader", trader, "asset", assetIndex, "side", side,
		"size", size.String(), "size_usd", money.ToDecimal(size, money.CollateralDecimals).String(),
		"leverage", leverage, "open_price", openPrice.String())

	e.emit(model.Event{Type: model.EventOpenStored, RefID: id, Trader: trader, AssetIndex: assetIndex, Timestamp: open.OpenedAt})
	e.emit(model.Event{Type: model.EventBucketUpdated, RefID: id, AssetIndex: assetIndex, Timestamp: open.OpenedAt})

	metrics.PositionsOpened.WithLabelValues(side.String()).Inc()
	metrics.ActivePositions.Inc()

	return open, nil
}

// ClosePosition settles and removes a trader-initiated close. Only the
// recorded trader may close their own position.
func (e *Engine) ClosePosition(ctx context.Context, caller, positionID string, proof oracle.Proof) (*model.Closed, error) {
	defer prometheusTimer("close_position")()

	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.store.GetOpen(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", enginerr.ErrPositionNotFound)
	}
	if open.Trader != caller {
		return nil, fmt.Errorf("close position: %w", enginerr.ErrNotPositionOwner)
	}

	asset, err := e.store.GetAsset(ctx, open.AssetIndex)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", enginerr.ErrAssetNotListed)
	}

	closePrice, err := e.verifiedPrice(ctx, proof, open.AssetIndex)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	return FinalizeClose(ctx, e.store, e.vault, e.hub, open, asset, closePrice, "trader_close")
}

// FinalizeClose settles margin+pnl with the Vault and records the Closed
// trade, always using the trader stored on the position — never a caller
// identity — so the Executor's sweep finalizers can reuse this exact path.
// Exported so internal/executor shares this logic instead of duplicating
// the settlement arithmetic. hub may be nil to disable broadcasting.
func FinalizeClose(ctx context.Context, st store.Storage, vlt vault.Vault, hub *ws.Hub, open *model.Open, asset *model.AssetInfo, closePrice *big.Int, reason string) (*model.Closed, error) {
	p := PnL(open.Side, open.Size, open.Leverage, open.OpenPrice, closePrice)

	// A position's loss is capped at its own posted margin: close_margin =
	// size_usd + pnl can never settle below zero. Clamp here, against the
	// position's own size only, so the stored Closed.PnL always matches
	// what the Vault actually moves — the Vault has no business reaching
	// into a trader's other balances to cover a single position's loss.
	minPnL := new(big.Int).Neg(open.Size)
	if p.Cmp(minPnL) < 0 {
		p = minPnL
	}

	if err := vlt.SettleMargin(ctx, open.Trader, open.Size, p, open.ID, "settle:"+open.ID); err != nil {
		return nil, fmt.Errorf("finalize close: %w", err)
	}

	if err := st.RemoveBucketEntry(ctx, open.AssetIndex, open.LiqBucketID, model.BucketLiq, open.ID); err != nil {
		return nil, fmt.Errorf("finalize close: remove liq bucket: %w", err)
	}
	if open.SLBucketID != nil {
		st.RemoveBucketEntry(ctx, open.AssetIndex, open.SLBucketID, model.BucketSLTP, open.ID)
	}
	if open.TPBucketID != nil {
		st.RemoveBucketEntry(ctx, open.AssetIndex, open.TPBucketID, model.BucketSLTP, open.ID)
	}

	if err := st.DeleteOpen(ctx, open.ID); err != nil {
		return nil, fmt.Errorf("finalize close: %w", err)
	}

	closed := &model.Closed{
		ID: open.ID, Trader: open.Trader, AssetIndex: open.AssetIndex, Side: open.Side,
		Size: open.Size, Leverage: open.Leverage, OpenPrice: open.OpenPrice, ClosePrice: closePrice,
		PnL: p, Reason: reason, OpenedAt: open.OpenedAt, ClosedAt: time.Now().UTC(),
	}
	if err := st.CreateClosed(ctx, closed); err != nil {
		return nil, fmt.Errorf("finalize close: %w", err)
	}

	slog.Info("position closed", "id", open.ID, "trader", open.Trader, "reason", reason,
		"pnl", p.String(), "pnl_usd", money.ToDecimal(p, money.CollateralDecimals).String(), "close_price", closePrice.String())

	if hub != nil {
		hub.Broadcast(model.Event{Type: model.EventOpenRemoved, RefID: open.ID, Trader: open.Trader, AssetIndex: open.AssetIndex, Timestamp: closed.ClosedAt})
		hub.Broadcast(model.Event{Type: model.EventClosedStored, RefID: closed.ID, Trader: closed.Trader, AssetIndex: closed.AssetIndex, Timestamp: closed.ClosedAt})
		hub.Broadcast(model.Event{Type: model.EventBucketUpdated, RefID: open.ID, AssetIndex: open.AssetIndex, Timestamp: closed.ClosedAt})
	}

	metrics.PositionsClosed.WithLabelValues(reason).Inc()
	metrics.ActivePositions.Dec()

	return closed, nil
}

// PlaceOrder locks margin and stores a pending limit order, indexed into
// the LIMIT bucket for the Executor's execute_orders sweep. StopLoss and
// TakeProfit, if both non-zero, must geometrically bracket the order price.
func (e *Engine) PlaceOrder(ctx context.Context, trader string, assetIndex uint64, side model.Side, size *big.Int, leverage uint32, orderPrice, stopLoss, takeProfit *big.Int) (*model.Order, error) {
	defer prometheusTimer("place_order")()

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, err := e.store.GetAsset(ctx, assetIndex)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", enginerr.ErrAssetNotListed)
	}
	if err := validateAssetTradable(asset); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := validateLeverage(leverage); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := validateSize(size); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if orderPrice.Sign() <= 0 {
		return nil, fmt.Errorf("place order: %w", enginerr.ErrPriceZero)
	}
	if stopLoss.Sign() != 0 && takeProfit.Sign() != 0 {
		if side == model.SideLong && !(stopLoss.Cmp(orderPrice) < 0 && orderPrice.Cmp(takeProfit) < 0) {
			return nil, fmt.Errorf("place order: %w", enginerr.ErrInvalidSLTP)
		}
		if side == model.SideShort && !(takeProfit.Cmp(orderPrice) < 0 && orderPrice.Cmp(stopLoss) < 0) {
			return nil, fmt.Errorf("place order: %w", enginerr.ErrInvalidSLTP)
		}
	}

	id := uuid.New().String()
	if err := e.vault.DepositMargin(ctx, trader, size, id, "deposit:"+id); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	limitBucket := bucket.ID(orderPrice, asset.BucketSize)
	order := &model.Order{
		ID: id, Trader: trader, AssetIndex: assetIndex, Side: side, Leverage: leverage, Size: size,
		OrderPrice: orderPrice, StopLoss: stopLoss, TakeProfit: takeProfit, LimitBucketID: limitBucket,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("place order: store: %w", err)
	}

	if err := e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: assetIndex, BucketID: limitBucket, Kind: model.BucketLimit, RefID: id, TargetPrice: orderPrice}); err != nil {
		return nil, fmt.Errorf("place order: index bucket: %w", err)
	}

	slog.Info("order placed", "id", id, "trader", trader, "asset", assetIndex, "order_price", orderPrice.String())

	e.emit(model.Event{Type: model.EventOrderStored, RefID: id, Trader: trader, AssetIndex: assetIndex, Timestamp: order.CreatedAt})
	e.emit(model.Event{Type: model.EventBucketUpdated, RefID: id, AssetIndex: assetIndex, Timestamp: order.CreatedAt})

	return order, nil
}

// CancelOrder releases a pending order's margin and removes it.
// Authorization is strictly caller == order.Trader — never a coarser
// check, per the authorization bug fix recorded in DESIGN.md.
func (e *Engine) CancelOrder(ctx context.Context, caller, orderID string) error {
	defer prometheusTimer("cancel_order")()

	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", enginerr.ErrPositionNotFound)
	}
	if order.Trader != caller {
		return fmt.Errorf("cancel order: %w", enginerr.ErrNotAuthorized)
	}

	if err := e.vault.SettleMargin(ctx, order.Trader, order.Size, big.NewInt(0), order.ID, "cancel:"+order.ID); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if err := e.store.RemoveBucketEntry(ctx, order.AssetIndex, order.LimitBucketID, model.BucketLimit, order.ID); err != nil {
		return fmt.Errorf("cancel order: remove bucket: %w", err)
	}
	if err := e.store.DeleteOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	slog.Info("order canceled", "id", order.ID, "trader", order.Trader)

	e.emit(model.Event{Type: model.EventOrderRemoved, RefID: order.ID, Trader: order.Trader, AssetIndex: order.AssetIndex, Timestamp: time.Now().UTC()})
	e.emit(model.Event{Type: model.EventBucketUpdated, RefID: order.ID, AssetIndex: order.AssetIndex, Timestamp: time.Now().UTC()})

	return nil
}

// UpdateTarget moves a position's stop-loss or take-profit and patches
// both the bucket id and the target price field together in one write, so
// the position is never indexed under a bucket that doesn't match its own
// stored target price — a bug fix relative to the original implementation,
// recorded in DESIGN.md. newPrice == 0 clears the target.
func (e *Engine) UpdateTarget(ctx context.Context, caller, positionID string, kind model.TargetKind, newPrice *big.Int) error {
	defer prometheusTimer("update_target")()

	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.store.GetOpen(ctx, positionID)
	if err != nil {
		return fmt.Errorf("update target: %w", enginerr.ErrPositionNotFound)
	}
	if open.Trader != caller {
		return fmt.Errorf("update target: %w", enginerr.ErrNotPositionOwner)
	}

	asset, err := e.store.GetAsset(ctx, open.AssetIndex)
	if err != nil {
		return fmt.Errorf("update target: %w", enginerr.ErrAssetNotListed)
	}

	switch kind {
	case model.TargetKindSL:
		if err := validateSLTP(open.Side, open.OpenPrice, open.LiquidationPrice, newPrice, big.NewInt(0)); err != nil {
			return fmt.Errorf("update target: %w", err)
		}
		if open.SLBucketID != nil {
			e.store.RemoveBucketEntry(ctx, open.AssetIndex, open.SLBucketID, model.BucketSLTP, open.ID)
		}
		open.StopLossPrice = newPrice
		if newPrice.Sign() != 0 {
			open.SLBucketID = bucket.ID(newPrice, asset.BucketSize)
			e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: open.AssetIndex, BucketID: open.SLBucketID, Kind: model.BucketSLTP, RefID: open.ID, TargetPrice: newPrice})
		} else {
			open.SLBucketID = nil
		}
	case model.TargetKindTP:
		if err := validateSLTP(open.Side, open.OpenPrice, open.LiquidationPrice, big.NewInt(0), newPrice); err != nil {
			return fmt.Errorf("update target: %w", err)
		}
		if open.TPBucketID != nil {
			e.store.RemoveBucketEntry(ctx, open.AssetIndex, open.TPBucketID, model.BucketSLTP, open.ID)
		}
		open.TakeProfitPrice = newPrice
		if newPrice.Sign() != 0 {
			open.TPBucketID = bucket.ID(newPrice, asset.BucketSize)
			e.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: open.AssetIndex, BucketID: open.TPBucketID, Kind: model.BucketSLTP, RefID: open.ID, TargetPrice: newPrice})
		} else {
			open.TPBucketID = nil
		}
	default:
		return fmt.Errorf("update target: %w", enginerr.ErrInvalidTargetType)
	}

	if err := e.store.UpdateOpen(ctx, open); err != nil {
		return fmt.Errorf("update target: %w", err)
	}

	slog.Info("target updated", "id", open.ID, "trader", open.Trader, "kind", kind, "new_price", newPrice.String())

	e.emit(model.Event{Type: model.EventBucketUpdated, RefID: open.ID, AssetIndex: open.AssetIndex, Timestamp: time.Now().UTC()})

	return nil
}

// ListAsset registers a tradable asset, or replaces the registration of an
// already-listed one — bucket size and asset type are corrected here if a
// prior listing had them wrong, matching the caller roles ("admin/executor")
// spec.md assigns list_asset. Newly listed assets start with the market
// open and funding rate/spread at zero.
func (e *Engine) ListAsset(ctx context.Context, assetIndex uint64, bucketSize *big.Int, assetType uint8) (*model.AssetInfo, error) {
	defer prometheusTimer("list_asset")()

	e.mu.Lock()
	defer e.mu.Unlock()

	if bucketSize.Sign() <= 0 {
		return nil, fmt.Errorf("list asset: %w", enginerr.ErrPriceZero)
	}

	fundingRate, spread := big.NewInt(0), big.NewInt(0)
	marketOpen := true
	if existing, err := e.store.GetAsset(ctx, assetIndex); err == nil {
		fundingRate, spread, marketOpen = existing.FundingRate, existing.Spread, existing.MarketOpen
	}

	asset := &model.AssetInfo{
		AssetIndex: assetIndex, AssetType: assetType, BucketSize: bucketSize, Listed: true,
		MarketOpen: marketOpen, FundingRate: fundingRate, Spread: spread,
	}
	if err := e.store.PutAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("list asset: %w", err)
	}

	slog.Info("asset listed", "asset", assetIndex, "asset_type", assetType, "bucket_size", bucketSize.String())
	return asset, nil
}

// SetFundingRate records the executor-supplied funding rate for an asset.
// The value is stored and served back through GetAsset/ListAssets but is
// never accrued into any position's PnL — it is informational metadata
// only, per spec.md's funding rate handling.
func (e *Engine) SetFundingRate(ctx context.Context, assetIndex uint64, rateBps int64) error {
	defer prometheusTimer("set_funding_rate")()

	if rateBps < 0 || rateBps > MaxFundingRateBps {
		return fmt.Errorf("set funding rate: %w", enginerr.ErrToleranceTooHigh)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetFundingRate(ctx, assetIndex, rateBps); err != nil {
		return fmt.Errorf("set funding rate: %w", err)
	}
	slog.Info("funding rate set", "asset", assetIndex, "rate_bps", rateBps)
	return nil
}

// SetSpread records the executor-supplied spread for an asset. Like
// FundingRate, this is stored and served but never applied to a fill
// price.
func (e *Engine) SetSpread(ctx context.Context, assetIndex uint64, spreadBps int64) error {
	defer prometheusTimer("set_spread")()

	if spreadBps < 0 || spreadBps > MaxSpreadBps {
		return fmt.Errorf("set spread: %w", enginerr.ErrToleranceTooHigh)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetSpread(ctx, assetIndex, spreadBps); err != nil {
		return fmt.Errorf("set spread: %w", err)
	}
	slog.Info("spread set", "asset", assetIndex, "spread_bps", spreadBps)
	return nil
}

// SetTolerance sets the engine-wide basis-point tolerance the Executor's
// three sweep kinds apply through bucket.WithinTolerance. Capped at
// MaxToleranceBps per spec.md; ErrToleranceTooHigh above that.
func (e *Engine) SetTolerance(ctx context.Context, bps uint32) error {
	defer prometheusTimer("set_tolerance")()

	if bps > MaxToleranceBps {
		return fmt.Errorf("set tolerance: %w", enginerr.ErrToleranceTooHigh)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetTolerance(ctx, bps); err != nil {
		return fmt.Errorf("set tolerance: %w", err)
	}
	slog.Info("tolerance set", "bps", bps)
	return nil
}

// openNotionalByAsset sums a trader's current leveraged notional per asset
// index, signed by side, for the exposure limiter.
func (e *Engine) openNotionalByAsset(ctx context.Context, trader string) (map[uint64]*big.Int, error) {
	opens, err := e.store.ListOpensByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]*big.Int)
	for _, o := range opens {
		n := Notional(o.Size, o.Leverage)
		if o.Side == model.SideShort {
			n = new(big.Int).Neg(n)
		}
		if existing, ok := out[o.AssetIndex]; ok {
			out[o.AssetIndex] = new(big.Int).Add(existing, n)
		} else {
			out[o.AssetIndex] = n
		}
	}
	return out, nil
}
