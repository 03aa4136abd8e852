// Package executor implements the keeper-triggered sweep operations:
// execute_orders, close_all_on_targets, and liquidate_positions. Each scans
// the ±1 bucket neighborhood around every verified price in a proof and
// applies the tolerance predicate from internal/bucket to decide what
// triggers.
//
// Only this package and internal/engine are permitted to mutate
// internal/store, mirroring the teacher's split between trade.Service (the
// synchronous trade path) and a keeper-driven settlement sweep.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/perpcore/engine/internal/bucket"
	"github.com/perpcore/engine/internal/engine"
	"github.com/perpcore/engine/internal/metrics"
	"github.com/perpcore/engine/internal/model"
	"github.com/perpcore/engine/internal/oracle"
	"github.com/perpcore/engine/internal/store"
	"github.com/perpcore/engine/internal/vault"
	"github.com/perpcore/engine/internal/ws"
)

// Executor runs the three keeper-triggered sweeps against Storage. A
// mutex serializes sweep passes against each other and against the
// Engine's trader-facing mutations the same way the Engine serializes
// its own operations — both hold the same underlying invariant that a
// position or order is never read and finalized twice concurrently.
type Executor struct {
	store  store.Storage
	vault  vault.Vault
	oracle oracle.Oracle
	hub    *ws.Hub
	mu     sync.Mutex
}

// New creates an Executor sharing the same Storage, Vault, and Oracle
// adapters as the Engine.
func New(st store.Storage, vlt vault.Vault, orc oracle.Oracle, hub *ws.Hub) *Executor {
	return &Executor{store: st, vault: vlt, oracle: orc, hub: hub}
}

func (x *Executor) emit(evt model.Event) {
	if x.hub != nil {
		x.hub.Broadcast(evt)
	}
}

// SweepResult summarizes one sweep pass for the HTTP/admin caller.
type SweepResult struct {
	Scanned int
	Filled  []string
	Errors  []string
}

// ExecuteOrders fills pending limit orders whose order price is within
// tolerance of a verified sweep price, promoting each fill into a live
// Open at the order's own order_price — not the sweep price — carrying
// over any StopLoss/TakeProfit sidecar fields.
func (x *Executor) ExecuteOrders(ctx context.Context, proof oracle.Proof) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("execute_orders").Observe(time.Since(start).Seconds())
	}()

	x.mu.Lock()
	defer x.mu.Unlock()

	points, err := x.oracle.Verify(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("execute orders: %w", err)
	}
	toleranceBps, err := x.store.GetTolerance(ctx)
	if err != nil {
		return nil, fmt.Errorf("execute orders: %w", err)
	}

	res := &SweepResult{}
	for _, p := range points {
		asset, err := x.store.GetAsset(ctx, p.AssetIndex)
		if err != nil {
			continue // unlisted asset in the proof; nothing to sweep
		}

		for _, bid := range bucket.Neighborhood(p.Price, asset.BucketSize) {
			entries, err := x.store.ScanBucket(ctx, p.AssetIndex, bid, model.BucketLimit)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Scanned += len(entries)

			for _, e := range entries {
				if !bucket.WithinTolerance(p.Price, e.TargetPrice, toleranceBps) {
					continue
				}
				if err := x.fillOrder(ctx, e.RefID, asset); err != nil {
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				res.Filled = append(res.Filled, e.RefID)
			}
		}
	}

	metrics.SweepScanned.WithLabelValues("execute_orders").Add(float64(res.Scanned))
	metrics.OrdersFilled.Add(float64(len(res.Filled)))
	slog.Info("execute_orders swept", "scanned", res.Scanned, "filled", len(res.Filled))
	return res, nil
}

// fillOrder re-reads the order before finalizing it, per the sweep
// iteration-safety requirement: a bucket entry surviving a stale scan must
// not be filled twice if a prior iteration of this same pass already
// consumed it.
func (x *Executor) fillOrder(ctx context.Context, orderID string, asset *model.AssetInfo) error {
	order, err := x.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil // already filled or canceled since the scan; not an error
	}

	liqPrice := engine.LiquidationPrice(order.Side, order.OrderPrice, order.Leverage)
	open := &model.Open{
		ID: order.ID, Trader: order.Trader, AssetIndex: order.AssetIndex, Side: order.Side,
		Leverage: order.Leverage, Size: order.Size, OpenPrice: order.OrderPrice,
		LiquidationPrice: liqPrice, LiqBucketID: bucket.ID(liqPrice, asset.BucketSize),
		StopLossPrice: order.StopLoss, TakeProfitPrice: order.TakeProfit, OpenedAt: time.Now().UTC(),
	}
	if order.StopLoss.Sign() != 0 {
		open.SLBucketID = bucket.ID(order.StopLoss, asset.BucketSize)
	}
	if order.TakeProfit.Sign() != 0 {
		open.TPBucketID = bucket.ID(order.TakeProfit, asset.BucketSize)
	}

	if err := x.store.RemoveBucketEntry(ctx, order.AssetIndex, order.LimitBucketID, model.BucketLimit, order.ID); err != nil {
		return fmt.Errorf("fill order %s: remove limit bucket: %w", order.ID, err)
	}
	if err := x.store.DeleteOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("fill order %s: %w", order.ID, err)
	}
	if err := x.store.CreateOpen(ctx, open); err != nil {
		return fmt.Errorf("fill order %s: create open: %w", order.ID, err)
	}

	if err := x.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: order.AssetIndex, BucketID: open.LiqBucketID, Kind: model.BucketLiq, RefID: open.ID, TargetPrice: liqPrice}); err != nil {
		return fmt.Errorf("fill order %s: index liq bucket: %w", order.ID, err)
	}
	if open.SLBucketID != nil {
		x.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: order.AssetIndex, BucketID: open.SLBucketID, Kind: model.BucketSLTP, RefID: open.ID, TargetPrice: order.StopLoss})
	}
	if open.TPBucketID != nil {
		x.store.UpsertBucketEntry(ctx, model.BucketEntry{AssetIndex: order.AssetIndex, BucketID: open.TPBucketID, Kind: model.BucketSLTP, RefID: open.ID, TargetPrice: order.TakeProfit})
	}

	x.emit(model.Event{Type: model.EventOrderRemoved, RefID: order.ID, Trader: order.Trader, AssetIndex: order.AssetIndex, Timestamp: open.OpenedAt})
	x.emit(model.Event{Type: model.EventOpenStored, RefID: open.ID, Trader: open.Trader, AssetIndex: open.AssetIndex, Timestamp: open.OpenedAt})
	x.emit(model.Event{Type: model.EventBucketUpdated, RefID: open.ID, AssetIndex: open.AssetIndex, Timestamp: open.OpenedAt})

	slog.Info("order filled", "id", order.ID, "trader", order.Trader, "order_price", order.OrderPrice.String())
	return nil
}

// CloseAllOnTargets settles every live position whose stop-loss or
// take-profit bucket falls within tolerance of a swept price, using the
// real PnL formula evaluated at the sweep price.
func (x *Executor) CloseAllOnTargets(ctx context.Context, proof oracle.Proof) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("close_all_on_targets").Observe(time.Since(start).Seconds())
	}()

	x.mu.Lock()
	defer x.mu.Unlock()

	points, err := x.oracle.Verify(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("close all on targets: %w", err)
	}
	toleranceBps, err := x.store.GetTolerance(ctx)
	if err != nil {
		return nil, fmt.Errorf("close all on targets: %w", err)
	}

	res := &SweepResult{}
	for _, p := range points {
		asset, err := x.store.GetAsset(ctx, p.AssetIndex)
		if err != nil {
			continue
		}

		for _, bid := range bucket.Neighborhood(p.Price, asset.BucketSize) {
			entries, err := x.store.ScanBucket(ctx, p.AssetIndex, bid, model.BucketSLTP)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Scanned += len(entries)

			for _, e := range entries {
				if !bucket.WithinTolerance(p.Price, e.TargetPrice, toleranceBps) {
					continue
				}
				closed, err := x.closeOnTarget(ctx, e.RefID, asset, p.Price)
				if err != nil {
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				if closed != nil {
					res.Filled = append(res.Filled, closed.ID)
				}
			}
		}
	}

	metrics.SweepScanned.WithLabelValues("close_all_on_targets").Add(float64(res.Scanned))
	slog.Info("close_all_on_targets swept", "scanned", res.Scanned, "closed", len(res.Filled))
	return res, nil
}

func (x *Executor) closeOnTarget(ctx context.Context, positionID string, asset *model.AssetInfo, closePrice *big.Int) (*model.Closed, error) {
	open, err := x.store.GetOpen(ctx, positionID)
	if err != nil {
		return nil, nil // already closed by a prior trigger in this or another sweep; skip
	}
	return engine.FinalizeClose(ctx, x.store, x.vault, x.hub, open, asset, closePrice, "sltp")
}

// LiquidatePositions settles every live position whose liquidation bucket
// falls within tolerance of a swept price as a hardcoded total loss:
// vault.settle_margin(trader, size_usd, 0), never the PnL price formula.
func (x *Executor) LiquidatePositions(ctx context.Context, proof oracle.Proof) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("liquidate_positions").Observe(time.Since(start).Seconds())
	}()

	x.mu.Lock()
	defer x.mu.Unlock()

	points, err := x.oracle.Verify(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("liquidate positions: %w", err)
	}
	toleranceBps, err := x.store.GetTolerance(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidate positions: %w", err)
	}

	res := &SweepResult{}
	for _, p := range points {
		asset, err := x.store.GetAsset(ctx, p.AssetIndex)
		if err != nil {
			continue
		}

		for _, bid := range bucket.Neighborhood(p.Price, asset.BucketSize) {
			entries, err := x.store.ScanBucket(ctx, p.AssetIndex, bid, model.BucketLiq)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Scanned += len(entries)

			for _, e := range entries {
				if !bucket.WithinTolerance(p.Price, e.TargetPrice, toleranceBps) {
					continue
				}
				closed, err := x.liquidate(ctx, e.RefID, asset, p.Price)
				if err != nil {
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				if closed != nil {
					res.Filled = append(res.Filled, closed.ID)
				}
			}
		}
	}

	metrics.SweepScanned.WithLabelValues("liquidate_positions").Add(float64(res.Scanned))
	slog.Info("liquidate_positions swept", "scanned", res.Scanned, "liquidated", len(res.Filled))
	return res, nil
}

// liquidate is a hardcoded total loss, not the PnL price formula: the
// trader's entire deposited margin is forfeit regardless of how far past
// the liquidation price the sweep price landed.
func (x *Executor) liquidate(ctx context.Context, positionID string, asset *model.AssetInfo, sweepPrice *big.Int) (*model.Closed, error) {
	open, err := x.store.GetOpen(ctx, positionID)
	if err != nil {
		return nil, nil // already closed (trader close or SL/TP) in this or a prior sweep; skip
	}

	loss := new(big.Int).Neg(open.Size)
	if err := x.vault.SettleMargin(ctx, open.Trader, open.Size, loss, open.ID, "liquidate:"+open.ID); err != nil {
		return nil, fmt.Errorf("liquidate %s: %w", open.ID, err)
	}

	if err := x.store.RemoveBucketEntry(ctx, open.AssetIndex, open.LiqBucketID, model.BucketLiq, open.ID); err != nil {
		return nil, fmt.Errorf("liquidate %s: remove liq bucket: %w", open.ID, err)
	}
	if open.SLBucketID != nil {
		x.store.RemoveBucketEntry(ctx, open.AssetIndex, open.SLBucketID, model.BucketSLTP, open.ID)
	}
	if open.TPBucketID != nil {
		x.store.RemoveBucketEntry(ctx, open.AssetIndex, open.TPBucketID, model.BucketSLTP, open.ID)
	}
	if err := x.store.DeleteOpen(ctx, open.ID); err != nil {
		return nil, fmt.Errorf("liquidate %s: %w", open.ID, err)
	}

	closed := &model.Closed{
		ID: open.ID, Trader: open.Trader, AssetIndex: open.AssetIndex, Side: open.Side,
		Size: open.Size, Leverage: open.Leverage, OpenPrice: open.OpenPrice, ClosePrice: sweepPrice,
		PnL: loss, Reason: "liquidation", OpenedAt: open.OpenedAt, ClosedAt: time.Now().UTC(),
	}
	if err := x.store.CreateClosed(ctx, closed); err != nil {
		return nil, fmt.Errorf("liquidate %s: %w", open.ID, err)
	}

	x.emit(model.Event{Type: model.EventOpenRemoved, RefID: open.ID, Trader: open.Trader, AssetIndex: open.AssetIndex, Timestamp: closed.ClosedAt})
	x.emit(model.Event{Type: model.EventClosedStored, RefID: closed.ID, Trader: closed.Trader, AssetIndex: closed.AssetIndex, Timestamp: closed.ClosedAt})
	x.emit(model.Event{Type: model.EventBucketUpdated, RefID: open.ID, AssetIndex: open.AssetIndex, Timestamp: closed.ClosedAt})

	metrics.PositionsClosed.WithLabelValues("liquidation").Inc()
	metrics.ActivePositions.Dec()
	slog.Info("position liquidated", "id", open.ID, "trader", open.Trader, "size", open.Size.String())
	return closed, nil
}
