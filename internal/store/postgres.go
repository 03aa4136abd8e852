package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpcore/engine/internal/model"
)

// PostgresStore implements Storage using PostgreSQL as the source of
// truth. Monetary and price fields are stored as NUMERIC and always moved
// through the driver as text, so big.Int precision survives the round
// trip untouched.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func bigFromText(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

// nullableBig renders a possibly-nil bucket id for a nullable NUMERIC column.
func nullableBig(n *big.Int) interface{} {
	if n == nil {
		return nil
	}
	return n.String()
}

func scanNullableBig(s *string) *big.Int {
	if s == nil {
		return nil
	}
	return bigFromText(*s)
}

const openColumns = `id, trader, asset_index, side, leverage, size::TEXT,
	open_price::TEXT, liquidation_price::TEXT, liq_bucket_id::TEXT,
	stop_loss_price::TEXT, sl_bucket_id::TEXT,
	take_profit_price::TEXT, tp_bucket_id::TEXT, opened_at`

func (s *PostgresStore) CreateOpen(ctx context.Context, o *model.Open) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opens (id, trader, asset_index, side, leverage, size,
		                     open_price, liquidation_price, liq_bucket_id,
		                     stop_loss_price, sl_bucket_id, take_profit_price, tp_bucket_id, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		o.ID, o.Trader, o.AssetIndex, int(o.Side), o.Leverage, o.Size.String(),
		o.OpenPrice.String(), o.LiquidationPrice.String(), nullableBig(o.LiqBucketID),
		o.StopLossPrice.String(), nullableBig(o.SLBucketID), o.TakeProfitPrice.String(), nullableBig(o.TPBucketID), o.OpenedAt,
	)
	return err
}

func (s *PostgresStore) scanOpen(row scanner) (*model.Open, error) {
	var o model.Open
	var side int
	var size, openPrice, liqPrice, slPrice, tpPrice string
	var liqBucket, slBucket, tpBucket *string

	err := row.Scan(&o.ID, &o.Trader, &o.AssetIndex, &side, &o.Leverage,
		&size, &openPrice, &liqPrice, &liqBucket, &slPrice, &slBucket, &tpPrice, &tpBucket, &o.OpenedAt)
	if err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Size = bigFromText(size)
	o.OpenPrice = bigFromText(openPrice)
	o.LiquidationPrice = bigFromText(liqPrice)
	o.LiqBucketID = scanNullableBig(liqBucket)
	o.StopLossPrice = bigFromText(slPrice)
	o.SLBucketID = scanNullableBig(slBucket)
	o.TakeProfitPrice = bigFromText(tpPrice)
	o.TPBucketID = scanNullableBig(tpBucket)
	return &o, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) GetOpen(ctx context.Context, id string) (*model.Open, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+openColumns+` FROM opens WHERE id = $1`, id)
	o, err := s.scanOpen(row)
	if err != nil {
		return nil, fmt.Errorf("get open %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOpen(ctx context.Context, o *model.Open) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE opens SET stop_loss_price = $2::NUMERIC, sl_bucket_id = $3::NUMERIC,
		                   take_profit_price = $4::NUMERIC, tp_bucket_id = $5::NUMERIC
		 WHERE id = $1`,
		o.ID, o.StopLossPrice.String(), nullableBig(o.SLBucketID), o.TakeProfitPrice.String(), nullableBig(o.TPBucketID),
	)
	return err
}

func (s *PostgresStore) DeleteOpen(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM opens WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListOpensByTrader(ctx context.Context, trader string) ([]model.Open, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+openColumns+` FROM opens WHERE trader = $1`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Open
	for rows.Next() {
		o, err := s.scanOpen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const orderColumns = `id, trader, asset_index, side, leverage, size::TEXT,
	order_price::TEXT, stop_loss::TEXT, take_profit::TEXT, limit_bucket_id::TEXT, created_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, trader, asset_index, side, leverage, size, order_price, stop_loss, take_profit, limit_bucket_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		o.ID, o.Trader, o.AssetIndex, int(o.Side), o.Leverage, o.Size.String(),
		o.OrderPrice.String(), o.StopLoss.String(), o.TakeProfit.String(), o.LimitBucketID.String(), o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var side int
	var size, orderPrice, stopLoss, takeProfit, limitBucket string

	err := row.Scan(&o.ID, &o.Trader, &o.AssetIndex, &side, &o.Leverage, &size,
		&orderPrice, &stopLoss, &takeProfit, &limitBucket, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Size = bigFromText(size)
	o.OrderPrice = bigFromText(orderPrice)
	o.StopLoss = bigFromText(stopLoss)
	o.TakeProfit = bigFromText(takeProfit)
	o.LimitBucketID = bigFromText(limitBucket)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := s.scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListOrdersByTrader(ctx context.Context, trader string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE trader = $1`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateClosed(ctx context.Context, c *model.Closed) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closed_trades (id, trader, asset_index, side, leverage, size, open_price, close_price, pnl, reason, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		c.ID, c.Trader, c.AssetIndex, int(c.Side), c.Leverage, c.Size.String(),
		c.OpenPrice.String(), c.ClosePrice.String(), c.PnL.String(), c.Reason, c.OpenedAt, c.ClosedAt,
	)
	return err
}

func (s *PostgresStore) ListClosedByTrader(ctx context.Context, trader string) ([]model.Closed, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trader, asset_index, side, leverage, size::TEXT, open_price::TEXT, close_price::TEXT, pnl::TEXT, reason, opened_at, closed_at
		 FROM closed_trades WHERE trader = $1 ORDER BY closed_at`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Closed
	for rows.Next() {
		var c model.Closed
		var side int
		var size, openPrice, closePrice, pnl string
		if err := rows.Scan(&c.ID, &c.Trader, &c.AssetIndex, &side, &c.Leverage, &size,
			&openPrice, &closePrice, &pnl, &c.Reason, &c.OpenedAt, &c.ClosedAt); err != nil {
			return nil, err
		}
		c.Side = model.Side(side)
		c.Size = bigFromText(size)
		c.OpenPrice = bigFromText(openPrice)
		c.ClosePrice = bigFromText(closePrice)
		c.PnL = bigFromText(pnl)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertBucketEntry(ctx context.Context, e model.BucketEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bucket_entries (asset_index, bucket_id, kind, ref_id, target_price)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC)
		 ON CONFLICT (asset_index, bucket_id, kind, ref_id) DO UPDATE SET target_price = EXCLUDED.target_price`,
		e.AssetIndex, e.BucketID.String(), int(e.Kind), e.RefID, e.TargetPrice.String(),
	)
	return err
}

func (s *PostgresStore) RemoveBucketEntry(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind, refID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM bucket_entries WHERE asset_index = $1 AND bucket_id = $2::NUMERIC AND kind = $3 AND ref_id = $4`,
		assetIndex, bucketID.String(), int(kind), refID,
	)
	return err
}

func (s *PostgresStore) ScanBucket(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind) ([]model.BucketEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_index, bucket_id::TEXT, kind, ref_id, target_price::TEXT FROM bucket_entries
		 WHERE asset_index = $1 AND bucket_id = $2::NUMERIC AND kind = $3`,
		assetIndex, bucketID.String(), int(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BucketEntry
	for rows.Next() {
		var e model.BucketEntry
		var kindInt int
		var bucketIDText, targetPriceText string
		if err := rows.Scan(&e.AssetIndex, &bucketIDText, &kindInt, &e.RefID, &targetPriceText); err != nil {
			return nil, err
		}
		e.Kind = model.BucketKind(kindInt)
		e.BucketID = bigFromText(bucketIDText)
		e.TargetPrice = bigFromText(targetPriceText)
		out = append(out, e)
	}
	return out, rows.Err()
}

const assetColumns = `asset_index, asset_type, bucket_size::TEXT, listed, market_open, decimals,
	funding_rate::TEXT, spread::TEXT`

func (s *PostgresStore) scanAsset(row scanner) (*model.AssetInfo, error) {
	var a model.AssetInfo
	var bucketSize, fundingRate, spread string
	err := row.Scan(&a.AssetIndex, &a.AssetType, &bucketSize, &a.Listed, &a.MarketOpen, &a.Decimals,
		&fundingRate, &spread)
	if err != nil {
		return nil, err
	}
	a.BucketSize = bigFromText(bucketSize)
	a.FundingRate = bigFromText(fundingRate)
	a.Spread = bigFromText(spread)
	return &a, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, assetIndex uint64) (*model.AssetInfo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_index = $1`, assetIndex)
	a, err := s.scanAsset(row)
	if err != nil {
		return nil, fmt.Errorf("get asset %d: %w", assetIndex, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.AssetInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssetInfo
	for rows.Next() {
		a, err := s.scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutAsset(ctx context.Context, a *model.AssetInfo) error {
	fundingRate, spread := a.FundingRate, a.Spread
	if fundingRate == nil {
		fundingRate = big.NewInt(0)
	}
	if spread == nil {
		spread = big.NewInt(0)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (asset_index, asset_type, bucket_size, listed, market_open, decimals, funding_rate, spread)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8::NUMERIC)
		 ON CONFLICT (asset_index) DO UPDATE SET
		   asset_type = EXCLUDED.asset_type, bucket_size = EXCLUDED.bucket_size,
		   listed = EXCLUDED.listed, market_open = EXCLUDED.market_open, decimals = EXCLUDED.decimals,
		   funding_rate = EXCLUDED.funding_rate, spread = EXCLUDED.spread`,
		a.AssetIndex, a.AssetType, a.BucketSize.String(), a.Listed, a.MarketOpen, a.Decimals,
		fundingRate.String(), spread.String(),
	)
	return err
}

// SetMarketOpen fans the per-asset-type trading halt out to every listed
// asset carrying that type, keeping each asset's cached MarketOpen flag in
// sync with the class-level admin toggle.
func (s *PostgresStore) SetMarketOpen(ctx context.Context, assetType uint8, open bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET market_open = $2 WHERE asset_type = $1`, assetType, open)
	return err
}

// SetFundingRate and SetSpread push executor-supplied informational values
// onto an asset row; the engine never reads them back into any PnL or
// settlement calculation, only serves them through GetAsset/ListAssets.
func (s *PostgresStore) SetFundingRate(ctx context.Context, assetIndex uint64, rateBps int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET funding_rate = $2 WHERE asset_index = $1`, assetIndex, rateBps)
	return err
}

func (s *PostgresStore) SetSpread(ctx context.Context, assetIndex uint64, spreadBps int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET spread = $2 WHERE asset_index = $1`, assetIndex, spreadBps)
	return err
}

// GetTolerance and SetTolerance persist the single engine-wide sweep
// tolerance in a one-row settings table rather than a column on assets,
// since spec.md's persisted-state layout describes price_tolerance as a
// scalar, not a per-asset value.
func (s *PostgresStore) GetTolerance(ctx context.Context) (uint32, error) {
	var bps uint32
	err := s.pool.QueryRow(ctx, `SELECT price_tolerance_bps FROM engine_settings WHERE id = 1`).Scan(&bps)
	if errors.Is(err, pgx.ErrNoRows) {
		return 10, nil // no settings row yet: spec default
	}
	if err != nil {
		return 0, fmt.Errorf("get tolerance: %w", err)
	}
	return bps, nil
}

func (s *PostgresStore) SetTolerance(ctx context.Context, bps uint32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_settings (id, price_tolerance_bps) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET price_tolerance_bps = EXCLUDED.price_tolerance_bps`, bps)
	return err
}
