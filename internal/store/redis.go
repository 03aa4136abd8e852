package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpcore/engine/internal/model"
)

// CachedStore wraps a primary Storage (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store, then CreateOpen and
// UpdateOpen refresh the cached open while the other writes invalidate the
// affected cache key; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Storage
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Storage, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through (write to primary, then refresh or invalidate cache) ---

func (s *CachedStore) CreateOpen(ctx context.Context, o *model.Open) error {
	if err := s.primary.CreateOpen(ctx, o); err != nil {
		return err
	}
	s.cacheOpen(ctx, o)
	return nil
}

func (s *CachedStore) UpdateOpen(ctx context.Context, o *model.Open) error {
	if err := s.primary.UpdateOpen(ctx, o); err != nil {
		return err
	}
	s.cacheOpen(ctx, o)
	return nil
}

func (s *CachedStore) DeleteOpen(ctx context.Context, id string) error {
	if err := s.primary.DeleteOpen(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, openKey(id))
	return nil
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) DeleteOrder(ctx context.Context, id string) error {
	if err := s.primary.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) UpsertBucketEntry(ctx context.Context, e model.BucketEntry) error {
	if err := s.primary.UpsertBucketEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, bucketKeyStr(e.AssetIndex, e.BucketID, e.Kind))
	return nil
}

func (s *CachedStore) RemoveBucketEntry(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind, refID string) error {
	if err := s.primary.RemoveBucketEntry(ctx, assetIndex, bucketID, kind, refID); err != nil {
		return err
	}
	s.rdb.Del(ctx, bucketKeyStr(assetIndex, bucketID, kind))
	return nil
}

func (s *CachedStore) PutAsset(ctx context.Context, a *model.AssetInfo) error {
	if err := s.primary.PutAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(a.AssetIndex))
	return nil
}

// SetMarketOpen touches every asset of the given type, so the invalidation
// sweep re-lists from the primary rather than tracking per-type membership
// in Redis.
func (s *CachedStore) SetMarketOpen(ctx context.Context, assetType uint8, open bool) error {
	if err := s.primary.SetMarketOpen(ctx, assetType, open); err != nil {
		return err
	}
	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil
	}
	for _, a := range assets {
		if a.AssetType == assetType {
			s.rdb.Del(ctx, assetKey(a.AssetIndex))
		}
	}
	return nil
}

// SetFundingRate and SetSpread invalidate the single cached asset row so
// the next GetAsset re-reads the fresh value from the primary.
func (s *CachedStore) SetFundingRate(ctx context.Context, assetIndex uint64, rateBps int64) error {
	if err := s.primary.SetFundingRate(ctx, assetIndex, rateBps); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(assetIndex))
	return nil
}

func (s *CachedStore) SetSpread(ctx context.Context, assetIndex uint64, spreadBps int64) error {
	if err := s.primary.SetSpread(ctx, assetIndex, spreadBps); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(assetIndex))
	return nil
}

// GetTolerance and SetTolerance pass straight through: the engine-wide
// tolerance is read on every sweep pass, but at one row it's cheap enough
// that caching it isn't worth the invalidation bookkeeping.
func (s *CachedStore) GetTolerance(ctx context.Context) (uint32, error) {
	return s.primary.GetTolerance(ctx)
}

func (s *CachedStore) SetTolerance(ctx context.Context, bps uint32) error {
	return s.primary.SetTolerance(ctx, bps)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOpen(ctx context.Context, id string) (*model.Open, error) {
	var o model.Open
	if data, err := s.rdb.Get(ctx, openKey(id)).Bytes(); err == nil {
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	got, err := s.primary.GetOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOpen(ctx, got)
	return got, nil
}

func (s *CachedStore) ScanBucket(ctx context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind) ([]model.BucketEntry, error) {
	key := bucketKeyStr(assetIndex, bucketID, kind)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var entries []model.BucketEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.ScanBucket(ctx, assetIndex, bucketID, kind)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return entries, nil
}

func (s *CachedStore) GetAsset(ctx context.Context, assetIndex uint64) (*model.AssetInfo, error) {
	var a model.AssetInfo
	if data, err := s.rdb.Get(ctx, assetKey(assetIndex)).Bytes(); err == nil {
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	got, err := s.primary.GetAsset(ctx, assetIndex)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(got); err == nil {
		s.rdb.Set(ctx, assetKey(assetIndex), data, s.ttl)
	}
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOpensByTrader(ctx context.Context, trader string) ([]model.Open, error) {
	return s.primary.ListOpensByTrader(ctx, trader)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByTrader(ctx context.Context, trader string) ([]model.Order, error) {
	return s.primary.ListOrdersByTrader(ctx, trader)
}

func (s *CachedStore) CreateClosed(ctx context.Context, c *model.Closed) error {
	return s.primary.CreateClosed(ctx, c)
}

func (s *CachedStore) ListClosedByTrader(ctx context.Context, trader string) ([]model.Closed, error) {
	return s.primary.ListClosedByTrader(ctx, trader)
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.AssetInfo, error) {
	return s.primary.ListAssets(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOpen(ctx context.Context, o *model.Open) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, openKey(o.ID), data, s.ttl)
	}
}

func openKey(id string) string { return fmt.Sprintf("open:%s", id) }
func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }
func assetKey(assetIndex uint64) string { return fmt.Sprintf("asset:%d", assetIndex) }
func bucketKeyStr(assetIndex uint64, bucketID *big.Int, kind model.BucketKind) string {
	return fmt.Sprintf("bucket:%d:%s:%d", assetIndex, bucketID.String(), kind)
}
