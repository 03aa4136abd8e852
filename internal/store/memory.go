package store

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/perpcore/engine/internal/model"
)

// MemoryStore implements Storage with in-memory maps. Used for testing and
// development. Not suitable for production — no persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	opens     map[string]*model.Open
	orders    map[string]*model.Order
	closed    []model.Closed
	buckets   map[bucketKey]map[string]model.BucketEntry // bucketKey -> refID -> entry
	assets    map[uint64]*model.AssetInfo
	tolerance uint32 // engine-wide sweep tolerance, basis points; default 10 per spec
}

type bucketKey struct {
	assetIndex uint64
	bucketID   string
	kind       model.BucketKind
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opens:     make(map[string]*model.Open),
		orders:    make(map[string]*model.Order),
		buckets:   make(map[bucketKey]map[string]model.BucketEntry),
		assets:    make(map[uint64]*model.AssetInfo),
		tolerance: 10,
	}
}

func copyOpen(o *model.Open) *model.Open {
	c := *o
	return &c
}

func copyOrder(o *model.Order) *model.Order {
	c := *o
	return &c
}

func (s *MemoryStore) CreateOpen(_ context.Context, o *model.Open) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.opens[o.ID]; exists {
		return fmt.Errorf("open %s already exists", o.ID)
	}
	s.opens[o.ID] = copyOpen(o)
	return nil
}

func (s *MemoryStore) GetOpen(_ context.Context, id string) (*model.Open, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.opens[id]
	if !ok {
		return nil, fmt.Errorf("open %s not found", id)
	}
	return copyOpen(o), nil
}

func (s *MemoryStore) UpdateOpen(_ context.Context, o *model.Open) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opens[o.ID]; !ok {
		return fmt.Errorf("open %s not found", o.ID)
	}
	s.opens[o.ID] = copyOpen(o)
	return nil
}

func (s *MemoryStore) DeleteOpen(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.opens, id)
	return nil
}

func (s *MemoryStore) ListOpensByTrader(_ context.Context, trader string) ([]model.Open, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Open
	for _, o := range s.opens {
		if o.Trader == trader {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) ListOrdersByTrader(_ context.Context, trader string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.Trader == trader {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateClosed(_ context.Context, c *model.Closed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, *c)
	return nil
}

func (s *MemoryStore) ListClosedByTrader(_ context.Context, trader string) ([]model.Closed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Closed
	for _, c := range s.closed {
		if c.Trader == trader {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertBucketEntry(_ context.Context, e model.BucketEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey{assetIndex: e.AssetIndex, bucketID: e.BucketID.String(), kind: e.Kind}
	if s.buckets[key] == nil {
		s.buckets[key] = make(map[string]model.BucketEntry)
	}
	s.buckets[key][e.RefID] = e
	return nil
}

func (s *MemoryStore) RemoveBucketEntry(_ context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind, refID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey{assetIndex: assetIndex, bucketID: bucketID.String(), kind: kind}
	if m, ok := s.buckets[key]; ok {
		delete(m, refID)
	}
	return nil
}

func (s *MemoryStore) ScanBucket(_ context.Context, assetIndex uint64, bucketID *big.Int, kind model.BucketKind) ([]model.BucketEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := bucketKey{assetIndex: assetIndex, bucketID: bucketID.String(), kind: kind}
	m, ok := s.buckets[key]
	if !ok {
		return nil, nil
	}
	out := make([]model.BucketEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) GetAsset(_ context.Context, assetIndex uint64) (*model.AssetInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetIndex]
	if !ok {
		return nil, fmt.Errorf("asset %d not found", assetIndex)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.AssetInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AssetInfo, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, *a)
	}
	return out, nil
}

func (s *MemoryStore) PutAsset(_ context.Context, a *model.AssetInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	if c.FundingRate == nil {
		c.FundingRate = big.NewInt(0)
	}
	if c.Spread == nil {
		c.Spread = big.NewInt(0)
	}
	s.assets[a.AssetIndex] = &c
	return nil
}

func (s *MemoryStore) SetMarketOpen(_ context.Context, assetType uint8, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.AssetType == assetType {
			a.MarketOpen = open
		}
	}
	return nil
}

func (s *MemoryStore) SetFundingRate(_ context.Context, assetIndex uint64, rateBps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetIndex]
	if !ok {
		return fmt.Errorf("asset %d not found", assetIndex)
	}
	a.FundingRate = big.NewInt(rateBps)
	return nil
}

func (s *MemoryStore) SetSpread(_ context.Context, assetIndex uint64, spreadBps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetIndex]
	if !ok {
		return fmt.Errorf("asset %d not found", assetIndex)
	}
	a.Spread = big.NewInt(spreadBps)
	return nil
}

func (s *MemoryStore) GetTolerance(_ context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tolerance, nil
}

func (s *MemoryStore) SetTolerance(_ context.Context, bps uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tolerance = bps
	return nil
}
