// HTTP handlers binding the Engine's trader-facing operations to
// /api/v1/positions and /api/v1/orders, in the teacher's Service-handler
// style: decode, validate at the boundary, delegate to the domain method,
// encode the result as JSON.
package engine

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perpcore/engine/internal/enginerr"
	"github.com/perpcore/engine/internal/model"
	"github.com/perpcore/engine/internal/oracle"
)

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// HTTPHandler exposes the Engine's operations as chi-compatible HTTP
// handlers, plus the read-only Storage queries the API table lists
// alongside them.
type HTTPHandler struct {
	engine *Engine
}

// NewHTTPHandler wraps an Engine for HTTP routing.
func NewHTTPHandler(e *Engine) *HTTPHandler {
	return &HTTPHandler{engine: e}
}

type openPositionRequest struct {
	Trader     string       `json:"trader"`
	AssetIndex uint64       `json:"asset_index"`
	Side       string       `json:"side"` // "long" or "short"
	SizeUSD    string       `json:"size_usd"`
	Leverage   uint32       `json:"leverage"`
	StopLoss   string       `json:"stop_loss,omitempty"`
	TakeProfit string       `json:"take_profit,omitempty"`
	Proof      proofRequest `json:"proof"`
}

type proofRequest struct {
	Entries []signedPriceRequest `json:"entries"`
}

type signedPriceRequest struct {
	AssetIndex uint64 `json:"asset_index"`
	Price      string `json:"price"`
	Decimals   uint32 `json:"decimals"`
	Timestamp  int64  `json:"timestamp"` // unix nanoseconds
	SourceID   string `json:"source_id"`
	Signature  []byte `json:"signature"`
}

func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	n, ok := new(big.Int).SetString(s, 10)
	return n, ok
}

func parseSide(s string) (model.Side, bool) {
	switch s {
	case "long":
		return model.SideLong, true
	case "short":
		return model.SideShort, true
	default:
		return 0, false
	}
}

func (r proofRequest) toProof() oracle.Proof {
	entries := make([]oracle.SignedPrice, 0, len(r.Entries))
	for _, e := range r.Entries {
		price, _ := parseBig(e.Price)
		entries = append(entries, oracle.SignedPrice{
			AssetIndex: e.AssetIndex,
			Price:      price,
			Decimals:   e.Decimals,
			Timestamp:  unixNanoToTime(e.Timestamp),
			SourceID:   e.SourceID,
			Signature:  e.Signature,
		})
	}
	return oracle.Proof{Entries: entries}
}

// OpenPosition handles POST /api/v1/positions.
func (h *HTTPHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, ok := parseSide(req.Side)
	if !ok {
		writeError(w, "side must be long or short", http.StatusBadRequest)
		return
	}
	size, ok := parseBig(req.SizeUSD)
	if !ok {
		writeError(w, "invalid size_usd", http.StatusBadRequest)
		return
	}
	stopLoss, ok := parseBig(req.StopLoss)
	if !ok {
		writeError(w, "invalid stop_loss", http.StatusBadRequest)
		return
	}
	takeProfit, ok := parseBig(req.TakeProfit)
	if !ok {
		writeError(w, "invalid take_profit", http.StatusBadRequest)
		return
	}

	open, err := h.engine.OpenPosition(r.Context(), req.Trader, req.AssetIndex, side, size, req.Leverage,
		req.Proof.toProof(), stopLoss, takeProfit)
	if err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(open)
}

type closePositionRequest struct {
	Trader string       `json:"trader"`
	Proof  proofRequest `json:"proof"`
}

// ClosePosition handles POST /api/v1/positions/{id}/close.
func (h *HTTPHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	closed, err := h.engine.ClosePosition(r.Context(), req.Trader, id, req.Proof.toProof())
	if err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(closed)
}

type placeOrderRequest struct {
	Trader     string `json:"trader"`
	AssetIndex uint64 `json:"asset_index"`
	Side       string `json:"side"`
	SizeUSD    string `json:"size_usd"`
	Leverage   uint32 `json:"leverage"`
	OrderPrice string `json:"order_price"`
	StopLoss   string `json:"stop_loss,omitempty"`
	TakeProfit string `json:"take_profit,omitempty"`
}

// PlaceOrder handles POST /api/v1/orders.
func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, ok := parseSide(req.Side)
	if !ok {
		writeError(w, "side must be long or short", http.StatusBadRequest)
		return
	}
	size, ok := parseBig(req.SizeUSD)
	if !ok {
		writeError(w, "invalid size_usd", http.StatusBadRequest)
		return
	}
	orderPrice, ok := parseBig(req.OrderPrice)
	if !ok {
		writeError(w, "invalid order_price", http.StatusBadRequest)
		return
	}
	stopLoss, ok := parseBig(req.StopLoss)
	if !ok {
		writeError(w, "invalid stop_loss", http.StatusBadRequest)
		return
	}
	takeProfit, ok := parseBig(req.TakeProfit)
	if !ok {
		writeError(w, "invalid take_profit", http.StatusBadRequest)
		return
	}

	order, err := h.engine.PlaceOrder(r.Context(), req.Trader, req.AssetIndex, side, size, req.Leverage,
		orderPrice, stopLoss, takeProfit)
	if err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

type cancelOrderRequest struct {
	Trader string `json:"trader"`
}

// CancelOrder handles POST /api/v1/orders/{id}/cancel.
func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.CancelOrder(r.Context(), req.Trader, id); err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type updateTargetRequest struct {
	Trader    string `json:"trader"`
	Kind      string `json:"kind"` // "sl" or "tp"
	NewTarget string `json:"new_target"`
}

// UpdateTarget handles PATCH /api/v1/positions/{id}/target.
func (h *HTTPHandler) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var kind model.TargetKind
	switch req.Kind {
	case "sl":
		kind = model.TargetKindSL
	case "tp":
		kind = model.TargetKindTP
	default:
		writeError(w, "kind must be sl or tp", http.StatusBadRequest)
		return
	}

	newPrice, ok := parseBig(req.NewTarget)
	if !ok {
		writeError(w, "invalid new_target", http.StatusBadRequest)
		return
	}

	if err := h.engine.UpdateTarget(r.Context(), req.Trader, id, kind, newPrice); err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPosition handles GET /api/v1/positions/{id}.
func (h *HTTPHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	open, err := h.engine.store.GetOpen(r.Context(), id)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(open)
}

// GetOrder handles GET /api/v1/orders/{id}.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.engine.store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// ListTraderPositions handles GET /api/v1/traders/{trader}/positions.
func (h *HTTPHandler) ListTraderPositions(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	opens, err := h.engine.store.ListOpensByTrader(r.Context(), trader)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if opens == nil {
		opens = []model.Open{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(opens)
}

// ListTraderClosed handles GET /api/v1/traders/{trader}/closed.
func (h *HTTPHandler) ListTraderClosed(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	closed, err := h.engine.store.ListClosedByTrader(r.Context(), trader)
	if err != nil {
		writeError(w, "failed to list closed trades", http.StatusInternalServerError)
		return
	}
	if closed == nil {
		closed = []model.Closed{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(closed)
}

type setMarketOpenRequest struct {
	AssetType uint8 `json:"asset_type"`
	Open      bool  `json:"open"`
}

// SetMarketOpen handles POST /api/v1/admin/market-open, the operator toggle
// for halting or resuming trading on an entire asset class.
func (h *HTTPHandler) SetMarketOpen(w http.ResponseWriter, r *http.Request) {
	var req setMarketOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.store.SetMarketOpen(r.Context(), req.AssetType, req.Open); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listAssetRequest struct {
	AssetIndex uint64 `json:"asset_index"`
	BucketSize string `json:"bucket_size"`
	AssetType  uint8  `json:"asset_type"`
}

// ListAsset handles POST /api/v1/admin/assets, the admin/executor call
// that registers (or re-registers) a tradable asset.
func (h *HTTPHandler) ListAsset(w http.ResponseWriter, r *http.Request) {
	var req listAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bucketSize, ok := parseBig(req.BucketSize)
	if !ok || bucketSize.Sign() <= 0 {
		writeError(w, "invalid bucket_size", http.StatusBadRequest)
		return
	}

	asset, err := h.engine.ListAsset(r.Context(), req.AssetIndex, bucketSize, req.AssetType)
	if err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(asset)
}

type setFundingRateRequest struct {
	AssetIndex uint64 `json:"asset_index"`
	RateBps    int64  `json:"rate_bps"`
}

// SetFundingRate handles POST /api/v1/admin/funding-rate.
func (h *HTTPHandler) SetFundingRate(w http.ResponseWriter, r *http.Request) {
	var req setFundingRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.SetFundingRate(r.Context(), req.AssetIndex, req.RateBps); err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setSpreadRequest struct {
	AssetIndex uint64 `json:"asset_index"`
	SpreadBps  int64  `json:"spread_bps"`
}

// SetSpread handles POST /api/v1/admin/spread.
func (h *HTTPHandler) SetSpread(w http.ResponseWriter, r *http.Request) {
	var req setSpreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.SetSpread(r.Context(), req.AssetIndex, req.SpreadBps); err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setToleranceRequest struct {
	Bps uint32 `json:"bps"`
}

// SetTolerance handles POST /api/v1/admin/tolerance, the executor-facing
// call that adjusts the engine-wide sweep tolerance bucket.WithinTolerance
// applies.
func (h *HTTPHandler) SetTolerance(w http.ResponseWriter, r *http.Request) {
	var req setToleranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.SetTolerance(r.Context(), req.Bps); err != nil {
		writeError(w, err.Error(), enginerr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
