// HTTP handlers binding the Executor's keeper-triggered sweeps to
// /api/v1/sweep/*. These are admin/keeper-only in intent; the ambient
// stack's auth boundary (out of this engine's scope, per spec.md's
// Non-goals) is expected to gate access before requests reach here.
package executor

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/perpcore/engine/internal/oracle"
)

// HTTPHandler exposes the Executor's sweep operations as HTTP handlers.
type HTTPHandler struct {
	executor *Executor
}

// NewHTTPHandler wraps an Executor for HTTP routing.
func NewHTTPHandler(x *Executor) *HTTPHandler {
	return &HTTPHandler{executor: x}
}

type sweepRequest struct {
	Proof struct {
		Entries []struct {
			AssetIndex uint64 `json:"asset_index"`
			Price      string `json:"price"`
			Decimals   uint32 `json:"decimals"`
			Timestamp  int64  `json:"timestamp"`
			SourceID   string `json:"source_id"`
			Signature  []byte `json:"signature"`
		} `json:"entries"`
	} `json:"proof"`
}

func (r sweepRequest) toProof() oracle.Proof {
	entries := make([]oracle.SignedPrice, 0, len(r.Proof.Entries))
	for _, e := range r.Proof.Entries {
		price, _ := new(big.Int).SetString(e.Price, 10)
		if price == nil {
			price = big.NewInt(0)
		}
		entries = append(entries, oracle.SignedPrice{
			AssetIndex: e.AssetIndex,
			Price:      price,
			Decimals:   e.Decimals,
			Timestamp:  time.Unix(0, e.Timestamp),
			SourceID:   e.SourceID,
			Signature:  e.Signature,
		})
	}
	return oracle.Proof{Entries: entries}
}

func writeSweepResult(w http.ResponseWriter, res *SweepResult, err error) {
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// ExecuteOrders handles POST /api/v1/sweep/orders.
func (h *HTTPHandler) ExecuteOrders(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSweepResult(w, nil, err)
		return
	}
	res, err := h.executor.ExecuteOrders(r.Context(), req.toProof())
	writeSweepResult(w, res, err)
}

// CloseAllOnTargets handles POST /api/v1/sweep/targets.
func (h *HTTPHandler) CloseAllOnTargets(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSweepResult(w, nil, err)
		return
	}
	res, err := h.executor.CloseAllOnTargets(r.Context(), req.toProof())
	writeSweepResult(w, res, err)
}

// LiquidatePositions handles POST /api/v1/sweep/liquidations.
func (h *HTTPHandler) LiquidatePositions(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSweepResult(w, nil, err)
		return
	}
	res, err := h.executor.LiquidatePositions(r.Context(), req.toProof())
	writeSweepResult(w, res, err)
}
