package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/ids"
)

// Business handlers are placeholders; they exist so the access chain can be
// exercised end to end.

type tradeRequest struct {
	UserID   string  `json:"userId"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
}

func (a *API) handleQuotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"quotes": []map[string]any{
			{"symbol": "AAPL", "bid": 189.10, "ask": 189.14},
			{"symbol": "MSFT", "bid": 411.52, "ask": 411.60},
		},
		"as_of": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    chi.URLParam(r, "userId"),
		"positions": []map[string]any{},
		"currency":  "USD",
	})
}

func (a *API) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if strings.TrimSpace(req.Symbol) == "" || req.Quantity <= 0 || (side != "buy" && side != "sell") {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "symbol, side (buy|sell) and positive quantity are required")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"trade_id": ids.New(),
		"userId":   req.UserID,
		"symbol":   strings.ToUpper(req.Symbol),
		"side":     side,
		"quantity": req.Quantity,
		"status":   "accepted",
	})
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  chi.URLParam(r, "userId"),
		"metrics": map[string]any{"sharpe": 0, "drawdown": 0},
	})
}

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	uc, _ := auth.UserContextFromContext(r.Context())
	resp := map[string]any{
		"userId":  chi.URLParam(r, "userId"),
		"reports": []map[string]any{},
	}
	if uc != nil {
		resp["requested_by"] = uc.UserID
	}
	writeJSON(w, http.StatusOK, resp)
}
