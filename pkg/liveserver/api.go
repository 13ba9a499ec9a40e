package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"pricestream/internal/core"
	"pricestream/internal/trade"
	apperrors "pricestream/pkg/errors"
)

const maxTradeBody = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handlePrice answers from the cache. Unknown tickers get the default price.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(strings.TrimSpace(r.PathValue("ticker")))
	writeJSON(w, http.StatusOK, core.PriceUpdateDTO{Ticker: ticker, Price: s.lookupPrice(r.Context(), ticker)})
}

// lookupPrice reads the cache and, on a miss for a known symbol, the upstream
// source. Upstream failures fall back to the cache default.
func (s *Server) lookupPrice(ctx context.Context, ticker string) int64 {
	lookup, ok := s.prices.(cacheLookup)
	if s.source == nil || !ok {
		return s.prices.Get(ticker)
	}
	price, found := lookup.Lookup(ticker)
	sym := core.ParseSymbol(ticker)
	if found || !sym.IsKnown() {
		return price
	}

	ctx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()
	update, err := s.source.GetStockPrice(ctx, sym)
	if err != nil {
		s.logger.Debug("Upstream price lookup failed", "ticker", ticker, "error", err)
		return price
	}
	return update.Price
}

// handleTrade prices a trade at the cached price and executes it
func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if s.trader == nil {
		http.Error(w, "Trading disabled", http.StatusNotImplemented)
		return
	}

	var req trade.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTradeBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		tradeRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "invalid trade request: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.trader.Trade(r.Context(), req)
	switch {
	case err == nil:
		tradeRequestsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, apperrors.ErrInvalidTrade):
		tradeRequestsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		tradeRequestsTotal.WithLabelValues("throttled").Inc()
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		tradeRequestsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Trade failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleHealth reports component health and the live connection count
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := map[string]interface{}{
		"status":      "ok",
		"connections": s.feed.ConnectionCount(),
		"time":        time.Now().Unix(),
	}

	if s.health != nil {
		response["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			status = http.StatusServiceUnavailable
			response["status"] = "degraded"
		}
	}

	writeJSON(w, status, response)
}
