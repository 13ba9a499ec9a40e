// Package trade prices stock trades from the local price cache and hands them
// to an executor that books them.
package trade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the trade direction
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ParseAction is case-insensitive. It reports false for anything but BUY or SELL.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell:
		return a, true
	default:
		return "", false
	}
}

// Request is a trade submitted downstream. Price is filled from the cache.
type Request struct {
	UserID   int64  `json:"userId"`
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Action   Action `json:"action"`
	Price    int64  `json:"price,omitempty"`
}

// Result is a booked trade
type Result struct {
	TradeID    string          `json:"tradeId"`
	UserID     int64           `json:"userId"`
	Ticker     string          `json:"ticker"`
	Quantity   int64           `json:"quantity"`
	Action     Action          `json:"action"`
	Price      int64           `json:"price"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Executor books a priced trade
type Executor interface {
	Execute(ctx context.Context, priced Result) (Result, error)
}

// Service prices trades and forwards them to an Executor
type Service struct {
	prices   core.PriceLookup
	executor Executor
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	now      func() time.Time
}

// NewService creates a trade service reading prices from prices
func NewService(prices core.PriceLookup, executor Executor, logger core.ILogger) *Service {
	return &Service{
		prices:   prices,
		executor: executor,
		logger:   logger.WithField("component", "trade_service"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// Validate checks the request fields and normalizes ticker and action
func Validate(req Request) (Request, error) {
	if req.UserID <= 0 {
		return req, fmt.Errorf("%w: user id must be positive", apperrors.ErrInvalidTrade)
	}
	if req.Quantity <= 0 {
		return req, fmt.Errorf("%w: quantity must be positive, got %d", apperrors.ErrInvalidTrade, req.Quantity)
	}
	action, ok := ParseAction(string(req.Action))
	if !ok {
		return req, fmt.Errorf("%w: unknown action %q", apperrors.ErrInvalidTrade, req.Action)
	}
	sym := core.ParseSymbol(req.Ticker)
	if !sym.IsKnown() {
		return req, fmt.Errorf("%w: %w: %q", apperrors.ErrInvalidTrade, apperrors.ErrUnknownSymbol, req.Ticker)
	}
	req.Action = action
	req.Ticker = sym.String()
	return req, nil
}

// Trade prices req at the cached price and executes it. Any client supplied
// price is ignored.
func (s *Service) Trade(ctx context.Context, req Request) (Result, error) {
	req, err := Validate(req)
	if err != nil {
		return Result{}, err
	}

	price := s.prices.Get(req.Ticker)
	priced := Result{
		TradeID:    uuid.New().String(),
		UserID:     req.UserID,
		Ticker:     req.Ticker,
		Quantity:   req.Quantity,
		Action:     req.Action,
		Price:      price,
		TotalPrice: decimal.NewFromInt(price).Mul(decimal.NewFromInt(req.Quantity)),
		ExecutedAt: s.now().UTC(),
	}
	s.metrics.RecordTradePriced(ctx, priced.Ticker, string(priced.Action))

	result, err := s.executor.Execute(ctx, priced)
	if err != nil {
		s.logger.Warn("Trade execution failed",
			"trade_id", priced.TradeID,
			"ticker", priced.Ticker,
			"error", err)
		return Result{}, fmt.Errorf("execute trade: %w", err)
	}

	s.logger.Info("Trade executed",
		"trade_id", result.TradeID,
		"user_id", result.UserID,
		"ticker", result.Ticker,
		"action", string(result.Action),
		"quantity", result.Quantity,
		"price", result.Price,
		"total", result.TotalPrice.String())
	return result, nil
}
