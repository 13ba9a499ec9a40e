package trade

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "pricestream/pkg/errors"
	httpclient "pricestream/pkg/http"
)

// TradePath is the user-service endpoint that books trades
const TradePath = "/user/trade"

// HTTPExecutor forwards priced trades to the external user service
type HTTPExecutor struct {
	client *httpclient.Client
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor wraps a resilient client pointed at the user service
func NewHTTPExecutor(client *httpclient.Client) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

// Execute posts the priced trade and returns the booked result.
// 4xx replies other than 429 map to ErrInvalidTrade. Anything else is a network error.
func (h *HTTPExecutor) Execute(ctx context.Context, priced Result) (Result, error) {
	var booked Result
	err := h.client.PostJSON(ctx, TradePath, priced, &booked)
	if err == nil {
		if booked.TradeID == "" {
			booked.TradeID = priced.TradeID
		}
		return booked, nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("%w: %w", apperrors.ErrRateLimitExceeded, err)
	}
	if errors.As(err, &apiErr) && apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError {
		return Result{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidTrade, string(apiErr.Body))
	}
	return Result{}, fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
}
