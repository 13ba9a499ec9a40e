package apperrors

import "errors"

// Standardized pipeline errors
var (
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrEngineStopped        = errors.New("price engine stopped")
	ErrSlowSubscriber       = errors.New("subscriber buffer full")
	ErrSubscriberCancelled  = errors.New("subscriber cancelled")
	ErrConnectionClosed     = errors.New("downstream connection closed")
	ErrUpstreamTerminated   = errors.New("upstream price feed terminated")
	ErrInvalidTrade         = errors.New("invalid trade request")
	ErrNetwork              = errors.New("network error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrSystemOverload       = errors.New("system overload")
)
