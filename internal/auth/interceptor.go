package auth

import (
	"context"
	"sync"

	"pricestream/internal/core"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKeyAPIKey is the metadata key for API key authentication
	MetadataKeyAPIKey = "x-api-key"
	// MetadataKeyClientID identifies the calling service
	MetadataKeyClientID = "client-id"

	// DefaultRateLimitPerKey is the default number of requests per second allowed per API key
	DefaultRateLimitPerKey = 100
)

// APIKeyValidator validates API keys and rate limits each key
type APIKeyValidator struct {
	validKeys     map[string]bool
	rateLimiters  map[string]*rate.Limiter
	rateLimit     int
	logger        core.ILogger
	mu            sync.RWMutex
	failureLogger core.ILogger
}

// NewAPIKeyValidator creates a new API key validator with rate limiting
func NewAPIKeyValidator(apiKeys []string, rateLimit int, logger core.ILogger) *APIKeyValidator {
	validKeys := make(map[string]bool)
	for _, key := range apiKeys {
		validKeys[key] = true
	}

	if rateLimit <= 0 {
		rateLimit = DefaultRateLimitPerKey
	}

	return &APIKeyValidator{
		validKeys:     validKeys,
		rateLimiters:  make(map[string]*rate.Limiter),
		rateLimit:     rateLimit,
		logger:        logger.WithField("component", "auth"),
		failureLogger: logger.WithField("component", "auth_failure"),
	}
}

// AddAPIKey adds a new API key to the validator (for key rotation)
func (v *APIKeyValidator) AddAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validKeys[apiKey] = true
	v.logger.Info("API key added")
}

// RemoveAPIKey removes an API key from the validator (for key rotation)
func (v *APIKeyValidator) RemoveAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.validKeys, apiKey)
	delete(v.rateLimiters, apiKey)
	v.logger.Info("API key removed")
}

// ValidateAPIKey checks if the API key is valid
func (v *APIKeyValidator) ValidateAPIKey(apiKey string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validKeys[apiKey]
}

// CheckRateLimit reports whether one more request fits the key's budget.
// The bucket holds one second worth of requests.
func (v *APIKeyValidator) CheckRateLimit(apiKey string) bool {
	v.mu.Lock()
	limiter, exists := v.rateLimiters[apiKey]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(v.rateLimit), v.rateLimit)
		v.rateLimiters[apiKey] = limiter
	}
	v.mu.Unlock()

	return limiter.Allow()
}

type requestIDKey struct{}

func withRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestIDKey{}, uuid.New().String())
}

// RequestID returns the id assigned to the current request by the interceptors
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

func getClientIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}

// ClientID returns the client-id metadata of an incoming call
func ClientID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(MetadataKeyClientID); len(ids) > 0 {
			return ids[0]
		}
	}
	return "unknown"
}

// authorize validates the caller and returns the context carrying a request id
func (v *APIKeyValidator) authorize(ctx context.Context, method string) (context.Context, error) {
	ctx = withRequestID(ctx)
	log := v.failureLogger.WithFields(map[string]interface{}{
		"method":     method,
		"request_id": RequestID(ctx),
		"client_ip":  getClientIP(ctx),
		"client_id":  ClientID(ctx),
	})

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		log.Warn("Authentication failed: missing metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	keys := md.Get(MetadataKeyAPIKey)
	if len(keys) == 0 {
		log.Warn("Authentication failed: missing API key")
		return nil, status.Error(codes.Unauthenticated, "missing API key")
	}

	apiKey := keys[0]
	if !v.ValidateAPIKey(apiKey) {
		log.Warn("Authentication failed: invalid API key")
		return nil, status.Error(codes.Unauthenticated, "invalid API key")
	}

	if !v.CheckRateLimit(apiKey) {
		log.Warn("Rate limit exceeded")
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded for API key")
	}

	return ctx, nil
}

// UnaryServerInterceptor returns a gRPC unary interceptor for API key authentication
func (v *APIKeyValidator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := v.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for API key
// authentication. The rate limit applies to stream initiation.
func (v *APIKeyValidator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := v.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream wraps grpc.ServerStream to allow context replacement
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
