// Package liveserver is the downstream HTTP surface of the aggregator: a
// server-sent event stream and a WebSocket feed of price updates, price
// lookups from the cache, and trade submission.
package liveserver

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pricestream/internal/bridge"
	"pricestream/internal/core"
	"pricestream/internal/trade"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	streamActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_active_connections",
		Help: "Current number of active downstream stream connections",
	}, []string{"endpoint"})

	streamRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_rejected_total",
		Help: "Total number of rejected downstream stream connections",
	}, []string{"reason"})

	tradeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_requests_total",
		Help: "Total number of trade requests by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(streamActiveConnections)
	prometheus.MustRegister(streamRejectedTotal)
	prometheus.MustRegister(tradeRequestsTotal)
}

// Feed hands out downstream connections. *bridge.StreamBridge implements it.
type Feed interface {
	Connect() (*bridge.Connection, error)
	ConnectionCount() int
}

// PriceSource answers lookups the cache has not seen yet.
// *pricefeed.Client implements it.
type PriceSource interface {
	GetStockPrice(ctx context.Context, sym core.Symbol) (core.PriceUpdate, error)
}

// cacheLookup is the optional miss-reporting read of the price cache
type cacheLookup interface {
	Lookup(ticker string) (int64, bool)
}

// Trader prices and executes trades
type Trader interface {
	Trade(ctx context.Context, req trade.Request) (trade.Result, error)
}

// Config configures the server
type Config struct {
	AllowedOrigins []string
	Production     bool
	MaxConnections int
	// RateLimit and RateBurst bound new stream connections per client IP
	RateLimit float64
	RateBurst int
	// WritePingInterval keeps idle WebSocket connections alive
	WritePingInterval time.Duration
	// WriteTimeout bounds every stream write. A client that stops reading is
	// disconnected once it expires.
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{"*"},
		MaxConnections:    1000,
		RateLimit:         10.0, // 10 connections per second
		RateBurst:         20,
		WritePingInterval: 54 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Server manages the downstream HTTP endpoints
type Server struct {
	feed     Feed
	prices   core.PriceLookup
	trader   Trader
	health   core.IHealthMonitor
	logger   core.ILogger
	cfg      Config
	upgrader websocket.Upgrader
	srv      *http.Server
	mu       sync.Mutex

	source        PriceSource
	sourceTimeout time.Duration

	// Connection Limits
	connSemaphore chan struct{}

	// Rate Limiting
	ipLimiters sync.Map // map[string]*rate.Limiter
}

// NewServer creates a new Server. trader and health may be nil.
func NewServer(feed Feed, prices core.PriceLookup, trader Trader, health core.IHealthMonitor, cfg Config, logger core.ILogger) *Server {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.WritePingInterval <= 0 {
		cfg.WritePingInterval = def.WritePingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		feed:          feed,
		prices:        prices,
		trader:        trader,
		health:        health,
		logger:        logger.WithField("component", "live_server"),
		cfg:           cfg,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}

	// Configure WebSocket upgrader with origin validation
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// UsePriceSource makes price lookups for known tickers missing from the cache
// ask src, bounded by timeout. Call before serving.
func (s *Server) UsePriceSource(src PriceSource, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second
	}
	s.source = src
	s.sourceTimeout = timeout
}

// Handler returns the routed endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock/updates", s.handleSSE)
	mux.HandleFunc("GET /stock/price/{ticker}", s.handlePrice)
	mux.HandleFunc("POST /trade", s.handleTrade)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("Starting live server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	s.logger.Info("Stopping live server")
	return s.srv.Shutdown(ctx)
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Reject connections without origin header
	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header",
			"remote_addr", r.RemoteAddr)
		streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin",
			"origin", origin,
			"error", err)
		streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	// Reconstruct origin as scheme://host for comparison
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			if s.cfg.Production {
				s.logger.Warn("Rejected wildcard origin in production mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr)
				streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}

		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
		"allowed_origins", s.cfg.AllowedOrigins)
	streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// admit applies the per-IP rate limit and the global connection limit. The
// returned release must be called when the stream ends.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, endpoint string) (func(), bool) {
	ip := s.getRemoteIP(r)
	if !s.getIPLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip, "endpoint", endpoint)
		streamRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return nil, false
	}

	select {
	case s.connSemaphore <- struct{}{}:
		streamActiveConnections.WithLabelValues(endpoint).Inc()
		return func() {
			<-s.connSemaphore
			streamActiveConnections.WithLabelValues(endpoint).Dec()
		}, true
	default:
		s.logger.Warn("Max connections reached", "endpoint", endpoint)
		streamRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, false
	}
}

// getRemoteIP extracts the client IP address. X-Forwarded-For is ignored.
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}

	newLimiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)

	// LoadOrStore handles race condition if multiple requests arrive simultaneously
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}
