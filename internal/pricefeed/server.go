package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pricestream/internal/auth"
	"pricestream/internal/core"
	"pricestream/internal/engine"
	apperrors "pricestream/pkg/errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

const defaultShutdownTimeout = 5 * time.Second

// ServerConfig configures the gRPC price server
type ServerConfig struct {
	// APIKeys enables x-api-key authentication when non-empty
	APIKeys     []string
	RateLimit   int
	TLSCertFile string
	TLSKeyFile  string
	// StreamBuffer is the engine subscription buffer per stream
	StreamBuffer    int
	ShutdownTimeout time.Duration
}

// Server exposes an engine.Source as stock.StockService
type Server struct {
	source        engine.Source
	cfg           ServerConfig
	logger        core.ILogger
	authValidator *auth.APIKeyValidator
	grpcServer    *grpc.Server
	health        *health.Server
}

var _ StockServiceServer = (*Server)(nil)

// NewServer builds the gRPC server with auth, health and the stockwire codec
func NewServer(source engine.Source, cfg ServerConfig, logger core.ILogger) (*Server, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		source: source,
		cfg:    cfg,
		logger: logger.WithField("component", "price_server"),
	}

	opts := []grpc.ServerOption{grpc.ForceServerCodec(Codec{})}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("TLS encryption enabled", "cert", cfg.TLSCertFile)
	} else {
		s.logger.Warn("Starting server in INSECURE mode (plaintext)")
	}

	if len(cfg.APIKeys) > 0 {
		s.authValidator = auth.NewAPIKeyValidator(cfg.APIKeys, cfg.RateLimit, logger)
		opts = append(opts,
			grpc.ChainUnaryInterceptor(s.authValidator.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(s.authValidator.StreamServerInterceptor()),
		)
		s.logger.Info("API key authentication enabled", "keys", len(cfg.APIKeys))
	}

	s.grpcServer = grpc.NewServer(opts...)
	RegisterStockServiceServer(s.grpcServer, s)

	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return s, nil
}

func (s *Server) mapError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, apperrors.ErrUnknownSymbol), errors.Is(err, apperrors.ErrInvalidTrade):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperrors.ErrAuthenticationFailed):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, apperrors.ErrRateLimitExceeded), errors.Is(err, apperrors.ErrSlowSubscriber):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, apperrors.ErrEngineStopped), errors.Is(err, apperrors.ErrUpstreamTerminated),
		errors.Is(err, apperrors.ErrSystemOverload), errors.Is(err, apperrors.ErrNetwork):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, apperrors.ErrSubscriberCancelled), errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	return status.Error(codes.Unknown, err.Error())
}

// GetStockPrice returns the engine's current price. Unknown tickers get the default price.
func (s *Server) GetStockPrice(ctx context.Context, req *StockPriceRequest) (*StockPriceResponse, error) {
	price := s.source.CurrentPrice(req.Ticker)
	s.logger.Debug("Stock price requested",
		"ticker", req.Ticker.String(),
		"client_id", auth.ClientID(ctx))
	return &StockPriceResponse{Ticker: req.Ticker, Price: int32(price)}, nil
}

// GetPriceUpdates streams a snapshot followed by every tick until the client
// cancels or the engine drops the subscription.
func (s *Server) GetPriceUpdates(_ *emptypb.Empty, stream PriceUpdatesServer) error {
	ctx := stream.Context()
	log := s.logger.WithFields(map[string]interface{}{
		"client_id":  auth.ClientID(ctx),
		"request_id": auth.RequestID(ctx),
	})

	sub, err := s.source.Subscribe(ctx, s.cfg.StreamBuffer)
	if err != nil {
		log.Warn("Failed to subscribe to price engine", "error", err)
		return s.mapError(err)
	}
	defer sub.Close()
	log.Info("Price update subscriber connected", "subscription_id", sub.ID())

	for {
		select {
		case <-ctx.Done():
			log.Info("Price update subscriber disconnected", "subscription_id", sub.ID())
			return ctx.Err()
		case update, ok := <-sub.Updates():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("Price update subscription terminated by engine", "subscription_id", sub.ID())
				return status.Error(codes.Unavailable, "price update subscription ended")
			}
			if err := stream.Send(&PriceUpdate{Ticker: update.Symbol, Price: int32(update.Price)}); err != nil {
				return err
			}
		}
	}
}

// Serve blocks serving lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Price gRPC server serving", "addr", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Run listens on addr and serves until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Stop marks the service NOT_SERVING and drains streams, forcing them closed
// after the shutdown timeout.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("Graceful stop timed out, closing open streams")
		s.grpcServer.Stop()
		<-done
	}
}
