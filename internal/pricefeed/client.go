package pricefeed

import (
	"context"
	"fmt"

	"pricestream/internal/auth"
	"pricestream/internal/core"
	"pricestream/internal/subscription"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ClientConfig configures the connection to the price engine
type ClientConfig struct {
	Address  string
	APIKey   string
	ClientID string
	// TLSCertFile enables TLS using the given CA bundle
	TLSCertFile string
	ServerName  string
}

// Client talks to stock.StockService. It implements subscription.Upstream.
type Client struct {
	conn   *grpc.ClientConn
	logger core.ILogger
}

var _ subscription.Upstream = (*Client)(nil)

// Dial creates a client. The connection is established lazily on first use.
func Dial(cfg ClientConfig, logger core.ILogger, extra ...grpc.DialOption) (*Client, error) {
	logger = logger.WithField("component", "price_client")

	var opts []grpc.DialOption
	secure := false
	if cfg.TLSCertFile != "" {
		creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertFile, cfg.ServerName)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS cert from %s: %w", cfg.TLSCertFile, err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
		secure = true
		logger.Info("Using TLS for gRPC connection", "cert", cfg.TLSCertFile, "server_name", cfg.ServerName)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		logger.Warn("Using insecure gRPC connection (plaintext)")
	}

	if cfg.APIKey == "" {
		logger.Warn("No API key configured - server may reject requests if authentication is required")
	}
	opts = append(opts,
		grpc.WithPerRPCCredentials(auth.ClientCredentials{APIKey: cfg.APIKey, ClientID: cfg.ClientID, Secure: secure}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Address, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Subscribe opens GetPriceUpdates. The stream lives until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (subscription.Stream, error) {
	stream, err := c.conn.NewStream(ctx, &StockServiceDesc.Streams[0], getPriceUpdatesMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &priceStream{stream: stream}, nil
}

// GetStockPrice performs the unary price lookup
func (c *Client) GetStockPrice(ctx context.Context, sym core.Symbol) (core.PriceUpdate, error) {
	resp := new(StockPriceResponse)
	if err := c.conn.Invoke(ctx, getStockPriceMethod, &StockPriceRequest{Ticker: sym}, resp); err != nil {
		return core.PriceUpdate{}, err
	}
	return core.PriceUpdate{Symbol: resp.Ticker, Price: int64(resp.Price)}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

type priceStream struct {
	stream grpc.ClientStream
}

// Recv returns io.EOF when the server completes the stream
func (s *priceStream) Recv() (core.PriceUpdate, error) {
	m := new(PriceUpdate)
	if err := s.stream.RecvMsg(m); err != nil {
		return core.PriceUpdate{}, err
	}
	return core.PriceUpdate{Symbol: m.Ticker, Price: int64(m.Price)}, nil
}
