package auth

import (
	"context"

	"google.golang.org/grpc/credentials"
)

// DefaultClientID is sent by the aggregator on every upstream call
const DefaultClientID = "aggregator-service"

// ClientCredentials attaches the API key and client id to every RPC
type ClientCredentials struct {
	APIKey   string
	ClientID string
	// Secure requires transport security before metadata is sent
	Secure bool
}

var _ credentials.PerRPCCredentials = ClientCredentials{}

// GetRequestMetadata implements credentials.PerRPCCredentials
func (c ClientCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.APIKey != "" {
		md[MetadataKeyAPIKey] = c.APIKey
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	md[MetadataKeyClientID] = clientID
	return md, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials
func (c ClientCredentials) RequireTransportSecurity() bool {
	return c.Secure
}
