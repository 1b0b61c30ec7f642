package healthgrpc

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/accountdeck/schema"
)

// Client queries a running health endpoint.
type Client struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

// Dial creates a health client for addr (host:port or unix:///path).
func Dial(ctx context.Context, addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("grpc health address is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	network, address := splitAddr(addr)
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
	conn, err := grpc.NewClient(
		"passthrough:///"+address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, client: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check returns the serving status of an account. An empty id checks the server itself.
func (c *Client) Check(ctx context.Context, id schema.AccountID) (healthpb.HealthCheckResponse_ServingStatus, error) {
	service := ""
	if id != "" {
		service = ServiceName(id)
	}
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
