package hosting

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Client calls into a node's local FUP host process over its Unix domain
// socket (spec §6.2).
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the Hosting service listening on socketPath.
func Dial(socketPath string, dialOpts ...grpc.DialOption) (*Client, error) {
	if len(dialOpts) == 0 {
		dialOpts = DialOptions()
	}
	conn, err := grpc.Dial("unix:"+socketPath, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial hosting socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Call issues req and returns the FUP's reply.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := c.conn.Invoke(ctx, "/ravault.ra.Hosting/Call", &req, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return Response{}, err
	}
	return resp, resp.AsError(req.ActivityID, req.FailoverUnitDescription)
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
