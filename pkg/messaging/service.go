// Package messaging implements the RA↔FM / RA↔RA wire transport of spec
// §6.1: a Sender that dials peer nodes over gRPC and a Server that routes
// incoming calls into an Agent's HandleMessage, using a hand-built
// grpc.ServiceDesc/MethodDesc pair (no protoc-generated stubs — see
// DESIGN.md) and the JSON codec registered in codec.go.
//
// Grounded on pkg/client/client.go's mTLS dial pattern and
// pkg/api/server.go's gRPC server bootstrap.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/ra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Reply is the empty unary reply for Send; the wire contract is
// request-and-error, matching ra.MessageSender's (error)-only signature.
type Reply struct{}

// Handler is implemented by *ra.Agent.
type Handler interface {
	HandleMessage(ctx context.Context, msg ra.Message) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "ravault.ra.Messaging",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Metadata: "pkg/messaging/service.go",
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req ra.Message
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return &Reply{}, srv.(Handler).HandleMessage(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ravault.ra.Messaging/Send"}
	handlerFn := func(ctx context.Context, req interface{}) (interface{}, error) {
		return &Reply{}, srv.(Handler).HandleMessage(ctx, *req.(*ra.Message))
	}
	return interceptor(ctx, &req, info, handlerFn)
}

// RegisterServer attaches an Agent's message handling to a gRPC server.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// AddressResolver maps a node id to its dialable messaging address.
type AddressResolver func(nodeID string) (string, error)

// Client implements ra.MessageSender over gRPC, dialing peers lazily and
// caching connections per node id.
type Client struct {
	resolve AddressResolver
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient constructs a Client. dialOpts, if empty, defaults to an
// insecure transport credential (production wiring supplies mTLS options
// the way pkg/client/client.go does).
func NewClient(resolve AddressResolver, dialOpts ...grpc.DialOption) *Client {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{resolve: resolve, dialOpts: dialOpts, conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(nodeID string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[nodeID]; ok {
		return conn, nil
	}
	addr, err := c.resolve(nodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve address for node %s: %w", nodeID, err)
	}
	conn, err := grpc.Dial(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial node %s at %s: %w", nodeID, addr, err)
	}
	c.conns[nodeID] = conn
	return conn, nil
}

// Send implements ra.MessageSender.
func (c *Client) Send(ctx context.Context, to ra.NodeInstance, msg ra.Message) error {
	conn, err := c.connFor(to.NodeID)
	if err != nil {
		return err
	}
	var reply Reply
	err = conn.Invoke(ctx, "/ravault.ra.Messaging/Send", &msg, &reply, grpc.CallContentSubtype(codecName))
	if err != nil {
		log.WithComponent("messaging").Warn().Err(err).Str("to", to.NodeID).
			Str("action", string(msg.Action)).Msg("send failed")
	}
	return err
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
