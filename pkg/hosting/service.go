package hosting

import (
	"context"
	"encoding/json"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// codecName mirrors pkg/messaging/codec.go's approach: a JSON
// encoding.Codec registered under a private name so Request/Response can
// travel without protoc-generated message types.
const codecName = "ravault-hosting-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                            { return codecName }

// Handler answers an IPC Request. *fup.Proxy-backed adapters implement
// this by dispatching Action to the right executor action list.
type Handler interface {
	HandleHostRequest(ctx context.Context, req Request) (Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "ravault.ra.Hosting",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Metadata: "pkg/hosting/service.go",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req Request
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		resp, err := srv.(Handler).HandleHostRequest(ctx, req)
		return &resp, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ravault.ra.Hosting/Call"}
	handlerFn := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(Handler).HandleHostRequest(ctx, *req.(*Request))
		return &resp, err
	}
	return interceptor(ctx, &req, info, handlerFn)
}

// RegisterServer attaches h to s under the Hosting service.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// Listen opens a Unix domain socket at socketPath for the Hosting service,
// the way pkg/worker/worker.go's gRPC bootstrap opens a TCP listener,
// retargeted to a node-local socket per spec §6.2.
func Listen(socketPath string) (net.Listener, error) {
	return net.Listen("unix", socketPath)
}

// DialOptions returns the default client dial options for the Unix socket
// transport: an insecure transport credential, since the socket's
// filesystem permissions are the trust boundary (loopback IPC, not a
// network-facing endpoint).
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}
