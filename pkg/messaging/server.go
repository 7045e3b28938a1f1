package messaging

import (
	"net"

	"github.com/cuemby/ravault/pkg/log"
	"google.golang.org/grpc"
)

// Server hosts the messaging service over a gRPC listener, dispatching
// every incoming Send call into the wrapped Handler (ordinarily *ra.Agent).
type Server struct {
	grpcServer *grpc.Server
	addr       string
}

// NewServer constructs a Server bound to addr (not yet listening).
// serverOpts lets callers supply transport credentials; an insecure server
// is used if none are given, matching pkg/api/server.go's dev-mode default.
func NewServer(addr string, h Handler, serverOpts ...grpc.ServerOption) *Server {
	s := grpc.NewServer(serverOpts...)
	RegisterServer(s, h)
	return &Server{grpcServer: s, addr: addr}
}

// Serve blocks accepting connections on addr until the listener fails or
// Stop is called.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.WithComponent("messaging").Info().Str("addr", s.addr).Msg("messaging server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight calls before returning.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
