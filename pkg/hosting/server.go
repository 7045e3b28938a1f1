package hosting

import (
	"os"

	"github.com/cuemby/ravault/pkg/log"
	"google.golang.org/grpc"
)

// Server hosts the Hosting service on a node-local Unix domain socket.
type Server struct {
	grpcServer *grpc.Server
	socketPath string
}

// NewServer constructs a Server bound to socketPath (not yet listening).
// Serve removes any stale socket file from a prior crashed process before
// it listens.
func NewServer(socketPath string, h Handler, serverOpts ...grpc.ServerOption) *Server {
	s := grpc.NewServer(serverOpts...)
	RegisterServer(s, h)
	return &Server{grpcServer: s, socketPath: socketPath}
}

// Serve blocks accepting connections until the listener fails or Stop is
// called.
func (s *Server) Serve() error {
	_ = os.Remove(s.socketPath)
	lis, err := Listen(s.socketPath)
	if err != nil {
		return err
	}
	log.WithComponent("hosting").Info().Str("socket", s.socketPath).Msg("hosting server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight calls and removes the socket file.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
