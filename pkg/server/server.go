package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"pgcluster/pkg/cluster"
)

// Config holds the status server listen address
type Config struct {
	Host string
	Port int
}

// Server reports node serving status over the standard gRPC health service.
// Service "node/<id>" is SERVING while that node is running; the empty
// service name is SERVING once every node is running.
type Server struct {
	config Config
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
	nodes   []string
}

// ServiceName returns the health service name of a node.
func ServiceName(id string) string { return "node/" + id }

// NewServer creates a status server for topo with every node NOT_SERVING
func NewServer(cfg Config, topo cluster.Topology, log zerolog.Logger) *Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Second,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  5 * time.Second,
			Timeout:               1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s := &Server{
		config:  cfg,
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		log:     log.With().Str("component", "status").Logger(),
		running: make(map[string]bool, topo.Len()),
	}
	for _, n := range topo.Nodes() {
		s.nodes = append(s.nodes, n.ID)
		s.health.SetServingStatus(ServiceName(n.ID), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// PhaseChanged updates the node's serving status.
func (s *Server) PhaseChanged(node cluster.Node, from, to cluster.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up := to == cluster.PhaseRunning
	s.running[node.ID] = up
	s.health.SetServingStatus(ServiceName(node.ID), status(up))

	all := len(s.nodes) > 0
	for _, id := range s.nodes {
		all = all && s.running[id]
	}
	s.health.SetServingStatus("", status(all))
}

// NodeFailed is a no-op: a faulted node keeps the status of its last phase.
func (s *Server) NodeFailed(cluster.Node, string, error) {}

func status(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve serves on lis until ctx is done
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errc:
		return errors.Wrap(err, "grpc serve")
	}
}

// Start listens on the configured address and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.log.Info().Str("addr", address).Msg("status server listening")
	return s.Serve(ctx, lis)
}

// Stop stops the server gracefully
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("status server stopped")
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("force stopping status server")
		s.grpc.Stop()
	}
}
