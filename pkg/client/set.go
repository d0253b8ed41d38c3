package client

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/cluster"
)

// Set holds one client per node of a topology.
type Set struct {
	topo    cluster.Topology
	clients map[string]*Client
}

// Dial connects to every node. dsn builds each node's connection string.
func Dial(ctx context.Context, topo cluster.Topology, dsn func(cluster.Node) string, log zerolog.Logger) (*Set, error) {
	s := &Set{topo: topo, clients: make(map[string]*Client, topo.Len())}
	for _, n := range topo.Nodes() {
		c, err := Connect(ctx, n, dsn(n), log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.clients[n.ID] = c
	}
	return s, nil
}

// Client returns the client for node id.
func (s *Set) Client(id string) (*Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, errors.Wrap(cluster.ErrNodeNotFound, id)
	}
	return c, nil
}

// For returns a client able to serve intent: the leader for writes, node id
// (or the leader when id is empty) for reads.
func (s *Set) For(id string, intent cluster.Intent) (*Client, error) {
	if id == "" || intent == cluster.IntentWrite {
		id = s.topo.Leader().ID
	}
	return s.Client(id)
}

// Close closes every pool.
func (s *Set) Close() {
	for _, c := range s.clients {
		c.Close()
	}
}
