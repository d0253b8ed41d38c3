package cluster

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specs(n int) []Spec {
	out := make([]Spec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Spec{ID: fmt.Sprintf("n%d", i+1), Address: fmt.Sprintf("10.0.0.%d", i+1)})
	}
	return out
}

func TestResolveDefaultsToFirstNode(t *testing.T) {
	topo, err := Resolve(specs(3), "")
	require.NoError(t, err)

	assert.Equal(t, "n1", topo.Leader().ID)
	assert.True(t, topo.Leader().IsLeader())
	assert.Equal(t, 3, topo.Len())

	replicas := topo.Replicas()
	require.Len(t, replicas, 2)
	assert.Equal(t, "n2", replicas[0].ID)
	assert.Equal(t, "n3", replicas[1].ID)
	for _, r := range replicas {
		assert.Equal(t, RoleReplica, r.Role)
	}
}

func TestResolveExplicitLeader(t *testing.T) {
	topo, err := Resolve(specs(3), "n2")
	require.NoError(t, err)
	assert.Equal(t, "n2", topo.Leader().ID)

	n, ok := topo.Node("n1")
	require.True(t, ok)
	assert.Equal(t, RoleReplica, n.Role)

	_, ok = topo.Node("n9")
	assert.False(t, ok)
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(nil, "")
	assert.ErrorIs(t, err, ErrNoNodes)

	_, err = Resolve(specs(2), "n7")
	assert.ErrorIs(t, err, ErrUnknownLeader)

	dup := append(specs(2), Spec{ID: "n1"})
	_, err = Resolve(dup, "")
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = Resolve([]Spec{{ID: ""}}, "")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestNewTopologyRejectsWrongLeaderCount(t *testing.T) {
	_, err := NewTopology([]Node{
		{ID: "a", Role: RoleLeader},
		{ID: "b", Role: RoleLeader},
	})
	var fault *TopologyInvariantFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, []string{"a", "b"}, fault.Leaders)

	_, err = NewTopology([]Node{{ID: "a", Role: RoleReplica}})
	require.True(t, errors.As(err, &fault))
	assert.Empty(t, fault.Leaders)
}

func TestTopologyIsImmutable(t *testing.T) {
	topo, err := Resolve(specs(2), "")
	require.NoError(t, err)

	nodes := topo.Nodes()
	nodes[0].Role = RoleReplica
	nodes[1].Role = RoleLeader

	assert.Equal(t, "n1", topo.Leader().ID)
	n, _ := topo.Node("n2")
	assert.Equal(t, RoleReplica, n.Role)
}

// TestTopologyLeaderInvariant checks that every resolved topology has exactly one leader
// and that every role assignment without exactly one leader is rejected.
func TestTopologyLeaderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved topologies have exactly one leader", prop.ForAll(
		func(size int, pick int) bool {
			in := specs(size)
			topo, err := Resolve(in, in[pick%size].ID)
			if err != nil {
				return false
			}
			leaders := 0
			for _, n := range topo.Nodes() {
				if n.Role == RoleLeader {
					leaders++
				}
			}
			return leaders == 1 && len(topo.Replicas()) == size-1
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 1000),
	))

	properties.Property("construction fails unless exactly one leader", prop.ForAll(
		func(flags []bool) bool {
			nodes := make([]Node, 0, len(flags))
			leaders := 0
			for i, lead := range flags {
				role := RoleReplica
				if lead {
					role = RoleLeader
					leaders++
				}
				nodes = append(nodes, Node{ID: fmt.Sprintf("n%d", i), Role: role})
			}
			_, err := NewTopology(nodes)
			if len(nodes) == 0 {
				return errors.Is(err, ErrNoNodes)
			}
			var fault *TopologyInvariantFault
			if leaders == 1 {
				return err == nil
			}
			return errors.As(err, &fault) && len(fault.Leaders) == leaders
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
