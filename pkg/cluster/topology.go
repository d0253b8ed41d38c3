package cluster

// Topology is the resolved, immutable set of nodes for one test run.
// Exactly one node holds RoleLeader; every other node is a replica.
type Topology struct {
	nodes  []Node
	leader int
	index  map[string]int
}

// Resolve assigns roles to specs and validates the result.
// leaderID selects the leader; when empty the first node leads.
func Resolve(specs []Spec, leaderID string) (Topology, error) {
	if len(specs) == 0 {
		return Topology{}, ErrNoNodes
	}
	if leaderID == "" {
		leaderID = specs[0].ID
	}
	nodes := make([]Node, 0, len(specs))
	found := false
	for _, s := range specs {
		role := RoleReplica
		if s.ID == leaderID {
			role = RoleLeader
			found = true
		}
		nodes = append(nodes, Node{ID: s.ID, Address: s.Address, Port: s.Port, Role: role})
	}
	if !found {
		return Topology{}, ErrUnknownLeader
	}
	return NewTopology(nodes)
}

// NewTopology validates nodes whose roles are already assigned.
// A node set without exactly one leader yields a *TopologyInvariantFault.
func NewTopology(nodes []Node) (Topology, error) {
	if len(nodes) == 0 {
		return Topology{}, ErrNoNodes
	}
	t := Topology{
		nodes:  append([]Node(nil), nodes...),
		leader: -1,
		index:  make(map[string]int, len(nodes)),
	}
	var leaders []string
	for i, n := range t.nodes {
		if n.ID == "" {
			return Topology{}, ErrInvalidNodeID
		}
		if _, dup := t.index[n.ID]; dup {
			return Topology{}, ErrDuplicateNode
		}
		t.index[n.ID] = i
		if n.Role == RoleLeader {
			leaders = append(leaders, n.ID)
			t.leader = i
		}
	}
	if len(leaders) != 1 {
		return Topology{}, &TopologyInvariantFault{Leaders: leaders}
	}
	return t, nil
}

// Nodes returns a copy of all nodes in resolution order.
func (t Topology) Nodes() []Node { return append([]Node(nil), t.nodes...) }

// Len returns the number of nodes.
func (t Topology) Len() int { return len(t.nodes) }

// Leader returns the single leader node.
func (t Topology) Leader() Node {
	if t.leader < 0 {
		return Node{}
	}
	return t.nodes[t.leader]
}

// Replicas returns every node except the leader, in resolution order.
func (t Topology) Replicas() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Role == RoleReplica {
			out = append(out, n)
		}
	}
	return out
}

// Node looks up a node by ID.
func (t Topology) Node(id string) (Node, bool) {
	i, ok := t.index[id]
	if !ok {
		return Node{}, false
	}
	return t.nodes[i], true
}
