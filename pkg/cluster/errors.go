package cluster

import (
	"errors"
	"fmt"
)

// Topology errors
var (
	ErrNoNodes       = errors.New("topology has no nodes")
	ErrInvalidNodeID = errors.New("node ID cannot be empty")
	ErrDuplicateNode = errors.New("node ID appears more than once")
	ErrUnknownLeader = errors.New("configured leader is not a cluster node")
	ErrNodeNotFound  = errors.New("node not found in topology")
	ErrNotLeader     = errors.New("writes are only accepted by the leader")
	ErrUnknownIntent = errors.New("unknown operation intent")
	ErrBadTransition = errors.New("illegal lifecycle transition")
)

// TopologyInvariantFault reports a topology that does not have exactly one leader.
// It is always fatal and never retried.
type TopologyInvariantFault struct {
	Leaders []string
}

func (f *TopologyInvariantFault) Error() string {
	return fmt.Sprintf("topology must have exactly one leader, found %d %v", len(f.Leaders), f.Leaders)
}
