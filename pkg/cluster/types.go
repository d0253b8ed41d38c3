package cluster

import "fmt"

// Role indicates the node's cluster role.
type Role string

const (
	RoleLeader  Role = "leader"
	RoleReplica Role = "replica"
)

// Phase is a node's position in the install → run → teardown lifecycle.
type Phase int

const (
	PhaseUninstalled Phase = iota
	PhaseInstalled
	PhaseInitialized
	PhaseBootstrapped
	PhaseRunning
	PhaseStopped
	PhaseTornDown
)

var phaseNames = [...]string{
	PhaseUninstalled:  "uninstalled",
	PhaseInstalled:    "installed",
	PhaseInitialized:  "initialized",
	PhaseBootstrapped: "bootstrapped",
	PhaseRunning:      "running",
	PhaseStopped:      "stopped",
	PhaseTornDown:     "torn-down",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	out := make([]Phase, 0, len(phaseNames))
	for p := range phaseNames {
		out = append(out, Phase(p))
	}
	return out
}

// CanTransition reports whether a node holding role may move from one phase to another.
// Phases only move forward, except that Running and Stopped may cycle and any
// phase may be torn down.
func CanTransition(role Role, from, to Phase) bool {
	if to == PhaseBootstrapped && role != RoleReplica {
		return false
	}
	switch {
	case to == PhaseTornDown:
		return true
	case from == PhaseTornDown:
		return false
	case from == PhaseRunning && to == PhaseStopped,
		from == PhaseStopped && to == PhaseRunning:
		return true
	default:
		return to > from
	}
}

// Node represents a cluster member.
type Node struct {
	ID      string
	Address string
	Port    int // database port; zero means the database default
	Role    Role
}

// IsLeader reports whether the node holds the leader role.
func (n Node) IsLeader() bool { return n.Role == RoleLeader }

func (n Node) String() string { return n.ID }

// Spec is the unresolved description of a node, as read from configuration.
type Spec struct {
	ID      string
	Address string
	Port    int
}
