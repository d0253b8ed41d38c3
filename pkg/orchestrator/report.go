package orchestrator

import (
	"context"
	"errors"
	"time"

	"pgcluster/pkg/barrier"
	"pgcluster/pkg/bootstrap"
	"pgcluster/pkg/cluster"
	"pgcluster/pkg/probe"
	"pgcluster/pkg/remote"
)

var (
	ErrIncomplete   = errors.New("cluster setup incomplete")
	ErrAlreadySetup = errors.New("setup already ran for this orchestrator")
)

// NodeReport is the final phase reached by a node and the fault that stopped it, if any.
type NodeReport struct {
	Node      cluster.Node
	Phase     cluster.Phase
	Fault     error
	LogFile   string
	UpdatedAt time.Time
}

// Report describes every node of a run in topology order.
type Report struct {
	RunID string
	Nodes []NodeReport
}

// OK reports whether every node is Running without a fault.
func (r Report) OK() bool {
	for _, n := range r.Nodes {
		if n.Fault != nil || n.Phase != cluster.PhaseRunning {
			return false
		}
	}
	return true
}

// Failed returns the reports carrying a fault.
func (r Report) Failed() []NodeReport {
	var out []NodeReport
	for _, n := range r.Nodes {
		if n.Fault != nil {
			out = append(out, n)
		}
	}
	return out
}

// Node returns the report for node id.
func (r Report) Node(id string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Node.ID == id {
			return n, true
		}
	}
	return NodeReport{}, false
}

// Report returns a snapshot of every node.
func (o *Orchestrator) Report() Report {
	rep := Report{RunID: o.RunID()}
	for _, n := range o.topo.Nodes() {
		rep.Nodes = append(rep.Nodes, o.nodeReport(n))
	}
	return rep
}

func (o *Orchestrator) nodeReport(n cluster.Node) NodeReport {
	o.mu.Lock()
	st := *o.nodes[n.ID]
	o.mu.Unlock()
	return NodeReport{
		Node:      n,
		Phase:     st.phase,
		Fault:     st.fault,
		LogFile:   o.db.LogFile(n),
		UpdatedAt: st.updated,
	}
}

// FaultKind names the class of err for logs and metrics.
func FaultKind(err error) string {
	var (
		exec  *remote.ExecutionFault
		ptime *probe.ProbeTimeoutFault
		pfat  *probe.ProbeFatalFault
		boot  *bootstrap.BootstrapFault
		bar   *barrier.BarrierTimeoutFault
		topo  *cluster.TopologyInvariantFault
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &bar):
		return "barrier-timeout"
	case errors.As(err, &boot):
		return "bootstrap"
	case errors.As(err, &ptime):
		return "probe-timeout"
	case errors.As(err, &pfat):
		return "probe-fatal"
	case errors.As(err, &topo):
		return "topology"
	case errors.As(err, &exec):
		if exec.Kind == remote.ConnectionLost {
			return "connection-lost"
		}
		return "execution"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "other"
	}
}
