// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/remote"
)

// Response is one scripted reply. A non-zero ExitCode yields a NonZeroExit
// fault, Lost yields ConnectionLost.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Lost     bool
}

// Ok is a successful response printing stdout.
func Ok(stdout string) Response { return Response{Stdout: stdout} }

// Fail is a response exiting with code after printing stdout.
func Fail(code int, stdout string) Response { return Response{Stdout: stdout, ExitCode: code} }

// Lost is a transport failure.
func Lost() Response { return Response{Lost: true} }

// Call records one Exec invocation.
type Call struct {
	Node string
	Line string
}

type rule struct {
	node      string
	contains  string
	responses []Response
	hook      func(Call)
	served    int
}

// Fake matches each command line against registered rules in registration order.
// Unmatched commands succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	calls []Call
}

// Script registers responses for commands on node (empty matches every node)
// whose line contains substr. Responses are served in order; the last repeats.
func (f *Fake) Script(node, substr string, responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{node: node, contains: substr, responses: responses})
}

// Hook calls fn for every matching command, before its response is chosen.
// Hooks do not consume responses and do not stop matching.
func (f *Fake) Hook(node, substr string, fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{node: node, contains: substr, hook: fn})
}

// Exec implements remote.Executor.
func (f *Fake) Exec(ctx context.Context, node cluster.Node, command string, args ...string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, &remote.ExecutionFault{Kind: remote.ConnectionLost, Node: node.ID, Err: err}
	}
	line := remote.CommandLine(command, args...)
	call := Call{Node: node.ID, Line: line}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var hooks []func(Call)
	var resp Response
	for _, r := range f.rules {
		if r.node != "" && r.node != node.ID || !strings.Contains(line, r.contains) {
			continue
		}
		if r.hook != nil {
			hooks = append(hooks, r.hook)
			continue
		}
		i := r.served
		if i >= len(r.responses) {
			i = len(r.responses) - 1
		}
		if i >= 0 {
			resp = r.responses[i]
		}
		r.served++
		break
	}
	f.mu.Unlock()

	for _, h := range hooks {
		h(call)
	}

	res := remote.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	switch {
	case resp.Lost:
		return res, &remote.ExecutionFault{Kind: remote.ConnectionLost, Node: node.ID, Command: line, Err: errors.New("connection reset")}
	case resp.ExitCode != 0:
		return res, &remote.ExecutionFault{Kind: remote.NonZeroExit, Node: node.ID, Command: line, Result: res}
	}
	return res, nil
}

// Calls returns recorded calls on node (empty for all nodes) containing substr.
func (f *Fake) Calls(node, substr string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if (node == "" || c.Node == node) && strings.Contains(c.Line, substr) {
			out = append(out, c)
		}
	}
	return out
}
