package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"pgcluster/pkg/cluster"
)

// LocalExecutor runs every node's commands on this host through sh -c.
// It backs single-host clusters where nodes differ only by port and base directory.
type LocalExecutor struct {
	// Env is appended to the process environment of every command.
	Env []string
}

// Exec implements Executor.
func (e LocalExecutor) Exec(ctx context.Context, node cluster.Node, command string, args ...string) (Result, error) {
	line := CommandLine(command, args...)
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.WaitDelay = time.Second
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExecutionFault{Kind: NonZeroExit, Node: node.ID, Command: line, Result: res, Err: err}
	}
	return res, &ExecutionFault{Kind: ConnectionLost, Node: node.ID, Command: line, Result: res, Err: err}
}
