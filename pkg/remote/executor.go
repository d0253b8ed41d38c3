package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"pgcluster/pkg/cluster"
)

// Result is the captured output of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr joined, trimmed of surrounding whitespace.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Executor runs commands on cluster nodes.
// A command that ran and exited non-zero returns its Result together with an
// *ExecutionFault of kind NonZeroExit; transport failures return ConnectionLost.
type Executor interface {
	Exec(ctx context.Context, node cluster.Node, command string, args ...string) (Result, error)
}

// FaultKind classifies an execution failure.
type FaultKind int

const (
	NonZeroExit FaultKind = iota
	ConnectionLost
)

func (k FaultKind) String() string {
	if k == NonZeroExit {
		return "non-zero exit"
	}
	return "connection lost"
}

// ExecutionFault describes a command that could not be run or did not succeed.
type ExecutionFault struct {
	Kind    FaultKind
	Node    string
	Command string
	Result  Result
	Err     error
}

func (f *ExecutionFault) Error() string {
	if f.Kind == NonZeroExit {
		return fmt.Sprintf("%s: %q exited %d: %s", f.Node, f.Command, f.Result.ExitCode, f.Result.Output())
	}
	return fmt.Sprintf("%s: %q: connection lost: %v", f.Node, f.Command, f.Err)
}

func (f *ExecutionFault) Unwrap() error { return f.Err }

// IsNonZeroExit reports whether err is an ExecutionFault caused by a non-zero exit status.
func IsNonZeroExit(err error) bool {
	var f *ExecutionFault
	return errors.As(err, &f) && f.Kind == NonZeroExit
}

// IsConnectionLost reports whether err is an ExecutionFault caused by a transport failure.
func IsConnectionLost(err error) bool {
	var f *ExecutionFault
	return errors.As(err, &f) && f.Kind == ConnectionLost
}

// IgnoreAbsent swallows non-zero exits, which is how kill and find commands
// report that there was nothing to act on. Transport failures pass through.
func IgnoreAbsent(err error) error {
	if IsNonZeroExit(err) {
		return nil
	}
	return err
}

// Quote escapes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// CommandLine renders command and args as a single shell command line.
func CommandLine(command string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// Shell runs script through sh -c on node.
func Shell(ctx context.Context, ex Executor, node cluster.Node, script string) (Result, error) {
	return ex.Exec(ctx, node, "sh", "-c", script)
}

// WriteFile replaces path on node with content.
func WriteFile(ctx context.Context, ex Executor, node cluster.Node, path string, content []byte, mode string) error {
	enc := base64.StdEncoding.EncodeToString(content)
	script := fmt.Sprintf("echo %s | base64 -d > %s && chmod %s %s", enc, Quote(path), mode, Quote(path))
	_, err := Shell(ctx, ex, node, script)
	return err
}
