// Package faketime skews the clock observed by a daemon by replacing its
// executable with a wrapper that execs the original under libfaketime.
//
// Wrapping moves the real binary aside to <path>.no-faketime once and writes a
// small shell wrapper in its place; wrapping again only rewrites the wrapper,
// so rates never stack. Unwrapping moves the original back and is a no-op when
// nothing is wrapped. Apply or remove bindings before the daemon starts: most
// daemons read the clock at fixed points and rewrapping a running process has
// no defined effect.
package faketime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/remote"
)

// OriginalSuffix is appended to the real executable while it is wrapped.
const OriginalSuffix = ".no-faketime"

// Injector applies bindings to nodes through an executor.
type Injector struct {
	exec remote.Executor
	log  zerolog.Logger
	// FaketimeBin is the faketime launcher invoked by wrappers.
	FaketimeBin string
}

// NewInjector creates an injector using the faketime binary on PATH.
func NewInjector(exec remote.Executor, log zerolog.Logger) *Injector {
	return &Injector{exec: exec, log: log, FaketimeBin: "faketime"}
}

// Script returns the wrapper installed in place of exe.
func (i *Injector) Script(exe string, base time.Time, rate float64) string {
	spec := fmt.Sprintf("@%s x%s", base.UTC().Format("2006-01-02 15:04:05"), strconv.FormatFloat(rate, 'f', -1, 64))
	return fmt.Sprintf("#!/bin/sh\nexec %s -m -f %s %s \"$@\"\n",
		remote.Quote(i.FaketimeBin), remote.Quote(spec), remote.Quote(exe+OriginalSuffix))
}

// Wrap makes exe on node observe time starting at base and advancing at rate × real time.
func (i *Injector) Wrap(ctx context.Context, node cluster.Node, exe string, base time.Time, rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	orig := remote.Quote(exe + OriginalSuffix)
	script := fmt.Sprintf("set -e; if [ ! -e %[1]s ]; then mv %[2]s %[1]s; fi", orig, remote.Quote(exe))
	if _, err := remote.Shell(ctx, i.exec, node, script); err != nil {
		return errors.Wrapf(err, "move %s aside", exe)
	}
	if err := remote.WriteFile(ctx, i.exec, node, exe, []byte(i.Script(exe, base, rate)), "0755"); err != nil {
		return errors.Wrapf(err, "write faketime wrapper for %s", exe)
	}
	i.log.Info().Str("node", node.ID).Str("exe", exe).Float64("rate", rate).Msg("faketime wrapper installed")
	return nil
}

// Unwrap restores exe on node. It is a no-op when exe is not wrapped.
func (i *Injector) Unwrap(ctx context.Context, node cluster.Node, exe string) error {
	orig := remote.Quote(exe + OriginalSuffix)
	script := fmt.Sprintf("if [ -e %[1]s ]; then mv -f %[1]s %[2]s; fi", orig, remote.Quote(exe))
	if _, err := remote.Shell(ctx, i.exec, node, script); err != nil {
		return errors.Wrapf(err, "restore %s", exe)
	}
	i.log.Debug().Str("node", node.ID).Str("exe", exe).Msg("faketime wrapper removed")
	return nil
}

// Reconcile makes node's executables match table: enabled bindings are wrapped,
// disabled ones unwrapped. It is safe to run regardless of prior state.
func (i *Injector) Reconcile(ctx context.Context, node cluster.Node, table *Table) error {
	for _, b := range table.Bindings(node.ID) {
		var err error
		if b.Enabled {
			err = i.Wrap(ctx, node, b.Executable, b.Base, b.Rate)
		} else {
			err = i.Unwrap(ctx, node, b.Executable)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
