package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgcluster/pkg/cluster"
)

var local = cluster.Node{ID: "local", Address: "127.0.0.1", Role: cluster.RoleLeader}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "/var/lib/pg-data", Quote("/var/lib/pg-data"))
	assert.Equal(t, "'a b'", Quote("a b"))
	assert.Equal(t, `'it'"'"'s'`, Quote("it's"))
	assert.Equal(t, "'$HOME'", Quote("$HOME"))
	assert.Equal(t, "pg_ctl -D '/tmp/my data' start", CommandLine("pg_ctl", "-D", "/tmp/my data", "start"))
}

func TestLocalExecutorSuccess(t *testing.T) {
	res, err := LocalExecutor{}.Exec(context.Background(), local, "echo", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocalExecutorNonZeroExit(t *testing.T) {
	res, err := Shell(context.Background(), LocalExecutor{}, local, "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.True(t, IsNonZeroExit(err))
	assert.False(t, IsConnectionLost(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops", res.Output())

	var fault *ExecutionFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "local", fault.Node)
	assert.Contains(t, fault.Error(), "exited 3")

	assert.NoError(t, IgnoreAbsent(err))
}

func TestLocalExecutorDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := LocalExecutor{}.Exec(ctx, local, "sleep", "5")
	require.Error(t, err)
	assert.True(t, IsConnectionLost(err))
	assert.Error(t, IgnoreAbsent(err))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postgresql.conf")
	content := []byte("port = 5432\nlisten_addresses = '*'\n")

	require.NoError(t, WriteFile(context.Background(), LocalExecutor{}, local, path, content, "0600"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestIgnoreAbsentPassesOtherErrors(t *testing.T) {
	other := errors.New("boom")
	assert.Equal(t, other, IgnoreAbsent(other))
	assert.NoError(t, IgnoreAbsent(nil))
}
