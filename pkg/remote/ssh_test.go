package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"pgcluster/pkg/cluster"
)

// startSSHServer serves exec requests on a loopback port. Commands containing
// "fail" print to both streams and exit 3, commands containing "drop" close
// the connection without an exit status, anything else echoes the command line.
func startSSHServer(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "pgtest" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nc, cfg)
		}
	}()
	return ln.Addr().String()
}

func serveSSHConn(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSSHSession(nc, ch, chReqs)
	}
}

func serveSSHSession(nc net.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var msg struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		switch {
		case strings.Contains(msg.Command, "drop"):
			_ = nc.Close()
		case strings.Contains(msg.Command, "fail"):
			fmt.Fprint(ch, "partial")
			fmt.Fprint(ch.Stderr(), "bad things")
			exitWith(ch, 3)
		default:
			fmt.Fprint(ch, msg.Command)
			exitWith(ch, 0)
		}
		return
	}
}

func exitWith(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	_ = ch.Close()
}

func newTestSSHExecutor(t *testing.T, dialTimeout time.Duration) *SSHExecutor {
	t.Helper()
	e, err := NewSSHExecutor(SSHConfig{User: "pgtest", Password: "secret", DialTimeout: dialTimeout}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSSHExecutorSuccess(t *testing.T) {
	node := cluster.Node{ID: "n1", Address: startSSHServer(t)}
	e := newTestSSHExecutor(t, 2*time.Second)

	res, err := e.Exec(context.Background(), node, "echo", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "echo 'hello world'", res.Stdout)
	assert.Zero(t, res.ExitCode)
}

func TestSSHExecutorExitStatusIsNonZeroExit(t *testing.T) {
	node := cluster.Node{ID: "n1", Address: startSSHServer(t)}
	e := newTestSSHExecutor(t, 2*time.Second)

	res, err := e.Exec(context.Background(), node, "fail")
	require.Error(t, err)
	assert.True(t, IsNonZeroExit(err))
	assert.False(t, IsConnectionLost(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial", res.Stdout)
	assert.Equal(t, "bad things", res.Stderr)
}

func TestSSHExecutorDroppedConnectionIsConnectionLost(t *testing.T) {
	node := cluster.Node{ID: "n1", Address: startSSHServer(t)}
	e := newTestSSHExecutor(t, 2*time.Second)

	_, err := e.Exec(context.Background(), node, "drop")
	require.Error(t, err)
	assert.True(t, IsConnectionLost(err))

	// The broken client is discarded and the next command redials.
	res, err := e.Exec(context.Background(), node, "echo", "again")
	require.NoError(t, err)
	assert.Equal(t, "echo again", res.Stdout)
}

func TestSSHExecutorBadCredentialsIsConnectionLost(t *testing.T) {
	node := cluster.Node{ID: "n1", Address: startSSHServer(t)}
	e, err := NewSSHExecutor(SSHConfig{User: "pgtest", Password: "wrong", DialTimeout: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Exec(context.Background(), node, "echo")
	require.Error(t, err)
	assert.True(t, IsConnectionLost(err))
}

func TestSSHExecutorSilentHostDoesNotStallOthers(t *testing.T) {
	good := cluster.Node{ID: "n1", Address: startSSHServer(t)}

	// Accepts TCP but never speaks SSH.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var held []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := silent.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = silent.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})
	stuck := cluster.Node{ID: "n2", Address: silent.Addr().String()}

	dialTimeout := 500 * time.Millisecond
	e := newTestSSHExecutor(t, dialTimeout)

	stuckErr := make(chan error, 1)
	go func() {
		_, err := e.Exec(context.Background(), stuck, "echo")
		stuckErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err = e.Exec(context.Background(), good, "echo", "fast")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), dialTimeout/2)

	select {
	case err := <-stuckErr:
		assert.True(t, IsConnectionLost(err))
	case <-time.After(5 * time.Second):
		t.Fatal("handshake with a silent host did not time out")
	}
}
