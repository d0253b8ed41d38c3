package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pgcluster/pkg/cluster"
)

// SSHConfig controls how SSHExecutor reaches nodes.
type SSHConfig struct {
	User           string
	Port           int
	PrivateKeyPath string
	Password       string
	KnownHostsPath string
	Sudo           bool
	DialTimeout    time.Duration
}

// SSHExecutor runs commands over SSH, keeping one client per node.
type SSHExecutor struct {
	cfg    SSHConfig
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor builds an executor from cfg. Key material is read eagerly.
func NewSSHExecutor(cfg SSHConfig, log zerolog.Logger) (*SSHExecutor, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "read private key %s", cfg.PrivateKeyPath)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no private key or password configured")
	}

	hostCB := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "load known hosts %s", cfg.KnownHostsPath)
		}
		hostCB = cb
	}

	return &SSHExecutor{
		cfg:     cfg,
		auth:    auth,
		hostCB:  hostCB,
		log:     log,
		clients: make(map[string]*ssh.Client),
	}, nil
}

// Exec implements Executor.
func (e *SSHExecutor) Exec(ctx context.Context, node cluster.Node, command string, args ...string) (Result, error) {
	line := CommandLine(command, args...)
	if e.cfg.Sudo {
		line = "sudo -n sh -c " + Quote(line)
	}

	client, err := e.client(ctx, node)
	if err != nil {
		return Result{}, &ExecutionFault{Kind: ConnectionLost, Node: node.ID, Command: line, Err: err}
	}
	sess, err := client.NewSession()
	if err != nil {
		e.drop(node)
		return Result{}, &ExecutionFault{Kind: ConnectionLost, Node: node.ID, Command: line, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(line) }()

	e.log.Debug().Str("node", node.ID).Str("cmd", line).Msg("ssh exec")

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Result{}, &ExecutionFault{Kind: ConnectionLost, Node: node.ID, Command: line, Err: ctx.Err()}
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &ExecutionFault{Kind: NonZeroExit, Node: node.ID, Command: line, Result: res, Err: err}
	}
	e.drop(node)
	return res, &ExecutionFault{Kind: ConnectionLost, Node: node.ID, Command: line, Result: res, Err: err}
}

// client returns node's cached client, dialing outside the lock so one
// unreachable node never stalls the others.
func (e *SSHExecutor) client(ctx context.Context, node cluster.Node) (*ssh.Client, error) {
	e.mu.Lock()
	c, ok := e.clients[node.ID]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := e.dial(ctx, node)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[node.ID]; ok {
		_ = c.Close()
		return existing, nil
	}
	e.clients[node.ID] = c
	return c, nil
}

// dial connects and completes the handshake within DialTimeout.
// ssh.ClientConfig.Timeout only bounds the TCP connect.
func (e *SSHExecutor) dial(ctx context.Context, node cluster.Node) (*ssh.Client, error) {
	addr := node.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(e.cfg.Port))
	}
	deadline := time.Now().Add(e.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            e.auth,
		HostKeyCallback: e.hostCB,
		Timeout:         e.cfg.DialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

func (e *SSHExecutor) drop(node cluster.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[node.ID]; ok {
		_ = c.Close()
		delete(e.clients, node.ID)
	}
}

// Close closes every cached client.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.clients {
		_ = c.Close()
		delete(e.clients, id)
	}
	return nil
}
