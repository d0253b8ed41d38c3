package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/probe"
	"pgcluster/pkg/remote"
)

// Postgres runs recipe commands on nodes through an executor.
type Postgres struct {
	cfg  Config
	exec remote.Executor
	log  zerolog.Logger
}

// New creates a recipe.
func New(cfg Config, exec remote.Executor, log zerolog.Logger) *Postgres {
	return &Postgres{cfg: cfg, exec: exec, log: log.With().Str("component", "postgres").Logger()}
}

// Config returns the recipe settings.
func (p *Postgres) Config() Config { return p.cfg }

// Layout returns node's paths.
func (p *Postgres) Layout(node cluster.Node) Layout { return p.cfg.Layout(node) }

// LogFile returns the server log on node.
func (p *Postgres) LogFile(node cluster.Node) string { return p.cfg.Layout(node).Log }

// Executables returns the binaries subject to clock skew.
func (p *Postgres) Executables(node cluster.Node) []string {
	return []string{p.cfg.Layout(node).Executable("postgres")}
}

// root runs script with the executor's own privileges.
func (p *Postgres) root(ctx context.Context, node cluster.Node, script string) (remote.Result, error) {
	return remote.Shell(ctx, p.exec, node, script)
}

// run runs script as the database user.
func (p *Postgres) run(ctx context.Context, node cluster.Node, script string) (remote.Result, error) {
	if !p.cfg.RunAs {
		return remote.Shell(ctx, p.exec, node, script)
	}
	return p.exec.Exec(ctx, node, "sudo", "-n", "-u", p.cfg.User, "sh", "-c", script)
}

func (p *Postgres) chown(paths ...string) string {
	if !p.cfg.RunAs {
		return "true"
	}
	q := make([]string, len(paths))
	for i, s := range paths {
		q[i] = remote.Quote(s)
	}
	return fmt.Sprintf("chown %s %s", remote.Quote(p.cfg.User), strings.Join(q, " "))
}

// Installed reports whether the server binary is present on node.
func (p *Postgres) Installed(ctx context.Context, node cluster.Node) (bool, error) {
	bin := p.cfg.Layout(node).Executable("postgres")
	_, err := p.root(ctx, node, "test -x "+remote.Quote(bin))
	switch {
	case err == nil:
		return true, nil
	case remote.IsNonZeroExit(err):
		return false, nil
	default:
		return false, errors.Wrap(err, "check installation")
	}
}

// Install puts the server and faketime on node. An existing installation is
// kept unless force is set.
func (p *Postgres) Install(ctx context.Context, node cluster.Node, force bool) error {
	log := p.log.With().Str("node", node.ID).Logger()
	if !force {
		ok, err := p.Installed(ctx, node)
		if err != nil {
			return err
		}
		if ok {
			log.Debug().Msg("postgres already installed")
			return nil
		}
	}

	l := p.cfg.Layout(node)
	var script string
	if p.cfg.TarballURL != "" {
		dist := strings.TrimSuffix(l.Bin, "/bin")
		script = fmt.Sprintf(`set -e
export DEBIAN_FRONTEND=noninteractive
command -v faketime >/dev/null || apt-get install -y -q faketime
rm -rf %[1]s && mkdir -p %[1]s
curl -fsSL %[2]s | tar -xz -C %[1]s --strip-components=1
id -u %[3]s >/dev/null 2>&1 || useradd --system --home-dir %[4]s %[3]s`,
			remote.Quote(dist), remote.Quote(p.cfg.TarballURL), remote.Quote(p.cfg.User), remote.Quote(p.cfg.BaseDir))
		log.Info().Str("url", p.cfg.TarballURL).Msg("installing postgres from tarball")
	} else {
		script = fmt.Sprintf(`set -e
export DEBIAN_FRONTEND=noninteractive
apt-get update -q
apt-get install -y -q postgresql-%[1]s faketime
systemctl stop postgresql || true
systemctl disable postgresql || true`, p.cfg.Version)
		log.Info().Str("version", p.cfg.Version).Msg("installing postgres packages")
	}
	if _, err := p.root(ctx, node, script); err != nil {
		return errors.Wrap(err, "install postgres")
	}
	if _, err := p.root(ctx, node, fmt.Sprintf("mkdir -p %s && %s", remote.Quote(l.Base), p.chown(l.Base))); err != nil {
		return errors.Wrap(err, "create base directory")
	}
	return nil
}

// ResetDataDir leaves an empty data directory owned by the database user.
func (p *Postgres) ResetDataDir(ctx context.Context, node cluster.Node) error {
	l := p.cfg.Layout(node)
	data := remote.Quote(l.Data)
	script := fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s && %[2]s && chmod 700 %[1]s", data, p.chown(l.Base, l.Data))
	if _, err := p.root(ctx, node, script); err != nil {
		return errors.Wrap(err, "reset data directory")
	}
	return nil
}

// Wipe removes the data directory.
func (p *Postgres) Wipe(ctx context.Context, node cluster.Node) error {
	if _, err := p.root(ctx, node, "rm -rf "+remote.Quote(p.cfg.Layout(node).Data)); err != nil {
		return errors.Wrap(err, "wipe data directory")
	}
	return nil
}

// Initialize creates a fresh cluster in the data directory and writes node's config.
func (p *Postgres) Initialize(ctx context.Context, node cluster.Node) error {
	if err := p.ResetDataDir(ctx, node); err != nil {
		return err
	}
	l := p.cfg.Layout(node)
	initdb := remote.CommandLine(l.Executable("initdb"), "-D", l.Data, "-U", p.cfg.User, "-E", "UTF8", "--auth=trust")
	script := initdb
	if p.cfg.Password != "" {
		pw := remote.Quote(l.Base + "/.pwfile")
		script = fmt.Sprintf("umask 077 && printf '%%s\\n' %s > %s && %s --pwfile=%s; rc=$?; rm -f %s; exit $rc",
			remote.Quote(p.cfg.Password), pw, initdb, pw, pw)
	}
	if _, err := p.run(ctx, node, script); err != nil {
		return errors.Wrap(err, "initdb")
	}
	return p.WriteConfig(ctx, node)
}

// WriteConfig writes postgresql.conf and pg_hba.conf for node's role.
func (p *Postgres) WriteConfig(ctx context.Context, node cluster.Node) error {
	conf, err := p.cfg.RenderConf(node)
	if err != nil {
		return err
	}
	hba, err := p.cfg.RenderHBA()
	if err != nil {
		return err
	}
	l := p.cfg.Layout(node)
	if err := remote.WriteFile(ctx, p.exec, node, l.Conf, conf, "0644"); err != nil {
		return errors.Wrap(err, "write postgresql.conf")
	}
	if err := remote.WriteFile(ctx, p.exec, node, l.HBA, hba, "0644"); err != nil {
		return errors.Wrap(err, "write pg_hba.conf")
	}
	if _, err := p.root(ctx, node, p.chown(l.Conf, l.HBA)); err != nil {
		return errors.Wrap(err, "chown config")
	}
	return nil
}

// BaseCopy streams a base backup of leader into replica's empty data
// directory, leaving it configured to follow leader.
func (p *Postgres) BaseCopy(ctx context.Context, replica, leader cluster.Node) error {
	l := p.cfg.Layout(replica)
	cmd := remote.CommandLine(l.Executable("pg_basebackup"),
		"-h", leader.Address, "-p", strconv.Itoa(Port(leader)), "-U", p.cfg.User,
		"-D", l.Data, "-X", "stream", "-R", "-c", "fast", "-w")
	if p.cfg.Password != "" {
		cmd = "PGPASSWORD=" + remote.Quote(p.cfg.Password) + " " + cmd
	}
	if _, err := p.run(ctx, replica, cmd); err != nil {
		return errors.Wrapf(err, "base backup from %s", leader.ID)
	}
	return nil
}

// ConfigureReplica writes replica settings and marks the data directory as a standby.
func (p *Postgres) ConfigureReplica(ctx context.Context, replica cluster.Node) error {
	if err := p.WriteConfig(ctx, replica); err != nil {
		return err
	}
	signal := remote.Quote(p.cfg.Layout(replica).Data + "/standby.signal")
	if _, err := p.run(ctx, replica, "touch "+signal); err != nil {
		return errors.Wrap(err, "write standby.signal")
	}
	return nil
}

// Start launches the server without waiting for it to accept connections.
// pg_ctl output goes to pg_ctl.stdout, server output to postgres.log.
func (p *Postgres) Start(ctx context.Context, node cluster.Node) error {
	l := p.cfg.Layout(node)
	cmd := remote.CommandLine(l.Executable("pg_ctl"), "start", "-W", "-D", l.Data, "-l", l.Log,
		"-o", "-c config_file="+l.Conf)
	if _, err := p.run(ctx, node, fmt.Sprintf("%s > %s 2>&1", cmd, remote.Quote(l.Stdout))); err != nil {
		return errors.Wrap(err, "pg_ctl start")
	}
	p.log.Info().Str("node", node.ID).Msg("postgres started")
	return nil
}

// Stop shuts the server down. A server that is not running is not an error.
func (p *Postgres) Stop(ctx context.Context, node cluster.Node) error {
	l := p.cfg.Layout(node)
	cmd := remote.CommandLine(l.Executable("pg_ctl"), "stop", "-D", l.Data, "-m", "fast", "-w", "-t", "60")
	if _, err := p.run(ctx, node, cmd); remote.IgnoreAbsent(err) != nil {
		return errors.Wrap(err, "pg_ctl stop")
	}
	return nil
}

// Kill terminates any server running from node's data directory, graceful or not.
func (p *Postgres) Kill(ctx context.Context, node cluster.Node) error {
	pid := remote.Quote(p.cfg.Layout(node).Data + "/postmaster.pid")
	script := fmt.Sprintf("test -f %[1]s && kill -9 $(head -n 1 %[1]s)", pid)
	if _, err := p.root(ctx, node, script); remote.IgnoreAbsent(err) != nil {
		return errors.Wrap(err, "kill postgres")
	}
	return nil
}

// Probe returns the readiness probe for node.
func (p *Postgres) Probe(node cluster.Node) probe.Probe {
	return probe.Probe{
		Command:    p.cfg.Layout(node).Executable("pg_isready"),
		Args:       []string{"-h", "127.0.0.1", "-p", strconv.Itoa(Port(node)), "-t", "2"},
		Classifier: Classifier(),
	}
}

// Classifier maps pg_isready output to readiness outcomes.
func Classifier() probe.Classifier {
	return probe.Classifier{Rules: []probe.Rule{
		{Substring: "accepting connections", Outcome: probe.Ready},
		{Substring: "rejecting connections", Outcome: probe.Starting},
		{Substring: "no response", Outcome: probe.Crashed},
		{Substring: "no attempt", Outcome: probe.Unknown},
	}}
}

// DSN returns a connection string for node.
func (c Config) DSN(node cluster.Node) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(node.Address, strconv.Itoa(Port(node))),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}
