// Package postgres is the PostgreSQL recipe: the commands that install,
// initialise, configure, start and stop a server on a node, and the fixed
// on-node file layout they share.
package postgres

import (
	"fmt"
	"path"

	"pgcluster/pkg/cluster"
)

// DefaultPort is used for nodes that do not set their own port.
const DefaultPort = 5432

// Isolation levels accepted by Config.Isolation.
const (
	Serializable    = "serializable"
	RepeatableRead  = "repeatable-read"
	ReadCommitted   = "read-committed"
	ReadUncommitted = "read-uncommitted"
)

var isolationSQL = map[string]string{
	Serializable:    "serializable",
	RepeatableRead:  "repeatable read",
	ReadCommitted:   "read committed",
	ReadUncommitted: "read uncommitted",
}

// Config describes how PostgreSQL is laid out and run on every node.
type Config struct {
	Version  string
	User     string
	Password string
	Database string
	// BaseDir holds the data directory, config files and logs.
	BaseDir string
	// PerNodeDirs places each node under BaseDir/<node id>, for several nodes on one host.
	PerNodeDirs bool
	// BinDir overrides the server binary directory.
	BinDir     string
	TarballURL string
	Isolation  string
	// RunAs runs server commands as User through sudo.
	RunAs bool

	LeaderSharedBuffers  string
	LeaderCacheSize      string
	ReplicaSharedBuffers string
	ReplicaCacheSize     string
	MaxConnections       int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Version:              "16",
		User:                 "postgres",
		Database:             "postgres",
		BaseDir:              "/var/lib/pgcluster",
		Isolation:            Serializable,
		RunAs:                true,
		LeaderSharedBuffers:  "128MB",
		LeaderCacheSize:      "512MB",
		ReplicaSharedBuffers: "32MB",
		ReplicaCacheSize:     "128MB",
		MaxConnections:       100,
	}
}

// IsolationSQL maps an isolation selector to its SQL spelling.
func IsolationSQL(name string) (string, bool) {
	s, ok := isolationSQL[name]
	return s, ok
}

// Layout is the set of paths PostgreSQL uses on one node.
type Layout struct {
	Base   string
	Data   string
	Conf   string
	HBA    string
	Log    string
	Stdout string
	Bin    string
}

// Executable returns the path of a server binary.
func (l Layout) Executable(name string) string { return path.Join(l.Bin, name) }

// Layout returns node's paths.
func (c Config) Layout(node cluster.Node) Layout {
	base := c.BaseDir
	if c.PerNodeDirs {
		base = path.Join(base, node.ID)
	}
	return Layout{
		Base:   base,
		Data:   path.Join(base, "data"),
		Conf:   path.Join(base, "postgresql.conf"),
		HBA:    path.Join(base, "pg_hba.conf"),
		Log:    path.Join(base, "postgres.log"),
		Stdout: path.Join(base, "pg_ctl.stdout"),
		Bin:    c.binDir(),
	}
}

func (c Config) binDir() string {
	switch {
	case c.BinDir != "":
		return c.BinDir
	case c.TarballURL != "":
		return path.Join(c.BaseDir, "dist", "bin")
	default:
		return fmt.Sprintf("/usr/lib/postgresql/%s/bin", c.Version)
	}
}

// Port returns the port node's server listens on.
func Port(node cluster.Node) int {
	if node.Port == 0 {
		return DefaultPort
	}
	return node.Port
}
