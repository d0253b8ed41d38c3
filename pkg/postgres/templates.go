package postgres

import (
	"bytes"
	"text/template"

	"github.com/pkg/errors"

	"pgcluster/pkg/cluster"
)

var confTemplate = template.Must(template.New("postgresql.conf").Parse(`# managed by pgcluster; node {{.Node}} ({{.Role}})
data_directory = '{{.Data}}'
hba_file = '{{.HBA}}'
listen_addresses = '*'
port = {{.Port}}
max_connections = {{.MaxConnections}}
shared_buffers = {{.SharedBuffers}}
effective_cache_size = {{.CacheSize}}
default_transaction_isolation = '{{.Isolation}}'
wal_level = replica
max_wal_senders = 10
wal_keep_size = 256MB
hot_standby = on
fsync = on
logging_collector = off
log_line_prefix = '%m [%p] '
log_min_messages = warning
{{- if .Replica}}
hot_standby_feedback = on
{{- end}}
`))

var hbaTemplate = template.Must(template.New("pg_hba.conf").Parse(`# managed by pgcluster
local   all          all                  trust
host    all          all          127.0.0.1/32   {{.Auth}}
host    all          all          ::1/128        {{.Auth}}
host    all          all          0.0.0.0/0      {{.Auth}}
host    replication  all          0.0.0.0/0      {{.Auth}}
host    replication  all          127.0.0.1/32   {{.Auth}}
`))

type confData struct {
	Node           string
	Role           cluster.Role
	Data           string
	HBA            string
	Port           int
	MaxConnections int
	SharedBuffers  string
	CacheSize      string
	Isolation      string
	Replica        bool
}

// RenderConf returns postgresql.conf for node. Replicas get smaller memory settings.
func (c Config) RenderConf(node cluster.Node) ([]byte, error) {
	iso, ok := IsolationSQL(c.Isolation)
	if !ok {
		return nil, errors.Errorf("unknown isolation level %q", c.Isolation)
	}
	l := c.Layout(node)
	d := confData{
		Node:           node.ID,
		Role:           node.Role,
		Data:           l.Data,
		HBA:            l.HBA,
		Port:           Port(node),
		MaxConnections: c.MaxConnections,
		SharedBuffers:  c.LeaderSharedBuffers,
		CacheSize:      c.LeaderCacheSize,
		Isolation:      iso,
	}
	if !node.IsLeader() {
		d.SharedBuffers = c.ReplicaSharedBuffers
		d.CacheSize = c.ReplicaCacheSize
		d.Replica = true
	}
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, d); err != nil {
		return nil, errors.Wrap(err, "render postgresql.conf")
	}
	return buf.Bytes(), nil
}

// RenderHBA returns pg_hba.conf. Password auth is used once a password is configured.
func (c Config) RenderHBA() ([]byte, error) {
	auth := "trust"
	if c.Password != "" {
		auth = "scram-sha-256"
	}
	var buf bytes.Buffer
	if err := hbaTemplate.Execute(&buf, struct{ Auth string }{auth}); err != nil {
		return nil, errors.Wrap(err, "render pg_hba.conf")
	}
	return buf.Bytes(), nil
}
