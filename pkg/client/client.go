// Package client opens connection pools to cluster nodes. Every statement
// declares whether it reads or writes, and the node's role decides whether it
// may run.
package client

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/postgres"
)

var ErrUnknownIsolation = errors.New("unknown isolation level")

var isoLevels = map[string]pgx.TxIsoLevel{
	postgres.Serializable:    pgx.Serializable,
	postgres.RepeatableRead:  pgx.RepeatableRead,
	postgres.ReadCommitted:   pgx.ReadCommitted,
	postgres.ReadUncommitted: pgx.ReadUncommitted,
}

// Client is a connection pool to one node.
type Client struct {
	node cluster.Node
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Rows is a fully read query result.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Connect opens a pool to node and verifies it answers.
func Connect(ctx context.Context, node cluster.Node, dsn string, log zerolog.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database URL")
	}
	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, "node %s unreachable", node.ID)
	}
	return &Client{node: node, pool: pool, log: log.With().Str("node", node.ID).Logger()}, nil
}

// Node returns the node this client talks to.
func (c *Client) Node() cluster.Node { return c.node }

func (c *Client) gate(intent cluster.Intent) error {
	if err := cluster.Gate(c.node.Role, intent); err != nil {
		return errors.Wrapf(err, "%s %s on %s", intent, c.node.Role, c.node.ID)
	}
	return nil
}

// Exec runs a statement and returns the number of rows it affected.
func (c *Client) Exec(ctx context.Context, intent cluster.Intent, sql string, args ...any) (int64, error) {
	if err := c.gate(intent); err != nil {
		return 0, err
	}
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.Wrap(err, "exec")
	}
	return tag.RowsAffected(), nil
}

// Query runs a statement and reads every row.
func (c *Client) Query(ctx context.Context, intent cluster.Intent, sql string, args ...any) (Rows, error) {
	if err := c.gate(intent); err != nil {
		return Rows{}, err
	}
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return Rows{}, errors.Wrap(err, "query")
	}
	return Collect(rows)
}

// Tx runs fn in a transaction at the named isolation level. Read intents run
// read-only transactions.
func (c *Client) Tx(ctx context.Context, intent cluster.Intent, isolation string, fn func(pgx.Tx) error) error {
	if err := c.gate(intent); err != nil {
		return err
	}
	opts, err := TxOptions(intent, isolation)
	if err != nil {
		return err
	}
	return pgx.BeginTxFunc(ctx, c.pool, opts, fn)
}

// TxOptions maps an intent and isolation selector to transaction options.
func TxOptions(intent cluster.Intent, isolation string) (pgx.TxOptions, error) {
	iso, ok := isoLevels[isolation]
	if !ok {
		return pgx.TxOptions{}, errors.Wrap(ErrUnknownIsolation, isolation)
	}
	mode := pgx.ReadWrite
	if intent == cluster.IntentRead {
		mode = pgx.ReadOnly
	}
	return pgx.TxOptions{IsoLevel: iso, AccessMode: mode}, nil
}

// Close closes the pool.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Collect drains rows into memory.
func Collect(rows pgx.Rows) (Rows, error) {
	defer rows.Close()
	var out Rows
	for _, f := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, f.Name)
	}
	values, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) ([]any, error) {
		return r.Values()
	})
	if err != nil {
		return Rows{}, errors.Wrap(err, "read rows")
	}
	out.Values = values
	return out, nil
}
