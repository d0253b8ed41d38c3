package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	runsPrefix = "runs/"
	latestKey  = "latest"
)

// Run status values.
const (
	RunStarting = "starting"
	RunReady    = "ready"
	RunFailed   = "failed"
	RunTornDown = "torn-down"
)

// RunRecord describes one setup of a cluster.
type RunRecord struct {
	ID         string    `json:"id" yaml:"id"`
	Leader     string    `json:"leader" yaml:"leader"`
	Nodes      []string  `json:"nodes" yaml:"nodes"`
	Status     string    `json:"status" yaml:"status"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// NodeRecord is the last known state of one node in a run.
type NodeRecord struct {
	Node      string    `json:"node" yaml:"node"`
	Role      string    `json:"role" yaml:"role"`
	Phase     string    `json:"phase" yaml:"phase"`
	Fault     string    `json:"fault,omitempty" yaml:"fault,omitempty"`
	LogFile   string    `json:"log_file" yaml:"log_file"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunStore keeps run and node records in a Store.
type RunStore struct {
	store Store
	ttl   time.Duration
}

// NewRunStore wraps store. Records expire after ttl; zero keeps them forever.
func NewRunStore(store Store, ttl time.Duration) *RunStore {
	return &RunStore{store: store, ttl: ttl}
}

func runKey(id string) string        { return runsPrefix + id + "/meta" }
func nodeKey(id, node string) string { return runsPrefix + id + "/nodes/" + node }

// SaveRun stores r and marks it as the latest run.
func (s *RunStore) SaveRun(ctx context.Context, r RunRecord) error {
	if err := s.put(ctx, runKey(r.ID), r); err != nil {
		return errors.Wrapf(err, "save run %s", r.ID)
	}
	if err := s.store.Set(ctx, latestKey, []byte(r.ID), s.ttl); err != nil {
		return errors.Wrap(err, "save latest run")
	}
	return nil
}

// Run loads a run record.
func (s *RunStore) Run(ctx context.Context, id string) (RunRecord, bool, error) {
	var r RunRecord
	ok, err := s.get(ctx, runKey(id), &r)
	return r, ok, errors.Wrapf(err, "load run %s", id)
}

// Latest returns the ID of the most recently saved run.
func (s *RunStore) Latest(ctx context.Context) (string, bool, error) {
	v, ok, err := s.store.Get(ctx, latestKey)
	if err != nil || !ok {
		return "", false, errors.Wrap(err, "load latest run")
	}
	return string(v), true, nil
}

// Runs lists stored run IDs in key order.
func (s *RunStore) Runs(ctx context.Context) ([]string, error) {
	keys, err := s.store.Keys(ctx, runsPrefix, 0)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	var ids []string
	for _, k := range keys {
		if id, ok := strings.CutSuffix(strings.TrimPrefix(k, runsPrefix), "/meta"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SaveNode stores the record of one node in run id.
func (s *RunStore) SaveNode(ctx context.Context, id string, n NodeRecord) error {
	return errors.Wrapf(s.put(ctx, nodeKey(id, n.Node), n), "save node %s", n.Node)
}

// Nodes returns every node record of run id, ordered by node.
func (s *RunStore) Nodes(ctx context.Context, id string) ([]NodeRecord, error) {
	keys, err := s.store.Keys(ctx, nodeKey(id, ""), 0)
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	out := make([]NodeRecord, 0, len(keys))
	for _, k := range keys {
		var n NodeRecord
		ok, err := s.get(ctx, k, &n)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", k)
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// DeleteRun removes a run and its node records.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	keys, err := s.store.Keys(ctx, runsPrefix+id+"/", 0)
	if err != nil {
		return errors.Wrap(err, "list run keys")
	}
	if latest, ok, err := s.Latest(ctx); err == nil && ok && latest == id {
		keys = append(keys, latestKey)
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = s.store.Delete(ctx, keys...)
	return errors.Wrapf(err, "delete run %s", id)
}

// Prune deletes every run except the latest and returns the deleted IDs.
func (s *RunStore) Prune(ctx context.Context) ([]string, error) {
	ids, err := s.Runs(ctx)
	if err != nil {
		return nil, err
	}
	latest, _, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, id := range ids {
		if id == latest {
			continue
		}
		if err := s.DeleteRun(ctx, id); err != nil {
			return pruned, err
		}
		pruned = append(pruned, id)
	}
	return pruned, nil
}

func (s *RunStore) put(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, b, s.ttl)
}

func (s *RunStore) get(ctx context.Context, key string, v interface{}) (bool, error) {
	b, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}
