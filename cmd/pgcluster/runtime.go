package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"pgcluster/pkg/metrics"
	"pgcluster/pkg/orchestrator"
	"pgcluster/pkg/postgres"
	"pgcluster/pkg/remote"
	"pgcluster/pkg/server"
	"pgcluster/storage"
)

// runtime holds everything one command builds from the configuration.
type runtime struct {
	exec    remote.Executor
	closeFn func() error
	db      *postgres.Postgres
	orch    *orchestrator.Orchestrator
	store   storage.Store
	runs    *storage.RunStore
	metrics *metrics.Registry
}

func newExecutor() (remote.Executor, func() error, error) {
	if cfg.SSH.Local {
		return remote.LocalExecutor{}, func() error { return nil }, nil
	}
	e, err := remote.NewSSHExecutor(cfg.SSHConfig(), logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ssh executor")
	}
	return e, e.Close, nil
}

func openRuns() (storage.Store, *storage.RunStore, error) {
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open run store")
	}
	return store, storage.NewRunStore(store, cfg.Storage.RunTTL), nil
}

func newRuntime() (*runtime, error) {
	exec, closeFn, err := newExecutor()
	if err != nil {
		return nil, err
	}
	db := postgres.New(cfg.PostgresConfig(), exec, logger)
	orch, err := orchestrator.New(cfg.Specs(), cfg.Cluster.Leader, db, exec, cfg.Options(), logger)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	store, runs, err := openRuns()
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	orch.SetRunStore(runs)

	rt := &runtime{exec: exec, closeFn: closeFn, db: db, orch: orch, store: store, runs: runs}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewRegistry()
		orch.SetMetrics(rt.metrics)
	}
	return rt, nil
}

// serve runs the metrics endpoint and the status server until ctx is done.
func (rt *runtime) serve(ctx context.Context) {
	if rt.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, rt.metrics.Handler())
		srv := &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", srv.Addr).Str("path", cfg.Metrics.Path).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if cfg.Server.Enabled {
		status := server.NewServer(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, rt.orch.Topology(), logger)
		rt.orch.AddObserver(status)
		go func() {
			if err := status.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("status server")
			}
		}()
	}
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("close run store")
	}
	if err := rt.closeFn(); err != nil {
		logger.Warn().Err(err).Msg("close executor")
	}
}
