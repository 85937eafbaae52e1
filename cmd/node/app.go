package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/config"
	"github.com/dreamware/shardfollow/internal/follow"
	"github.com/dreamware/shardfollow/internal/logger"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/node"
	"github.com/dreamware/shardfollow/internal/remote"
	"github.com/dreamware/shardfollow/internal/settings"
	"github.com/dreamware/shardfollow/internal/shard"
	"github.com/dreamware/shardfollow/internal/storage"
	"github.com/dreamware/shardfollow/internal/transport"
)

// App is a fully wired node: local shards and actions, remote cluster
// connections, the follow task executor and the HTTP surface.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	settings *settings.Registry

	stateStore storage.Store
	node       *node.Node
	resolver   *remote.Resolver
	executor   *follow.Executor
	metrics    *prometheus.Registry
	handler    http.Handler
}

// NodeInfo is the body served on /info.
type NodeInfo struct {
	Node        cluster.NodeInfo  `json:"node"`
	ClusterName string            `json:"cluster_name"`
	Remotes     []string          `json:"remotes"`
	Shards      []shard.ShardInfo `json:"shards"`
	Tasks       []follow.Status   `json:"tasks"`
}

// NewApp builds every component from cfg and creates the configured
// indices. Follow tasks are only started by Run.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   log.With(logger.NodeID(cfg.Node.ID)),
		settings: settings.DefaultRegistry(),
		metrics:  prometheus.NewRegistry(),
	}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Node.DataDir != "" {
		st, err := storage.OpenBoltStore(filepath.Join(cfg.Node.DataDir, "cluster_state.db"))
		if err != nil {
			return nil, fmt.Errorf("open cluster state: %w", err)
		}
		a.stateStore = st
	}
	meta, err := metadata.NewService(cfg.Node.ClusterName, a.settings, a.stateStore, a.logger)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.node, err = node.New(node.Config{
		Info:                cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.Listen, Roles: cfg.NodeRoles()},
		DataDir:             cfg.Node.DataDir,
		RequireSystemLeases: cfg.Node.RequireSystemLeases,
	}, meta, a.logger)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	if err := a.createIndices(); err != nil {
		return nil, multierr.Append(err, a.Close())
	}

	a.resolver = remote.NewResolver(a.node.Registry(), a.dial, cfg.CCR.RemoteIdleTimeout, a.logger)
	for alias, seeds := range cfg.Remotes {
		a.resolver.SetRemote(alias, seeds)
	}

	fm, err := follow.NewMetrics(a.metrics)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.executor = follow.NewExecutor(follow.Config{
		NodeID:                      cfg.Node.ID,
		ClusterName:                 cfg.Node.ClusterName,
		Resolver:                    a.resolver,
		Local:                       meta,
		Settings:                    a.settings,
		RetentionLeaseRenewInterval: cfg.CCR.RetentionLeaseRenewInterval,
		WaitForMetadataTimeout:      cfg.CCR.WaitForMetadataTimeout,
		Metrics:                     fm,
		Logger:                      a.logger,
	})

	a.handler = transport.NewRouter(a.node.Registry(), a.logger, func(r chi.Router) {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
		r.Get("/info", a.handleInfo)
	})
	return a, nil
}

func (a *App) dial(_ string, seeds []string) (action.Executor, error) {
	if len(seeds) == 0 {
		return nil, errors.New("no seeds")
	}
	return transport.NewClient(seeds, a.cfg.CCR.RemoteTimeout), nil
}

func (a *App) createIndices() error {
	for _, idx := range a.cfg.Indices {
		if _, err := a.node.Metadata().IndexByName(idx.Name); err == nil {
			continue
		}
		if _, err := a.node.CreateIndex(metadata.CreateIndexRequest{
			Name:           idx.Name,
			NumberOfShards: idx.Shards,
			Settings:       cluster.Settings(idx.Settings),
		}); err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

// Handler serves actions, health, info and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Node returns the local node.
func (a *App) Node() *node.Node { return a.node }

// Executor returns the follow task executor.
func (a *App) Executor() *follow.Executor { return a.executor }

// Run serves on ln, starts the configured follow tasks and trims shard
// history until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Node.ShutdownTimeout)
		defer cancel()
		a.executor.Close()
		return srv.Shutdown(shutdownCtx)
	})
	for _, f := range a.cfg.Follow {
		f := f
		g.Go(func() error {
			if err := a.followIndex(ctx, f); err != nil && ctx.Err() == nil {
				a.logger.Error("cannot follow index",
					zap.String("leader_index", f.LeaderIndex),
					zap.String("follower_index", f.FollowerIndex),
					logger.RemoteCluster(f.Remote),
					zap.Error(err))
			}
			return nil
		})
	}
	if a.cfg.Node.TrimInterval > 0 {
		g.Go(func() error {
			a.trimLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (a *App) trimLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.Node.TrimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.node.TrimHistory(); n > 0 {
				a.logger.Debug("trimmed shard history", zap.String("operations", humanize.Comma(int64(n))))
			}
		}
	}
}

func (a *App) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := NodeInfo{
		Node:        a.node.Info(),
		ClusterName: a.cfg.Node.ClusterName,
		Remotes:     a.resolver.Aliases(),
		Shards:      a.node.Shards(),
		Tasks:       a.executor.Tasks(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		a.logger.Warn("write info response", zap.Error(err))
	}
}

// Close stops the follow tasks and releases storage.
func (a *App) Close() error {
	if a.executor != nil {
		a.executor.Close()
	}
	if a.resolver != nil {
		a.resolver.Close()
	}
	var err error
	if a.node != nil {
		err = multierr.Append(err, a.node.Close())
	}
	if a.stateStore != nil {
		err = multierr.Append(err, a.stateStore.Close())
	}
	return err
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
