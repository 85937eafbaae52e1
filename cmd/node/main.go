// Package main implements the shardfollow node, a single process that hosts
// index shards and replicates indices from remote clusters.
//
// A node can be a leader (serving shard history and retention leases to
// followers), a follower (running shard follow tasks against a remote
// cluster) or both at once.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                    Node                      │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /health            - Health check         │
//	│    /info              - Node, shards, tasks  │
//	│    /metrics           - Prometheus metrics   │
//	│    /_action/{name}    - Cluster actions      │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    node.Node          - Shards and actions   │
//	│    remote.Resolver    - Remote cluster links │
//	│    follow.Executor    - Shard follow tasks   │
//	└──────────────────────────────────────────────┘
//
// Example usage:
//
//	# Leader cluster
//	NODE_ID=leader-1 NODE_LISTEN=:9300 CLUSTER_NAME=prod node run --config leader.yaml
//
//	# Follower cluster replicating "logs" from the leader
//	NODE_ID=dr-1 NODE_LISTEN=:9400 CLUSTER_NAME=dr node run --config follower.yaml
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/config"
	"github.com/dreamware/shardfollow/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "node",
		Short:         "Shard hosting and cross-cluster replication node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newConfigCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

// newConfigCommand prints the effective configuration, after defaults and
// environment overrides.
func newConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := NewApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.Listen, err)
	}
	err = app.Run(ctx, ln)
	log.Info("node stopped", zap.Error(err))
	return err
}
