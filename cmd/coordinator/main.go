// Package main implements the batchgrid coordinator, which owns the execution
// repository, tracks worker nodes and drives the customer copy job.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                Coordinator                   │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /register, /nodes  - Node membership     │
//	│    /executions/...    - Execution records   │
//	│    /jobs/copy         - Partitioned copy    │
//	│    /jobs/remote-copy  - Remote chunking     │
//	│    /jobs/export       - JSON lines export   │
//	│    /health, /metrics  - Monitoring          │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    NodeRegistry        - Routing ring       │
//	│    HealthMonitor       - Evicts dead nodes  │
//	│    PartitionCoordinator- Fan out and poll   │
//	│    sqlrepo.Repository  - Durable records    │
//	└─────────────────────────────────────────────┘
//
// Example usage:
//
//	coordinator seed --count 10000
//	coordinator serve --config batchgrid.yaml
//	curl -X POST localhost:8080/jobs/copy
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/cluster/redisq"
	"github.com/dreamware/batchgrid/internal/config"
	"github.com/dreamware/batchgrid/internal/customer"
	"github.com/dreamware/batchgrid/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Coordinate partitioned and remote chunked batch jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(&cfgPath), newSeedCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the coordinator HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := newServer(ctx, cfg, db, logger)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				defer client.Close()
				srv.withQueues(
					redisq.New[cluster.ChunkRequest](client, redisq.RequestKey(cfg.Redis.Prefix)),
					redisq.New[cluster.ChunkReply](client, redisq.ReplyKey(cfg.Redis.Prefix)),
				)
			}
			return srv.serve(ctx)
		},
	}
}

func newSeedCmd(cfgPath *string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the customer tables and fill customer with generated rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := seed(cmd.Context(), db, count); err != nil {
				return err
			}
			logger.Info("customers seeded", zap.Int("count", count), zap.String("database", cfg.Database))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1000, "number of customers to generate")
	return cmd
}

func seed(ctx context.Context, db *sql.DB, count int) error {
	if count < 0 {
		return fmt.Errorf("count must not be negative, got %d", count)
	}
	if err := customer.EnsureSchema(ctx, db); err != nil {
		return err
	}
	return customer.Seed(ctx, db, count)
}

func setup(cfgPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.With(zap.String("service", "coordinator")), nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	return db, nil
}
