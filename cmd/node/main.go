// Package main implements the batchgrid node service, which runs partitions
// and remote chunks of the customer job on behalf of the coordinator.
//
// The node is a worker in the batchgrid cluster, responsible for:
//   - Registering with the coordinator
//   - Running partition requests posted to /executions/run
//   - Consuming remote chunks from the broker, when one is configured
//   - Reporting execution records back through the coordinator API
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /executions/run - Partition requests │
//	│    /health         - Health check       │
//	│    /info           - Node information   │
//	│    /metrics        - Prometheus         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    RequestHandler  - Runs partitions    │
//	│    ChunkWorker     - Runs remote chunks │
//	│    Registration    - Coordinator link   │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	BATCHGRID_NODE_ID=node-1 \
//	BATCHGRID_NODE_LISTEN=:8081 \
//	BATCHGRID_COORDINATOR_URL=http://localhost:8080 \
//	./node serve
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
		Use:          "node",
		Short:        "Run batchgrid partitions and remote chunks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Register with the coordinator and serve work until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	})
	return root
}

// serve runs the node until ctx is done:
//  1. load the config and build the logger
//  2. open the customer database
//  3. wire the request handler and, with a broker, the chunk worker
//  4. register with the coordinator, retrying with backoff
//  5. serve HTTP and consume chunks until shutdown
func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Database, err)
	}
	defer db.Close()

	n, err := newNode(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		n.withQueues(
			redisq.New[cluster.ChunkRequest](client, redisq.RequestKey(cfg.Redis.Prefix)),
			redisq.New[cluster.ChunkReply](client, redisq.ReplyKey(cfg.Redis.Prefix)),
		)
	}
	return n.run(ctx)
}

// loggerFor tags every entry with the node ID
func loggerFor(logger *zap.Logger, id string) *zap.Logger {
	return logger.With(zap.String("service", "node"), zap.String("node_id", id))
}
