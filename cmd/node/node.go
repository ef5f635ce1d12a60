package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/config"
	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/customer"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/metrics"
	"github.com/dreamware/batchgrid/internal/worker"
)

// Node is one worker process. Partition requests arrive over HTTP and are
// recorded through the coordinator's execution API; remote chunks arrive
// through the broker queues.
type Node struct {
	// ID uniquely identifies this node in the cluster. Generated when the
	// config leaves it empty.
	ID string

	// addr is the base URL the coordinator uses to reach this node
	addr string

	cfg    config.Config
	logger *zap.Logger

	locator  *worker.StepLocator
	handler  *worker.RequestHandler
	runs     *worker.RunHandler
	chunks   *worker.ChunkWorker[customer.Customer, customer.Customer]
	gatherer prometheus.Gatherer

	requests cluster.Receiver[cluster.ChunkRequest]
	replies  cluster.Sender[cluster.ChunkReply]
}

// newNode wires the step locator, request handler and chunk worker. Accepted
// partitions run under ctx.
func newNode(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*Node, error) {
	id := cfg.Node.ID
	if id == "" {
		id = "node-" + uuid.NewString()
	}
	logger = loggerFor(logger, id)
	if err := customer.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	settings := customer.Settings{
		ChunkSize:  cfg.Job.ChunkSize,
		FetchSize:  cfg.Job.FetchSize,
		Policy:     cfg.Job.Policy(),
		ExportPath: cfg.Job.ExportPath,
		DateLayout: cfg.Job.DateLayout,
		Logger:     logger,
		Metrics:    m,
	}

	locator, err := worker.NewStepLocator()
	if err != nil {
		return nil, err
	}
	if err := customer.Register(locator, db, settings); err != nil {
		return nil, err
	}
	repo := execution.NewClient(cfg.Node.CoordinatorURL)
	handler := worker.NewRequestHandler(locator, repo, worker.WithLogger(logger), worker.WithMetrics(m))

	chunks, err := customer.NewCopyChunkWorker(db, settings,
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithReplyCacheSize(int64(cfg.Node.ReplyCacheSize)))
	if err != nil {
		return nil, err
	}

	addr := cfg.Node.Advertise
	if addr == "" {
		addr = advertiseFrom(cfg.Node.Listen)
	}
	return &Node{
		ID:       id,
		addr:     addr,
		cfg:      cfg,
		logger:   logger,
		locator:  locator,
		handler:  handler,
		runs:     worker.NewRunHandler(ctx, handler, logger),
		chunks:   chunks,
		gatherer: reg,
	}, nil
}

func (n *Node) withQueues(requests cluster.Receiver[cluster.ChunkRequest], replies cluster.Sender[cluster.ChunkReply]) {
	n.requests, n.replies = requests, replies
}

// advertiseFrom derives a reachable URL from a listen address such as ":8081"
func advertiseFrom(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(coordinator.RunPath, n.runs)
	mux.HandleFunc("/info", n.handleInfo)
	mux.Handle("/metrics", promhttp.HandlerFor(n.gatherer, promhttp.HandlerOpts{}))
	return mux
}

type nodeInfo struct {
	NodeID           string   `json:"node_id"`
	Addr             string   `json:"addr"`
	Steps            []string `json:"steps"`
	ActivePartitions int64    `json:"active_partitions"`
	RemoteChunking   bool     `json:"remote_chunking"`
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, nodeInfo{
		NodeID:           n.ID,
		Addr:             n.addr,
		Steps:            n.locator.Names(),
		ActivePartitions: n.handler.Active(),
		RemoteChunking:   n.requests != nil,
	})
}

// run serves HTTP, registers and consumes remote chunks until ctx is done or
// one of them fails. Partitions already accepted finish before run returns.
func (n *Node) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              n.cfg.Node.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("node listening", zap.String("listen", httpSrv.Addr), zap.String("addr", n.addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return register(gctx, n.cfg.Node.CoordinatorURL, n.ID, n.addr, n.cfg.Node.RegisterWait, n.logger)
	})
	if n.requests != nil && n.replies != nil {
		g.Go(func() error {
			return n.chunks.Run(gctx, n.requests, n.replies)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err := g.Wait()
	n.runs.Wait()
	n.chunks.Close()
	n.logger.Info("node stopped")
	return err
}

// register announces the node to the coordinator, retrying with exponential
// backoff for up to maxWait. A 4xx answer is not retried.
func register(ctx context.Context, coord, id, addr string, maxWait time.Duration, logger *zap.Logger) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	url := strings.TrimRight(coord, "/") + "/register"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	attempt := 0
	op := func() error {
		attempt++
		err := cluster.PostJSON(ctx, url, body, nil)
		var httpErr *cluster.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("register retry", zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("register with coordinator %s: %w", coord, err)
	}
	logger.Info("registered with coordinator", zap.String("coordinator", coord), zap.Int("attempts", attempt))
	return nil
}
