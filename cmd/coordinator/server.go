package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/config"
	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/customer"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/execution/sqlrepo"
	"github.com/dreamware/batchgrid/internal/metrics"
	"github.com/dreamware/batchgrid/internal/worker"
)

type server struct {
	ctx    context.Context
	cfg    config.Config
	logger *zap.Logger
	db     *sql.DB

	repo       *sqlrepo.Repository
	registry   *coordinator.NodeRegistry
	partitions *coordinator.PartitionCoordinator
	launcher   *worker.Launcher
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Remote chunking queues; nil when no broker is configured
	requests cluster.Sender[cluster.ChunkRequest]
	replies  cluster.Receiver[cluster.ChunkReply]

	// One remote job at a time: every job shares the reply queue
	remoteBusy *atomic.Bool
	jobs       sync.WaitGroup
}

// newServer prepares the schema and wires the coordinator components.
// Background jobs run under ctx.
func newServer(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*server, error) {
	repo, err := sqlrepo.New(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("execution repository: %w", err)
	}
	if err := customer.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := coordinator.NewNodeRegistry(m)
	s := &server{
		ctx:        ctx,
		cfg:        cfg,
		logger:     logger,
		db:         db,
		repo:       repo,
		registry:   registry,
		metrics:    m,
		gatherer:   reg,
		remoteBusy: atomic.NewBool(false),
	}
	s.partitions = coordinator.NewPartitionCoordinator(repo,
		coordinator.NewHTTPDispatcher(registry, logger),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m))
	s.launcher = worker.NewLauncher(repo, worker.WithLogger(logger), worker.WithMetrics(m))
	return s, nil
}

func (s *server) withQueues(requests cluster.Sender[cluster.ChunkRequest], replies cluster.Receiver[cluster.ChunkReply]) {
	s.requests, s.replies = requests, replies
}

func (s *server) settings() customer.Settings {
	return customer.Settings{
		ChunkSize:  s.cfg.Job.ChunkSize,
		FetchSize:  s.cfg.Job.FetchSize,
		Policy:     s.cfg.Job.Policy(),
		ExportPath: s.cfg.Job.ExportPath,
		DateLayout: s.cfg.Job.DateLayout,
		Logger:     s.logger,
		Metrics:    s.metrics,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	executions := execution.NewHandler(s.repo, s.logger)
	mux.Handle("/executions", executions)
	mux.Handle("/executions/", executions)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/jobs/copy", s.handleCopy)
	mux.HandleFunc("/jobs/remote-copy", s.handleRemoteCopy)
	mux.HandleFunc("/jobs/export", s.handleExport)
	return mux
}

// serve runs the HTTP API and the health monitor until ctx is done, then
// drains the server and waits for running jobs
func (s *server) serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Coordinator.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	monitor := coordinator.NewHealthMonitor(s.cfg.Coordinator.HealthInterval,
		coordinator.WithHealthLogger(s.logger),
		coordinator.WithMaxFailures(s.cfg.Coordinator.HealthMaxFailures))
	monitor.SetOnUnhealthy(s.evict)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("coordinator listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		monitor.Start(gctx, s.registry.List)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Coordinator.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err := g.Wait()
	s.jobs.Wait()
	s.logger.Info("coordinator stopped")
	return err
}

func (s *server) evict(nodeID string) {
	if s.registry.Remove(nodeID) {
		s.logger.Warn("node evicted", zap.String("node_id", nodeID), zap.Int("remaining", s.registry.Len()))
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if s.registry.Register(req.Node) {
		s.logger.Info("node registered", zap.String("node_id", req.Node.ID), zap.String("addr", req.Node.Addr))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registry.List()})
}

// handleCopy starts the partitioned customer copy and returns at once; the
// parent execution is visible under /executions
func (s *server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.registry.Len() == 0 {
		http.Error(w, coordinator.ErrNoNodes.Error(), http.StatusServiceUnavailable)
		return
	}

	job := customer.CopyJob(s.db, s.cfg.Job.GridSize, s.cfg.Job.PollInterval, s.cfg.Job.Timeout)
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.partitions.Execute(s.ctx, job)
	}()
	cluster.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job.StepName, "accepted": true})
}

// handleRemoteCopy reads customers here and ships chunks to the nodes
// through the broker
func (s *server) handleRemoteCopy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.requests == nil || s.replies == nil {
		http.Error(w, "remote chunking needs a broker", http.StatusServiceUnavailable)
		return
	}
	if !s.remoteBusy.CompareAndSwap(false, true) {
		http.Error(w, "a remote job is already running", http.StatusConflict)
		return
	}

	jobID := uuid.NewString()
	step := customer.NewRemoteCopy(s.db, s.settings(), s.cfg.Job.Remote(jobID), s.requests, s.replies,
		coordinator.WithLogger(s.logger), coordinator.WithMetrics(s.metrics))
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.remoteBusy.Store(false)
		if _, _, err := s.launcher.Launch(s.ctx, step, jobID); err != nil {
			s.logger.Error("remote copy failed to launch", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	cluster.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "accepted": true})
}

type exportRequest struct {
	Key string `json:"key"`
}

type exportResponse struct {
	ExecutionID  execution.ID     `json:"execution_id"`
	Status       execution.Status `json:"status"`
	ItemsWritten int64            `json:"items_written"`
	ItemsSkipped int64            `json:"items_skipped"`
	Cause        string           `json:"cause,omitempty"`
}

// handleExport runs the export step synchronously under the given key
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Job.ExportPath == "" {
		http.Error(w, "no export path configured", http.StatusServiceUnavailable)
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	id, res, err := s.launcher.Launch(r.Context(), customer.NewExportStep(s.db, s.settings()), req.Key)
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning), errors.Is(err, worker.ErrAlreadyComplete):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("export failed", zap.String("key", req.Key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, exportResponse{
		ExecutionID:  id,
		Status:       res.Status,
		ItemsWritten: res.ItemsWritten,
		ItemsSkipped: res.ItemsSkipped,
		Cause:        res.FailureCause,
	})
}
