package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/config"
	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/customer"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/worker"
)

type fixture struct {
	srv *server
	ts  *httptest.Server
	db  *sql.DB
	cfg config.Config
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Job.ChunkSize = 7
	cfg.Job.FetchSize = 10
	cfg.Job.GridSize = 3
	cfg.Job.PollInterval = 10 * time.Millisecond
	cfg.Job.Timeout = time.Minute
	cfg.Job.ReceiveTimeout = 5 * time.Second
	return cfg
}

func newFixture(t *testing.T, cfg config.Config, rows int) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := newServer(ctx, cfg, db, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, seed(ctx, db, rows))

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		cancel()
		srv.jobs.Wait()
		ts.Close()
	})
	return &fixture{srv: srv, ts: ts, db: db, cfg: cfg}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// startNode serves partition requests the way a node does, recording
// through the coordinator's execution API
func (f *fixture) startNode(t *testing.T) cluster.NodeInfo {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := zaptest.NewLogger(t)

	locator, err := worker.NewStepLocator()
	require.NoError(t, err)
	require.NoError(t, customer.Register(locator, f.db, customer.Settings{
		ChunkSize: f.cfg.Job.ChunkSize,
		FetchSize: f.cfg.Job.FetchSize,
		Policy:    f.cfg.Job.Policy(),
		Logger:    logger,
	}))
	h := worker.NewRequestHandler(locator, execution.NewClient(f.ts.URL), worker.WithLogger(logger))
	runs := worker.NewRunHandler(ctx, h, logger)

	mux := http.NewServeMux()
	mux.Handle(coordinator.RunPath, runs)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		runs.Wait()
		ts.Close()
	})
	return cluster.NodeInfo{ID: "node-1", Addr: ts.URL}
}

func TestRegisterAndListNodes(t *testing.T) {
	f := newFixture(t, testConfig(t), 0)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing addr", http.MethodPost, `{"node":{"id":"n1"}}`, http.StatusBadRequest},
		{"registers", http.MethodPost, `{"node":{"id":"n1","addr":"http://127.0.0.1:9001"}}`, http.StatusNoContent},
		{"idempotent", http.MethodPost, `{"node":{"id":"n1","addr":"http://127.0.0.1:9001"}}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.ts.URL+"/register", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	var list struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), f.ts.URL+"/nodes", &list))
	assert.Equal(t, []cluster.NodeInfo{{ID: "n1", Addr: "http://127.0.0.1:9001"}}, list.Nodes)

	f.srv.evict("n1")
	assert.Zero(t, f.srv.registry.Len())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, testConfig(t), 0)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.srv.registry.Register(cluster.NodeInfo{ID: "n1", Addr: "http://x"})
	resp, err = http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "batchgrid_")
}

func TestCopyNeedsNodes(t *testing.T) {
	f := newFixture(t, testConfig(t), 10)

	resp := f.post(t, "/jobs/copy", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/jobs/copy", nil)
	require.NoError(t, err)
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, got.StatusCode)
}

func TestPartitionedCopyAcrossHTTP(t *testing.T) {
	f := newFixture(t, testConfig(t), 50)
	node := f.startNode(t)

	body, err := json.Marshal(cluster.RegisterRequest{Node: node})
	require.NoError(t, err)
	resp := f.post(t, "/register", string(body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.post(t, "/jobs/copy", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx := context.Background()
	var parent execution.Record
	require.Eventually(t, func() bool {
		rec, err := f.srv.repo.FindLatest(ctx, customer.CopyStep, "")
		if err != nil {
			return false
		}
		parent = rec
		return rec.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, execution.StatusCompleted, parent.Status, parent.FailureCause)
	assert.EqualValues(t, 50, parent.ItemsWritten)
	assert.Equal(t, 50, f.count(t, "new_customer"))

	children, err := f.srv.repo.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestExport(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 20)
	resp := f.post(t, "/jobs/export", `{"key":"daily"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no export path")

	cfg.Job.ExportPath = filepath.Join(t.TempDir(), "customers.jsonl")
	f = newFixture(t, cfg, 20)

	for run := 1; run <= 2; run++ {
		resp = f.post(t, "/jobs/export", `{"key":"daily"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, "run %d", run)

		var got exportResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, execution.StatusCompleted, got.Status)
		assert.EqualValues(t, 20, got.ItemsWritten)
	}

	data, err := os.ReadFile(cfg.Job.ExportPath)
	require.NoError(t, err)
	assert.Equal(t, 20, bytes.Count(data, []byte("\n")), "a rerun truncates the file")

	resp = f.post(t, "/jobs/export", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoteCopy(t *testing.T) {
	f := newFixture(t, testConfig(t), 30)
	resp := f.post(t, "/jobs/remote-copy", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no broker")

	requests := cluster.NewMemoryQueue[cluster.ChunkRequest]()
	replies := cluster.NewMemoryQueue[cluster.ChunkReply]()
	f.srv.withQueues(requests, replies)

	cw, err := customer.NewCopyChunkWorker(f.db, f.srv.settings(), worker.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Run(ctx, requests, replies) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		cw.Close()
	})

	f.srv.remoteBusy.Store(true)
	resp = f.post(t, "/jobs/remote-copy", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	f.srv.remoteBusy.Store(false)

	resp = f.post(t, "/jobs/remote-copy", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.JobID)

	var rec execution.Record
	require.Eventually(t, func() bool {
		r, err := f.srv.repo.FindLatest(context.Background(), customer.RemoteStep, accepted.JobID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status.Terminal() && !f.srv.remoteBusy.Load()
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, execution.StatusCompleted, rec.Status, rec.FailureCause)
	assert.EqualValues(t, 30, rec.ItemsWritten)
	assert.Equal(t, 30, f.count(t, "new_customer"))
}
