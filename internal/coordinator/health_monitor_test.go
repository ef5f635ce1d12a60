package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/batchgrid/internal/cluster"
)

// TestNewHealthMonitor verifies the defaults of a fresh monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.httpClient)
	assert.Empty(t, monitor.GetAllNodeHealth())
}

// TestHealthMonitorMarksUnhealthyOnce verifies that a node is reported after
// maxFailures consecutive failures and only once while it stays down.
func TestHealthMonitorMarksUnhealthyOnce(t *testing.T) {
	monitor := NewHealthMonitor(time.Second, WithMaxFailures(2))

	var (
		mu       sync.Mutex
		down     = map[string]bool{"node-2": true}
		reported []string
	)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if down[addr] {
			return errors.New("connection refused")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(id string) {
		mu.Lock()
		reported = append(reported, id)
		mu.Unlock()
	})

	nodes := []cluster.NodeInfo{{ID: "node-1", Addr: "node-1"}, {ID: "node-2", Addr: "node-2"}}
	ctx := context.Background()

	monitor.CheckAll(ctx, nodes)
	assert.True(t, monitor.IsHealthy("node-1"))
	assert.False(t, monitor.IsHealthy("node-2"))
	assert.Equal(t, HealthUnknown, monitor.GetNodeHealth("node-2").Status)
	assert.Empty(t, reported)

	monitor.CheckAll(ctx, nodes)
	monitor.CheckAll(ctx, nodes)
	assert.Equal(t, []string{"node-2"}, reported)
	h := monitor.GetNodeHealth("node-2")
	require.NotNil(t, h)
	assert.Equal(t, HealthUnhealthy, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFails)

	// Recovery resets the counter
	mu.Lock()
	down["node-2"] = false
	mu.Unlock()
	monitor.CheckAll(ctx, nodes)
	assert.True(t, monitor.IsHealthy("node-2"))
	assert.Zero(t, monitor.GetNodeHealth("node-2").ConsecutiveFails)
}

// TestHealthMonitorForgetsRemovedNodes verifies that nodes missing from the
// provider are dropped from tracking.
func TestHealthMonitorForgetsRemovedNodes(t *testing.T) {
	monitor := NewHealthMonitor(time.Second)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	monitor.CheckAll(context.Background(), []cluster.NodeInfo{{ID: "a"}, {ID: "b"}})
	assert.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.CheckAll(context.Background(), []cluster.NodeInfo{{ID: "b"}})
	all := monitor.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "b")
	assert.Nil(t, monitor.GetNodeHealth("a"))
}

// TestHealthMonitorStartTicks drives Start with a fake clock.
func TestHealthMonitorStartTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	monitor := NewHealthMonitor(5*time.Second, WithHealthClock(clock))

	checks := make(chan string, 16)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		checks <- addr
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Start(ctx, func() []cluster.NodeInfo {
			return []cluster.NodeInfo{{ID: "n1", Addr: "http://n1"}}
		})
	}()

	// Immediate check on start
	assert.Equal(t, "http://n1", <-checks)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(5 * time.Second)
	assert.Equal(t, "http://n1", <-checks)

	cancel()
	<-done
	assert.True(t, monitor.IsHealthy("n1"))
}

// TestDefaultHealthCheck exercises the HTTP check against a real server.
func TestDefaultHealthCheck(t *testing.T) {
	healthy := atomic.NewBool(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	monitor := NewHealthMonitor(time.Second)
	ctx := context.Background()

	assert.NoError(t, monitor.defaultHealthCheck(ctx, srv.URL))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, srv.URL+"/health"))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, strings.TrimPrefix(srv.URL, "http://")))

	healthy.Store(false)
	err := monitor.defaultHealthCheck(ctx, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	srv.Close()
	assert.Error(t, monitor.defaultHealthCheck(ctx, srv.URL))
}
