package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
)

// HealthStatus is the last known state of a node.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time    // Timestamp of the last health check attempt
	LastHealthy      time.Time    // Timestamp of the last successful health check
	NodeID           string       // Unique identifier of the node
	Status           HealthStatus // Current status
	ConsecutiveFails int          // Number of consecutive failed health checks
}

// HealthMonitor performs periodic health checks on all registered worker
// nodes. A node that fails maxFailures checks in a row is reported through
// the unhealthy callback, which normally removes it from the NodeRegistry so
// no further partitions are routed to it. Work already dispatched to it is
// left alone; the repository records its fate.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	clock       clockwork.Clock
	logger      *zap.Logger
	interval    time.Duration
	mu          sync.RWMutex
	maxFailures int
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithHealthClock sets the clock driving the check ticker.
func WithHealthClock(c clockwork.Clock) HealthOption {
	return func(h *HealthMonitor) { h.clock = c }
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l *zap.Logger) HealthOption {
	return func(h *HealthMonitor) { h.logger = l }
}

// WithMaxFailures sets how many consecutive failures mark a node unhealthy.
func WithMaxFailures(n int) HealthOption {
	return func(h *HealthMonitor) { h.maxFailures = n }
}

// NewHealthMonitor creates a health monitor that checks each node's /health
// endpoint every interval. Nodes are marked unhealthy after 3 consecutive
// failures unless WithMaxFailures says otherwise.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, WithHealthLogger(logger))
//	monitor.SetOnUnhealthy(func(id string) { registry.Remove(id) })
//	go monitor.Start(ctx, registry.List)
func NewHealthMonitor(interval time.Duration, opts ...HealthOption) *HealthMonitor {
	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked once when a node turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP check, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start checks all nodes immediately and then on every tick until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckAll(ctx, nodeProvider())

	for {
		select {
		case <-ticker.Chan():
			h.CheckAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopped")
			return
		}
	}
}

// CheckAll checks the given nodes once and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debug("node removed from health monitoring", zap.String("node_id", nodeID))
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := h.clock.Now()
		health = &NodeHealth{NodeID: node.ID, Status: HealthUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(ctx, node.Addr)

	h.mu.Lock()
	health.LastCheck = h.clock.Now()
	var notify func(string)
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			zap.String("node_id", node.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			notify = h.onUnhealthy
			h.logger.Warn("node marked unhealthy", zap.String("node_id", node.ID))
		}
	} else {
		if health.Status == HealthUnhealthy {
			h.logger.Info("node recovered", zap.String("node_id", node.ID))
		}
		health.Status = HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	h.mu.Unlock()

	// Callback runs without the lock held
	if notify != nil {
		notify(node.ID)
	}
}

// defaultHealthCheck GETs <addr>/health and expects 200
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health, or nil if unknown.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every tracked node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether a node passed its last check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == HealthHealthy
}
