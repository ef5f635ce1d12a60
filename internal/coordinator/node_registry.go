package coordinator

import (
	"errors"
	"strings"
	"sync"

	"github.com/lafikl/consistent"
	"golang.org/x/exp/slices"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/metrics"
)

// ErrNoNodes is returned when routing is attempted with no registered node.
var ErrNoNodes = errors.New("no worker nodes registered")

// NodeRegistry tracks the worker nodes that can run partitions and routes
// each execution to one of them through a consistent hash ring.
//
// The ring keeps routing stable while membership changes:
//   - A registered node takes over only part of the key space
//   - A removed node's keys move to its ring neighbours, the rest stay put
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│            NodeRegistry              │
//	├──────────────────────────────────────┤
//	│  nodes: map[nodeID]→NodeInfo         │
//	│  ring:  consistent hash of node IDs  │
//	│  mu:    RWMutex for thread safety    │
//	├──────────────────────────────────────┤
//	│  execution 17 → "17" → ring → node-2 │
//	└──────────────────────────────────────┘
//
// Concurrency Model:
//   - Lookups use RLock and may run in parallel
//   - Register and Remove take the write lock
//   - Returned NodeInfo values are copies
type NodeRegistry struct {
	mu      sync.RWMutex
	nodes   map[string]cluster.NodeInfo
	ring    *consistent.Consistent
	metrics *metrics.Metrics
}

// NewNodeRegistry creates an empty registry. m may be nil.
func NewNodeRegistry(m *metrics.Metrics) *NodeRegistry {
	return &NodeRegistry{
		nodes:   make(map[string]cluster.NodeInfo),
		ring:    consistent.New(),
		metrics: m,
	}
}

// Register adds or updates a node. Re-registering an existing ID replaces
// its address without moving any keys. Reports whether the node is new.
func (r *NodeRegistry) Register(node cluster.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.nodes[node.ID]
	r.nodes[node.ID] = node
	if !exists {
		r.ring.Add(node.ID)
	}
	r.metrics.SetHealthyNodes(len(r.nodes))
	return !exists
}

// Remove drops a node from routing. Reports whether it was registered.
func (r *NodeRegistry) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return false
	}
	delete(r.nodes, nodeID)
	r.ring.Remove(nodeID)
	r.metrics.SetHealthyNodes(len(r.nodes))
	return true
}

// Get returns the node with the given ID.
func (r *NodeRegistry) Get(nodeID string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// List returns every registered node ordered by ID.
func (r *NodeRegistry) List() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered nodes.
func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// NodeFor returns the owner of key on the hash ring.
func (r *NodeRegistry) NodeFor(key string) (cluster.NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return cluster.NodeInfo{}, ErrNoNodes
	}
	id, err := r.ring.Get(key)
	if err != nil {
		return cluster.NodeInfo{}, err
	}
	return r.nodes[id], nil
}
