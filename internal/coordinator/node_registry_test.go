package coordinator

import (
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/metrics"
)

func TestNodeRegistryRegisterAndList(t *testing.T) {
	m := metrics.New(nil)
	r := NewNodeRegistry(m)

	assert.True(t, r.Register(cluster.NodeInfo{ID: "node-b", Addr: "http://b:8081"}))
	assert.True(t, r.Register(cluster.NodeInfo{ID: "node-a", Addr: "http://a:8081"}))
	assert.False(t, r.Register(cluster.NodeInfo{ID: "node-a", Addr: "http://a:9090"}), "re-registering is an update")

	nodes := r.List()
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Equal(t, "http://a:9090", nodes[0].Addr)
	assert.Equal(t, "node-b", nodes[1].ID)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthyNodes))

	n, ok := r.Get("node-b")
	assert.True(t, ok)
	assert.Equal(t, "http://b:8081", n.Addr)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestNodeRegistryRemove(t *testing.T) {
	r := NewNodeRegistry(nil)
	r.Register(cluster.NodeInfo{ID: "n1", Addr: "a"})
	r.Register(cluster.NodeInfo{ID: "n2", Addr: "b"})

	assert.True(t, r.Remove("n1"))
	assert.False(t, r.Remove("n1"))
	assert.Equal(t, 1, r.Len())

	for i := 0; i < 50; i++ {
		n, err := r.NodeFor(strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, "n2", n.ID)
	}
}

func TestNodeRegistryNodeForEmpty(t *testing.T) {
	r := NewNodeRegistry(nil)
	_, err := r.NodeFor("1")
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestNodeRegistryRoutingIsStable(t *testing.T) {
	r := NewNodeRegistry(nil)
	for i := 0; i < 4; i++ {
		r.Register(cluster.NodeInfo{ID: fmt.Sprintf("node-%d", i)})
	}

	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := strconv.Itoa(i)
		n, err := r.NodeFor(key)
		require.NoError(t, err)
		before[key] = n.ID

		again, _ := r.NodeFor(key)
		assert.Equal(t, n.ID, again.ID)
	}

	// Only keys owned by the removed node move
	r.Remove("node-3")
	for key, owner := range before {
		n, err := r.NodeFor(key)
		require.NoError(t, err)
		if owner != "node-3" {
			assert.Equal(t, owner, n.ID, "key %s moved", key)
		} else {
			assert.NotEqual(t, "node-3", n.ID)
		}
	}
}

func TestNodeRegistryConcurrentAccess(t *testing.T) {
	r := NewNodeRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("node-%d", i%5)
			r.Register(cluster.NodeInfo{ID: id})
			_, _ = r.NodeFor(strconv.Itoa(i))
			_ = r.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, r.Len())
}
