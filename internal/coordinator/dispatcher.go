package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
)

// RunPath is the node endpoint that accepts partition requests.
const RunPath = "/executions/run"

// HTTPDispatcher sends partition requests to worker nodes over HTTP.
// The target node is picked by hashing the execution ID on the registry's
// ring, so a redelivered request lands on the same node while membership
// is unchanged.
type HTTPDispatcher struct {
	registry *NodeRegistry
	logger   *zap.Logger
}

func NewHTTPDispatcher(registry *NodeRegistry, logger *zap.Logger) *HTTPDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDispatcher{registry: registry, logger: logger}
}

// Send implements cluster.Sender. The node only acknowledges receipt; the
// partition itself runs asynchronously.
func (d *HTTPDispatcher) Send(ctx context.Context, req cluster.StepExecutionRequest) error {
	node, err := d.registry.NodeFor(strconv.FormatInt(req.ExecutionID, 10))
	if err != nil {
		return fmt.Errorf("route execution %d: %w", req.ExecutionID, err)
	}
	url := strings.TrimRight(node.Addr, "/") + RunPath
	if err := cluster.PostJSON(ctx, url, req, nil); err != nil {
		return fmt.Errorf("send execution %d to %s: %w", req.ExecutionID, node.ID, err)
	}
	d.logger.Debug("partition request sent",
		zap.Int64("execution_id", req.ExecutionID),
		zap.String("node_id", node.ID))
	return nil
}
