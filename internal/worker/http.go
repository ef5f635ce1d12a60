package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
)

// RunHandler accepts partition requests over HTTP. It acknowledges with 202
// as soon as the request is decoded and runs it in the background, bound to
// the context given at construction rather than to the HTTP request.
type RunHandler struct {
	ctx     context.Context
	handler *RequestHandler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewRunHandler(ctx context.Context, h *RequestHandler, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{ctx: ctx, handler: h, logger: logger}
}

func (rh *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.StepExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ExecutionID <= 0 || req.StepName == "" {
		http.Error(w, "execution_id and step_name are required", http.StatusBadRequest)
		return
	}
	if rh.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		if err := rh.handler.Handle(rh.ctx, req); err != nil {
			rh.logger.Error("partition request failed",
				zap.Int64("execution_id", req.ExecutionID),
				zap.String("step", req.StepName),
				zap.Error(err))
		}
	}()
	cluster.WriteJSON(w, http.StatusAccepted, map[string]any{"execution_id": req.ExecutionID, "accepted": true})
}

// Wait blocks until every accepted request has finished.
func (rh *RunHandler) Wait() {
	rh.wg.Wait()
}
