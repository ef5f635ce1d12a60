package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/partition"
)

func post(t *testing.T, h http.Handler, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/executions/run", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRunHandlerAcceptsAndRuns(t *testing.T) {
	f := newHandlerFixture(t)
	rh := NewRunHandler(context.Background(), f.handler, zaptest.NewLogger(t))
	req := f.child(t, "slaveStep", partition.Descriptor{Index: 0, Min: 1, Max: 31})

	body := `{"message_id":"m1","execution_id":` + execution.ID(req.ExecutionID).String() +
		`,"parent_id":` + execution.ID(req.ParentID).String() +
		`,"step_name":"slaveStep","descriptor":{"index":0,"min":1,"max":31}}`
	rr := post(t, rh, http.MethodPost, body)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"accepted":true`)

	rh.Wait()
	rec, err := f.repo.Get(context.Background(), execution.ID(req.ExecutionID))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, rec.Status)
	assert.Len(t, f.writer.Items(), 30)
}

func TestRunHandlerRejects(t *testing.T) {
	f := newHandlerFixture(t)
	rh := NewRunHandler(context.Background(), f.handler, nil)

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing id", http.MethodPost, `{"step_name":"slaveStep"}`, http.StatusBadRequest},
		{"missing step", http.MethodPost, `{"execution_id":3}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, rh, tt.method, tt.body)
			assert.Equal(t, tt.code, rr.Code)
		})
	}
	rh.Wait()
	assert.Empty(t, f.writer.Items())
}

func TestRunHandlerShuttingDown(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	rh := NewRunHandler(ctx, f.handler, nil)
	cancel()

	rr := post(t, rh, http.MethodPost, `{"execution_id":2,"step_name":"slaveStep"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
