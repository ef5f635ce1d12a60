package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/partition"
)

// CreateRequest is the body of POST /executions.
type CreateRequest struct {
	ParentID   ID                    `json:"parent_id,omitempty"`
	StepName   string                `json:"step_name"`
	Key        string                `json:"key,omitempty"`
	Descriptor *partition.Descriptor `json:"descriptor,omitempty"`
}

// CreateResponse is returned by POST /executions.
type CreateResponse struct {
	ID ID `json:"id"`
}

// StatusRequest is the body of PUT /executions/{id}/status.
type StatusRequest struct {
	Status Status `json:"status"`
	Cause  string `json:"cause,omitempty"`
}

// LatestRequest is the body of POST /executions/latest.
type LatestRequest struct {
	StepName string `json:"step_name"`
	Key      string `json:"key"`
}

// NewHandler exposes repo over HTTP:
//
//	POST /executions               create
//	POST /executions/latest        find latest by step and key
//	GET  /executions/{id}          get
//	PUT  /executions/{id}/status   update status
//	PUT  /executions/{id}/counts   record counts
//	GET  /executions/{id}/children list children
//
// Counts and latest lookups answer 501 when repo does not implement
// Reporter or Finder.
func NewHandler(repo Repository, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{repo: repo, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions", h.create)
	mux.HandleFunc("POST /executions/latest", h.latest)
	mux.HandleFunc("GET /executions/{id}", h.get)
	mux.HandleFunc("PUT /executions/{id}/status", h.status)
	mux.HandleFunc("PUT /executions/{id}/counts", h.counts)
	mux.HandleFunc("GET /executions/{id}/children", h.children)
	return mux
}

type handler struct {
	repo   Repository
	logger *zap.Logger
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.StepName) == "" {
		http.Error(w, "step_name is required", http.StatusBadRequest)
		return
	}

	var (
		id  ID
		err error
	)
	if req.Key != "" {
		f, ok := h.repo.(Finder)
		if !ok {
			http.Error(w, "keyed executions not supported", http.StatusNotImplemented)
			return
		}
		id, err = f.CreateKeyed(r.Context(), req.StepName, req.Key)
	} else {
		id, err = h.repo.Create(r.Context(), req.ParentID, req.StepName, req.Descriptor)
	}
	if err != nil {
		h.fail(w, "create execution", err)
		return
	}
	cluster.WriteJSON(w, http.StatusCreated, CreateResponse{ID: id})
}

func (h *handler) latest(w http.ResponseWriter, r *http.Request) {
	f, ok := h.repo.(Finder)
	if !ok {
		http.Error(w, "lookup not supported", http.StatusNotImplemented)
		return
	}
	var req LatestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	rec, err := f.FindLatest(r.Context(), req.StepName, req.Key)
	if err != nil {
		h.fail(w, "find latest", err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, rec)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get execution", err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, rec)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := h.repo.UpdateStatus(r.Context(), id, req.Status, req.Cause); err != nil {
		h.fail(w, "update status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) counts(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.repo.(Reporter)
	if !ok {
		http.Error(w, "counts not supported", http.StatusNotImplemented)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c Counts
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := rep.RecordCounts(r.Context(), id, c); err != nil {
		h.fail(w, "record counts", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) children(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	recs, err := h.repo.ListChildren(r.Context(), id)
	if err != nil {
		h.fail(w, "list children", err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, recs)
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidStatus):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("repository call failed", zap.String("op", op), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (ID, bool) {
	id, err := ParseID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// Client is a Repository backed by a remote NewHandler, used by worker
// processes to reach the coordinator's repository.
type Client struct {
	BaseURL string
}

// NewClient returns a client for the repository served at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) Create(ctx context.Context, parentID ID, stepName string, desc *partition.Descriptor) (ID, error) {
	var resp CreateResponse
	err := cluster.PostJSON(ctx, c.BaseURL+"/executions", CreateRequest{
		ParentID:   parentID,
		StepName:   stepName,
		Descriptor: desc,
	}, &resp)
	if err != nil {
		return 0, mapError(err)
	}
	return resp.ID, nil
}

func (c *Client) CreateKeyed(ctx context.Context, stepName, key string) (ID, error) {
	var resp CreateResponse
	err := cluster.PostJSON(ctx, c.BaseURL+"/executions", CreateRequest{StepName: stepName, Key: key}, &resp)
	if err != nil {
		return 0, mapError(err)
	}
	return resp.ID, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id ID, status Status, cause string) error {
	err := cluster.PutJSON(ctx, fmt.Sprintf("%s/executions/%d/status", c.BaseURL, id), StatusRequest{Status: status, Cause: cause}, nil)
	return mapError(err)
}

func (c *Client) RecordCounts(ctx context.Context, id ID, counts Counts) error {
	err := cluster.PutJSON(ctx, fmt.Sprintf("%s/executions/%d/counts", c.BaseURL, id), counts, nil)
	return mapError(err)
}

func (c *Client) Get(ctx context.Context, id ID) (Record, error) {
	var rec Record
	if err := cluster.GetJSON(ctx, fmt.Sprintf("%s/executions/%d", c.BaseURL, id), &rec); err != nil {
		return Record{}, mapError(err)
	}
	return rec, nil
}

func (c *Client) ListChildren(ctx context.Context, parentID ID) ([]Record, error) {
	var recs []Record
	if err := cluster.GetJSON(ctx, fmt.Sprintf("%s/executions/%d/children", c.BaseURL, parentID), &recs); err != nil {
		return nil, mapError(err)
	}
	return recs, nil
}

func (c *Client) FindLatest(ctx context.Context, stepName, key string) (Record, error) {
	var rec Record
	if err := cluster.PostJSON(ctx, c.BaseURL+"/executions/latest", LatestRequest{StepName: stepName, Key: key}, &rec); err != nil {
		return Record{}, mapError(err)
	}
	return rec, nil
}

// mapError turns well-known HTTP statuses back into repository sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var he *cluster.HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", he.Body, ErrNotFound)
		case http.StatusBadRequest:
			if strings.Contains(he.Body, ErrInvalidStatus.Error()) {
				return fmt.Errorf("%s: %w", he.Body, ErrInvalidStatus)
			}
		}
	}
	return err
}
