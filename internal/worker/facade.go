package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/searcher"
)

// requestKind discriminates facade requests.
type requestKind int

const (
	kindSearch requestKind = iota
	kindStatus
	kindReindex
)

// request is one correlated request to the worker loop.
type request struct {
	// CorrelationID ties logs and replies to the originating call.
	CorrelationID string
	Kind          requestKind

	Query string
	Vault string
	Limit int

	reply chan response
}

// response carries the worker's answer back over the request's reply slot.
type response struct {
	CorrelationID string
	Results       []searcher.Result
	Status        *Status
	Err           error
}

// Status is a point-in-time snapshot of the worker for status reporting.
type Status struct {
	InstanceID  string `json:"instance_id"`
	Role        string `json:"role"`
	Documents   int    `json:"documents"`
	Vectors     int    `json:"vectors"`
	QueueDepth  int    `json:"queue_depth"`
	Model       string `json:"model"`
	Dimensions  int    `json:"dimensions"`
	LeaseHolder string `json:"lease_holder,omitempty"`
	LeaseAgeMS  int64  `json:"lease_age_ms,omitempty"`
}

// Facade is the calling side of the worker: it turns method calls into
// correlated requests and waits for the matching response. Callers (the MCP
// server, the CLI) never touch worker internals directly.
type Facade struct {
	requests chan request
	timeout  time.Duration
}

// NewFacade creates a facade with the given per-request timeout.
func NewFacade(timeout time.Duration) *Facade {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Facade{
		requests: make(chan request, 64),
		timeout:  timeout,
	}
}

// Search runs a semantic query through the worker.
func (f *Facade) Search(ctx context.Context, query, vault string, limit int) ([]searcher.Result, error) {
	resp, err := f.send(ctx, request{
		Kind:  kindSearch,
		Query: query,
		Vault: vault,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, resp.Err
}

// Status asks the worker for its current state.
func (f *Facade) Status(ctx context.Context) (*Status, error) {
	resp, err := f.send(ctx, request{Kind: kindStatus})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Status, nil
}

// Reindex queues a full reconciliation of one vault ("" for all vaults).
func (f *Facade) Reindex(ctx context.Context, vault string) error {
	resp, err := f.send(ctx, request{Kind: kindReindex, Vault: vault})
	if err != nil {
		return err
	}
	return resp.Err
}

// send dispatches one request and waits for its reply. A worker that does
// not answer within the timeout is reported unavailable rather than
// blocking the caller forever.
func (f *Facade) send(ctx context.Context, req request) (response, error) {
	req.CorrelationID = uuid.NewString()
	req.reply = make(chan response, 1)

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case f.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-timer.C:
		return response{}, verrors.New(verrors.ErrCodeWorkerGone,
			"worker did not accept request", nil).
			WithDetail("correlation_id", req.CorrelationID)
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-timer.C:
		return response{}, verrors.New(verrors.ErrCodeWorkerGone,
			"worker did not answer within timeout", nil).
			WithDetail("correlation_id", req.CorrelationID)
	}
}
