package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/burrowstack/burrow/hypervisor"
)

const (
	// opPollInterval bounds how often a pending operation is re-queried.
	opPollInterval = time.Second

	// Operation status codes reported in the metadata of an operation
	// resource. Codes below 200 mean the job is still in flight.
	opStatusSuccess = 200
	opStatusFailure = 400
)

// operationMetadata is the subset of the operation resource the poll loop
// acts on.
type operationMetadata struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	Err        string `json:"err"`
}

// WaitForCompletion polls the background operation referenced by env until
// it reaches a terminal status or timeout elapses. Envelopes that carry no
// operation are returned as-is. A NotFoundError while polling means the
// operation was already reaped — the job is known to have finished, so it is
// treated as success. Budget exhaustion returns a TimeoutError.
func (c *Client) WaitForCompletion(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if env == nil || env.Type != "async" || env.Operation == "" {
		return env, nil
	}

	opID := path.Base(env.Operation)
	opURL := c.operationURL(opID)
	deadline := time.Now().Add(timeout)

	for {
		op, err := c.Do(ctx, http.MethodGet, opURL, nil, 0)
		if err != nil {
			if hypervisor.IsNotFound(err) {
				// Operation already reaped, the job finished.
				return env, nil
			}
			return nil, err
		}

		var meta operationMetadata
		if err := json.Unmarshal(op.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("parse operation %s: %w", opID, err)
		}

		switch {
		case meta.StatusCode >= opStatusFailure:
			return nil, fmt.Errorf("operation %s failed: %s", opID, meta.Err)
		case meta.StatusCode >= opStatusSuccess:
			return op, nil
		}

		if time.Now().After(deadline) {
			return nil, &hypervisor.TimeoutError{Action: "operation " + opID, Budget: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opPollInterval):
		}
	}
}
