package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelops/aegis/pkg/action"
)

// core carries the plumbing shared by all concrete adapters: backend access,
// correlation-ID dedupe and result shaping.
type core struct {
	target  action.TargetSystem
	backend Backend
	applied *applied
}

func newCore(target action.TargetSystem, backend Backend) core {
	return core{target: target, backend: backend, applied: newApplied()}
}

func (c *core) Target() action.TargetSystem { return c.target }

func (c *core) QueryState(ctx context.Context, entity string) (State, error) {
	raw, err := c.backend.State(ctx, entity)
	if err != nil {
		return nil, err
	}
	return State(raw), nil
}

// run invokes op for the request with idempotency under retry: a mutating
// call whose correlation ID already landed replays the recorded result.
// Timed-out calls are never remembered — whether the effect applied is
// unknown, and recording a result would hide that.
func (c *core) run(ctx context.Context, req action.ActionRequest, op string) (action.ExecutionResult, error) {
	mutating := action.Mutating(req.Target, req.ActionType)
	if mutating {
		if prior, ok := c.applied.replay(req.CorrelationID); ok {
			return prior, nil
		}
	}

	payload := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		payload[k] = v
	}
	payload["correlation_id"] = req.CorrelationID

	start := time.Now()
	out, err := c.backend.Invoke(ctx, op, req.Entity, payload)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return action.ExecutionResult{
				Status:   action.StatusTimedOut,
				Duration: elapsed,
				Error:    fmt.Sprintf("execute deadline exceeded after %s", elapsed),
			}, err
		}
		return action.ExecutionResult{
			Status:   action.StatusFailed,
			Duration: elapsed,
			Error:    err.Error(),
		}, err
	}

	res := action.ExecutionResult{
		Status:   action.StatusSuccess,
		Payload:  out,
		Duration: elapsed,
	}
	if mutating {
		c.applied.remember(req.CorrelationID, res)
	}
	return res, nil
}

// reverse invokes the inverse op for rollback, under a derived correlation ID
// so the rollback itself is deduped independently of the original execute.
func (c *core) reverse(ctx context.Context, req action.ActionRequest, inverseOp string) (action.ExecutionResult, error) {
	rb := req.WithCorrelationID(req.CorrelationID + ":rollback")
	res, err := c.run(ctx, rb, inverseOp)
	if err != nil {
		return res, err
	}
	res.Status = action.StatusRolledBack
	c.applied.remember(rb.CorrelationID, res)
	return res, nil
}

// boolCheck builds a PreconditionResult asserting state[key] == want.
func boolCheck(st State, name, key string, want bool) action.PreconditionResult {
	v, ok := st[key].(bool)
	if !ok {
		return action.PreconditionResult{Name: name, Passed: false,
			Detail: fmt.Sprintf("state key %q absent or not boolean", key)}
	}
	if v != want {
		return action.PreconditionResult{Name: name, Passed: false,
			Detail: fmt.Sprintf("%s is %v, want %v", key, v, want)}
	}
	return action.PreconditionResult{Name: name, Passed: true}
}
