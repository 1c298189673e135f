// Package orchestrator drives a request through its full lifecycle: policy
// decision, approval wait, preconditions, execute (or dry-run), postcondition
// confirmation and the audit append. Exactly one audit record is written per
// request, whatever path it takes, and a failed append is surfaced as an
// error so a caller can never mistake an unrecorded action for a success.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/adapter"
	"github.com/sentinelops/aegis/pkg/approval"
	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/sentinelops/aegis/pkg/observability"
	"github.com/sentinelops/aegis/pkg/policy"
	"github.com/sentinelops/aegis/pkg/verifier"
)

// DefaultExecuteTimeout bounds one adapter execute call.
const DefaultExecuteTimeout = 30 * time.Second

// Options tune the orchestrator. Zero values get defaults.
type Options struct {
	ExecuteTimeout time.Duration
	Verifier       *verifier.Verifier
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Orchestrator owns the request state machine.
type Orchestrator struct {
	policy         *policy.Engine
	adapters       *adapter.Registry
	ledger         ledger.Ledger
	approvals      *approval.Manager
	verifier       *verifier.Verifier
	locks          *entityLocks
	logger         *slog.Logger
	metrics        *observability.Metrics
	executeTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*tracked
}

type tracked struct {
	phase     Phase
	cancelled bool
}

// New wires an orchestrator over the given engine, adapters, ledger and
// approval manager.
func New(engine *policy.Engine, adapters *adapter.Registry, led ledger.Ledger, approvals *approval.Manager, opts Options) *Orchestrator {
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = DefaultExecuteTimeout
	}
	if opts.Verifier == nil {
		opts.Verifier = verifier.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		policy:         engine,
		adapters:       adapters,
		ledger:         led,
		approvals:      approvals,
		verifier:       opts.Verifier,
		locks:          newEntityLocks(),
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		executeTimeout: opts.ExecuteTimeout,
		inflight:       make(map[string]*tracked),
	}
}

// Process runs one request end to end and returns its summary. The returned
// error is non-nil only for engine-level failures (duplicate in-flight ID,
// missing adapter, audit append failure); a denied or failed action is a
// normal Response, not an error.
func (o *Orchestrator) Process(ctx context.Context, req action.ActionRequest) (Response, error) {
	start := time.Now()
	if err := o.track(req.CorrelationID); err != nil {
		return Response{}, err
	}
	defer o.untrack(req.CorrelationID)

	o.setPhase(req.CorrelationID, PhaseValidating)
	decision := o.policy.Decide(req)

	if o.wasCancelled(req.CorrelationID) {
		decision.Verdict = action.VerdictDenied
		decision.Reason = "cancelled by requester"
		return o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)
	}

	switch decision.Verdict {
	case action.VerdictDenied:
		return o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)

	case action.VerdictRequiresApproval:
		res, err := o.awaitApproval(ctx, req, decision.Quorum)
		if err != nil {
			o.setPhase(req.CorrelationID, PhaseAudited)
			return Response{}, err
		}
		if !res.Approved {
			decision.Verdict = action.VerdictDenied
			decision.Reason = resolutionReason(res)
			return o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)
		}
		decision.Verdict = action.VerdictApproved
		decision.Reason = "approved by " + strings.Join(res.Approvers, ", ")
		decision.Checks = append(decision.Checks, action.PreconditionResult{
			Name: "approval", Passed: true, Detail: decision.Reason,
		})
	}

	ad, err := o.adapters.Lookup(req.Target)
	if err != nil {
		decision.Checks = append(decision.Checks, action.PreconditionResult{
			Name: "adapter", Passed: false, Detail: err.Error(),
		})
		resp, ferr := o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)
		if ferr != nil {
			return resp, ferr
		}
		return resp, err
	}

	o.setPhase(req.CorrelationID, PhasePreconditions)
	passed, checks, err := o.verifier.RunPreconditions(ctx, ad, req)
	decision.Checks = append(decision.Checks, checks...)
	if err != nil {
		decision.Checks = append(decision.Checks, action.PreconditionResult{
			Name: "preconditions", Passed: false, Detail: err.Error(),
		})
		return o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)
	}
	if !passed {
		decision.Verdict = action.VerdictDenied
		decision.Reason = firstFailedCheck(decision.Checks)
		return o.finalize(ctx, req, decision, nil, nil, ledger.OutcomeFailed, "", start)
	}

	if req.DryRun {
		o.setPhase(req.CorrelationID, PhaseDryRun)
		preview, err := ad.DryRun(ctx, req)
		if err != nil {
			res := &action.ExecutionResult{Status: action.StatusFailed, Error: err.Error()}
			return o.finalize(ctx, req, decision, res, nil, ledger.OutcomeFailed, "", start)
		}
		res := &action.ExecutionResult{Status: action.StatusSuccess, Payload: map[string]any{"preview": preview}}
		return o.finalize(ctx, req, decision, res, nil, ledger.OutcomeDryRun, preview, start)
	}

	// The entity lock covers execute and postcondition confirmation only,
	// so concurrent mutations of one entity serialize without holding up
	// its approval waits.
	var release func()
	if action.Mutating(req.Target, req.ActionType) {
		release = o.locks.acquire(req.Entity)
		defer func() {
			if release != nil {
				release()
			}
		}()
	}

	o.setPhase(req.CorrelationID, PhaseExecuting)
	execCtx, cancel := context.WithTimeout(ctx, o.executeTimeout)
	res, execErr := safeExecute(execCtx, ad, req)
	cancel()

	if execErr != nil && res.Status != action.StatusTimedOut {
		return o.finalize(ctx, req, decision, &res, nil, ledger.OutcomeFailed, "", start)
	}

	// On a timed-out execute the effect may or may not have landed. Never
	// retry here: the postcondition poll is the only safe way to find out.
	o.setPhase(req.CorrelationID, PhasePostconditions)
	posts, confirmed, postErr := o.verifier.Confirm(ctx, ad, req)
	if release != nil {
		release()
		release = nil
	}
	if postErr != nil {
		// State unreadable: the outcome stays unconfirmed rather than
		// failed, since the effect may well have landed.
		o.logger.Warn("postcondition state unreadable",
			"correlation_id", req.CorrelationID, "error", postErr)
	}

	outcome := ledger.OutcomeUnconfirmed
	if confirmed {
		// A confirming poll settles the question even after a timed-out
		// call: the intended state is observably in place.
		outcome = ledger.OutcomeCompleted
	}
	return o.finalize(ctx, req, decision, &res, posts, outcome, "", start)
}

// Cancel withdraws an in-flight request. Allowed while it is being validated
// or parked for approval; once executing, the action runs to its audited end.
func (o *Orchestrator) Cancel(correlationID string) error {
	o.mu.Lock()
	t, ok := o.inflight[correlationID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, correlationID)
	}
	phase := t.phase
	switch phase {
	case PhaseReceived, PhaseValidating:
		t.cancelled = true
		o.mu.Unlock()
		return nil
	case PhaseAwaitingApproval:
		o.mu.Unlock()
		return o.approvals.Cancel(correlationID)
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is in phase %s", ErrNotCancellable, correlationID, phase)
	}
}

// ResolveApproval records one approver's signal for a parked request.
func (o *Orchestrator) ResolveApproval(correlationID, principal string, approve bool, reason string) error {
	if approve {
		return o.approvals.Approve(correlationID, principal)
	}
	return o.approvals.Deny(correlationID, principal, reason)
}

// PendingApprovals lists the requests parked for approval.
func (o *Orchestrator) PendingApprovals() []approval.PendingInfo {
	return o.approvals.Pending()
}

// Phase reports where an in-flight request currently is.
func (o *Orchestrator) Phase(correlationID string) (Phase, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.inflight[correlationID]
	if !ok {
		return "", false
	}
	return t.phase, true
}

// Compensate rolls back a previously executed action and appends a
// correction record referencing the original by correlation ID. The original
// record is never touched.
func (o *Orchestrator) Compensate(ctx context.Context, correlationID, requestedBy string) (Response, error) {
	records, err := o.ledger.Query(ctx, ledger.Filter{CorrelationID: correlationID})
	if err != nil {
		return Response{}, fmt.Errorf("orchestrator: compensate %s: %w", correlationID, err)
	}

	var original *ledger.AuditRecord
	for i := range records {
		rec := &records[i]
		if rec.Request.CorrelationID != correlationID || rec.Result == nil {
			continue
		}
		if rec.Outcome == ledger.OutcomeCompleted || rec.Outcome == ledger.OutcomeUnconfirmed {
			original = rec
		}
	}
	if original == nil {
		return Response{}, fmt.Errorf("%w: no executed record for %s", ErrUnknownRequest, correlationID)
	}

	ad, err := o.adapters.Lookup(original.Request.Target)
	if err != nil {
		return Response{}, err
	}

	release := o.locks.acquire(original.Request.Entity)
	res, rbErr := ad.Rollback(ctx, original.Request, *original.Result)
	release()

	outcome := ledger.OutcomeCompleted
	if rbErr != nil {
		outcome = ledger.OutcomeFailed
	}
	correction := original.Request.WithCorrelationID(correlationID + ":rollback")
	decision := action.Approved("compensating rollback requested by " + requestedBy)

	rec := &ledger.AuditRecord{
		RefersTo: correlationID,
		Request:  correction,
		Decision: decision,
		Result:   &res,
		Outcome:  outcome,
	}
	if err := o.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("audit append failed for compensation",
			"correlation_id", correlationID, "error", err)
		return Response{}, err
	}
	resp := Response{
		CorrelationID: correction.CorrelationID,
		Outcome:       outcome,
		Decision:      decision,
		Result:        &res,
		AuditRecordID: rec.ID,
	}
	if rbErr != nil {
		return resp, fmt.Errorf("orchestrator: rollback %s: %w", correlationID, rbErr)
	}
	return resp, nil
}

// awaitApproval parks the request until an operator resolves it, the window
// expires or the caller's context ends.
func (o *Orchestrator) awaitApproval(ctx context.Context, req action.ActionRequest, quorum int) (approval.Resolution, error) {
	done, deadline, err := o.approvals.Begin(req.CorrelationID, quorum)
	if err != nil {
		return approval.Resolution{}, err
	}
	o.setPhase(req.CorrelationID, PhaseAwaitingApproval)
	o.logger.Info("action parked for approval",
		"correlation_id", req.CorrelationID,
		"action", action.SchemaKey(req.Target, req.ActionType),
		"quorum", quorum,
		"expires_at", deadline)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res := <-done:
		return res, nil
	case <-timer.C:
		o.approvals.Expire(req.CorrelationID)
		return <-done, nil
	case <-ctx.Done():
		// The resolution channel is buffered, so a racing resolve still
		// arrives even if Cancel finds nothing pending.
		_ = o.approvals.Cancel(req.CorrelationID)
		return <-done, nil
	}
}

// finalize is the single audit funnel: every Process path ends here, and
// here only, with exactly one append. An append failure is returned to the
// caller so the action is never reported as succeeded without its record.
func (o *Orchestrator) finalize(ctx context.Context, req action.ActionRequest, decision action.ActionDecision,
	result *action.ExecutionResult, posts []action.PostconditionCheck,
	outcome ledger.Outcome, preview string, start time.Time) (Response, error) {

	o.setPhase(req.CorrelationID, PhaseAudited)

	rec := &ledger.AuditRecord{
		Request:        req,
		Decision:       decision,
		Result:         result,
		Postconditions: posts,
		Outcome:        outcome,
	}
	resp := Response{
		CorrelationID:  req.CorrelationID,
		Outcome:        outcome,
		Decision:       decision,
		Result:         result,
		Postconditions: posts,
		Preview:        preview,
	}

	// The append must outlive the caller's context: a client that
	// disconnects after execution began cannot leave an executed action
	// unrecorded.
	auditCtx := context.WithoutCancel(ctx)
	if err := o.ledger.Append(auditCtx, rec); err != nil {
		o.logger.Error("audit append failed, outcome must not be trusted",
			"correlation_id", req.CorrelationID,
			"outcome", outcome,
			"error", err)
		o.metrics.RecordAction(auditCtx, string(req.Target), "LEDGER_WRITE_FAILED", time.Since(start))
		return resp, err
	}
	resp.AuditRecordID = rec.ID

	o.metrics.RecordAction(auditCtx, string(req.Target), string(outcome), time.Since(start))
	o.logger.Info("action audited",
		"correlation_id", req.CorrelationID,
		"action", action.SchemaKey(req.Target, req.ActionType),
		"entity", req.Entity,
		"verdict", decision.Verdict,
		"outcome", outcome,
		"duration", time.Since(start))
	return resp, nil
}

// safeExecute contains an adapter panic: the request fails with the cause
// instead of taking the whole engine down mid-pipeline.
func safeExecute(ctx context.Context, ad adapter.Adapter, req action.ActionRequest) (res action.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
			res = action.ExecutionResult{Status: action.StatusFailed, Error: err.Error()}
		}
	}()
	return ad.Execute(ctx, req)
}

// firstFailedCheck names the check a denial hinges on.
func firstFailedCheck(checks []action.PreconditionResult) string {
	for _, c := range checks {
		if !c.Passed {
			return c.Name + " check failed"
		}
	}
	return "precondition check failed"
}

func resolutionReason(res approval.Resolution) string {
	switch {
	case res.TimedOut:
		return "approval window expired"
	case res.Cancelled:
		return "cancelled by requester"
	case res.DeniedBy != "":
		return fmt.Sprintf("denied by %s: %s", res.DeniedBy, res.Reason)
	default:
		return res.Reason
	}
}

func (o *Orchestrator) track(correlationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inflight[correlationID]; exists {
		return fmt.Errorf("%w: %s", ErrInFlight, correlationID)
	}
	o.inflight[correlationID] = &tracked{phase: PhaseReceived}
	return nil
}

func (o *Orchestrator) untrack(correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, correlationID)
}

func (o *Orchestrator) setPhase(correlationID string, p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.inflight[correlationID]; ok {
		t.phase = p
	}
}

func (o *Orchestrator) wasCancelled(correlationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.inflight[correlationID]
	return ok && t.cancelled
}
