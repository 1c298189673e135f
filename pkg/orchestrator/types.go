package orchestrator

import (
	"errors"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/ledger"
)

// Phase is where a request currently sits in its lifecycle.
type Phase string

const (
	PhaseReceived         Phase = "RECEIVED"
	PhaseValidating       Phase = "VALIDATING"
	PhaseAwaitingApproval Phase = "AWAITING_APPROVAL"
	PhasePreconditions    Phase = "PRECONDITION_CHECK"
	PhaseDryRun           Phase = "DRY_RUN"
	PhaseExecuting        Phase = "EXECUTING"
	PhasePostconditions   Phase = "POSTCONDITION_CHECK"
	PhaseAudited          Phase = "AUDITED"
)

var (
	// ErrInFlight means a request with the same correlation ID is already
	// being processed.
	ErrInFlight = errors.New("request already in flight")
	// ErrUnknownRequest means no in-flight request carries that ID.
	ErrUnknownRequest = errors.New("no such in-flight request")
	// ErrNotCancellable means the request has passed the point of no return.
	ErrNotCancellable = errors.New("request can no longer be cancelled")
)

// Response is what the caller gets back for one processed request. The full
// detail lives in the audit record; this is the interactive summary.
type Response struct {
	CorrelationID  string                      `json:"correlation_id"`
	Outcome        ledger.Outcome              `json:"outcome"`
	Decision       action.ActionDecision       `json:"decision"`
	Result         *action.ExecutionResult     `json:"result,omitempty"`
	Postconditions []action.PostconditionCheck `json:"postconditions,omitempty"`
	Preview        string                      `json:"preview,omitempty"`
	AuditRecordID  string                      `json:"audit_record_id,omitempty"`
}
