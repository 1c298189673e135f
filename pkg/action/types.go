// Package action defines the immutable contract for remediation action
// requests and their outcomes. Values are created through constructors that
// enforce defaults; nothing mutates a request after admission.
package action

import (
	"time"

	"github.com/google/uuid"
)

// TargetSystem identifies the class of external system an action runs against.
type TargetSystem string

const (
	TargetEDR     TargetSystem = "EDR"
	TargetIDP     TargetSystem = "IDP"
	TargetNetwork TargetSystem = "NETWORK"
	TargetSIEM    TargetSystem = "SIEM"
)

// KnownTargets lists every recognized target system.
var KnownTargets = []TargetSystem{TargetEDR, TargetIDP, TargetNetwork, TargetSIEM}

// Valid reports whether t is a recognized target system.
func (t TargetSystem) Valid() bool {
	switch t {
	case TargetEDR, TargetIDP, TargetNetwork, TargetSIEM:
		return true
	}
	return false
}

// Verdict is the validator's decision on a request.
type Verdict string

const (
	VerdictApproved         Verdict = "APPROVED"
	VerdictDenied           Verdict = "DENIED"
	VerdictRequiresApproval Verdict = "REQUIRES_APPROVAL"
)

// ResultStatus categorizes the outcome of one adapter execute call.
type ResultStatus string

const (
	StatusSuccess    ResultStatus = "SUCCESS"
	StatusFailed     ResultStatus = "FAILED"
	StatusTimedOut   ResultStatus = "TIMED_OUT"
	StatusRolledBack ResultStatus = "ROLLED_BACK"
)

// ActionRequest is a proposed remediation action. Immutable once created.
type ActionRequest struct {
	CorrelationID string         `json:"correlation_id"`
	Target        TargetSystem   `json:"target"`
	ActionType    string         `json:"action_type"`
	Entity        string         `json:"entity"`
	Params        map[string]any `json:"params,omitempty"`
	RequestedBy   string         `json:"requested_by"`
	ReceivedAt    time.Time      `json:"received_at"`
	DryRun        bool           `json:"dry_run,omitempty"`
}

// NewRequest builds an ActionRequest with defaults applied: a generated
// correlation ID when none is supplied and the admission timestamp.
func NewRequest(target TargetSystem, actionType, entity string, params map[string]any, requestedBy string) ActionRequest {
	return ActionRequest{
		CorrelationID: uuid.New().String(),
		Target:        target,
		ActionType:    actionType,
		Entity:        entity,
		Params:        params,
		RequestedBy:   requestedBy,
		ReceivedAt:    time.Now().UTC(),
	}
}

// WithCorrelationID returns a copy of the request carrying the caller-supplied
// correlation ID. Used when the caller owns the dedupe key.
func (r ActionRequest) WithCorrelationID(id string) ActionRequest {
	r.CorrelationID = id
	return r
}

// PreconditionResult is one evaluated safety check.
type PreconditionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ActionDecision is the validator's verdict together with the checks that
// produced it. Quorum is the number of distinct approvers needed when the
// verdict is REQUIRES_APPROVAL.
type ActionDecision struct {
	Verdict Verdict              `json:"verdict"`
	Reason  string               `json:"reason,omitempty"`
	Checks  []PreconditionResult `json:"checks,omitempty"`
	Quorum  int                  `json:"quorum,omitempty"`
}

// Approved is shorthand for an APPROVED decision.
func Approved(reason string) ActionDecision {
	return ActionDecision{Verdict: VerdictApproved, Reason: reason}
}

// Denied is shorthand for a DENIED decision.
func Denied(reason string) ActionDecision {
	return ActionDecision{Verdict: VerdictDenied, Reason: reason}
}

// ExecutionResult is the outcome of calling an adapter.
type ExecutionResult struct {
	Status   ResultStatus   `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

// PostconditionCheck is a named assertion about post-execution state,
// polled until it holds or a deadline expires.
type PostconditionCheck struct {
	Name      string `json:"name"`
	Expected  string `json:"expected"`
	Observed  string `json:"observed,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Attempts  int    `json:"attempts"`
}
