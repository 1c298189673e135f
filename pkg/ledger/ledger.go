// Package ledger is the append-only record of every action attempt, decision
// and outcome. Records are sealed with a content hash chained to the previous
// record, never edited and never deleted; corrections are appended as new
// records referencing the original by correlation ID. The ledger is the sole
// owner of audit records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/canonicalize"
)

var (
	// ErrWriteFailed marks a record that could not be durably appended.
	// Callers must not report the action as successful when they see this.
	ErrWriteFailed = errors.New("ledger write failed")
	// ErrChainBroken is returned by VerifyChain on tamper evidence.
	ErrChainBroken = errors.New("hash chain is broken")
)

// genesisHash anchors the first record in a chain.
const genesisHash = "genesis"

// Outcome is the terminal disposition of one processed request.
type Outcome string

const (
	OutcomeCompleted   Outcome = "COMPLETED"
	OutcomeFailed      Outcome = "FAILED"
	OutcomeUnconfirmed Outcome = "UNCONFIRMED"
	OutcomeDryRun      Outcome = "DRY_RUN"
)

// AuditRecord binds one ActionRequest to its decision, execution result and
// postcondition outcomes. Immutable once appended.
type AuditRecord struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"`
	// RefersTo carries the correlation ID of an earlier record when this
	// record is a correction or compensation of it.
	RefersTo       string                      `json:"refers_to,omitempty"`
	Request        action.ActionRequest        `json:"request"`
	Decision       action.ActionDecision       `json:"decision"`
	Result         *action.ExecutionResult     `json:"result,omitempty"`
	Postconditions []action.PostconditionCheck `json:"postconditions,omitempty"`
	Outcome        Outcome                     `json:"outcome"`
	RecordedAt     time.Time                   `json:"recorded_at"`
	PrevHash       string                      `json:"prev_hash"`
	Hash           string                      `json:"hash"`
}

// Filter narrows a ledger query. Zero values match everything.
type Filter struct {
	CorrelationID string
	Entity        string
	Target        action.TargetSystem
	Outcome       Outcome
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Ledger is the durable audit interface. Append must be durable before it
// returns; Query never exposes records for mutation.
type Ledger interface {
	Append(ctx context.Context, rec *AuditRecord) error
	Query(ctx context.Context, f Filter) ([]AuditRecord, error)
	VerifyChain(ctx context.Context) error
}

// seal assigns identity, sequence and the chained content hash. The hash
// covers the whole record (previous hash included) with the hash field
// cleared, canonicalized per RFC 8785.
func seal(rec *AuditRecord, seq uint64, prevHash string, now time.Time) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	rec.Sequence = seq
	rec.PrevHash = prevHash

	unsealed := *rec
	unsealed.Hash = ""
	h, err := canonicalize.CanonicalHash(unsealed)
	if err != nil {
		return fmt.Errorf("%w: hash: %v", ErrWriteFailed, err)
	}
	rec.Hash = h
	return nil
}

// verifyRecord recomputes a record's hash and checks the chain link.
func verifyRecord(rec AuditRecord, wantPrev string) error {
	if rec.PrevHash != wantPrev {
		return fmt.Errorf("%w: record %d links to %q, want %q", ErrChainBroken, rec.Sequence, rec.PrevHash, wantPrev)
	}
	unsealed := rec
	unsealed.Hash = ""
	h, err := canonicalize.CanonicalHash(unsealed)
	if err != nil {
		return fmt.Errorf("%w: record %d: %v", ErrChainBroken, rec.Sequence, err)
	}
	if h != rec.Hash {
		return fmt.Errorf("%w: record %d content hash mismatch", ErrChainBroken, rec.Sequence)
	}
	return nil
}

func joinWriteErr(err error) error {
	if errors.Is(err, ErrWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrWriteFailed, err)
}

// matches applies a filter to one record. A correlation ID filter also
// surfaces corrections referencing that ID.
func matches(rec AuditRecord, f Filter) bool {
	if f.CorrelationID != "" && rec.Request.CorrelationID != f.CorrelationID && rec.RefersTo != f.CorrelationID {
		return false
	}
	if f.Entity != "" && rec.Request.Entity != f.Entity {
		return false
	}
	if f.Target != "" && rec.Request.Target != f.Target {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && rec.RecordedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.RecordedAt.After(f.Until) {
		return false
	}
	return true
}
