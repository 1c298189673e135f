package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/approval"
	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/sentinelops/aegis/pkg/orchestrator"
)

// Server exposes the engine's HTTP surface.
type Server struct {
	orch    *orchestrator.Orchestrator
	ledger  ledger.Ledger
	logger  *slog.Logger
	auth    func(http.Handler) http.Handler
	limiter *ActorRateLimiter
	idem    IdempotencyStorer
}

// ServerOptions configure the HTTP surface. Zero values get defaults.
type ServerOptions struct {
	JWTSecret   []byte
	RateRPS     int
	RateBurst   int
	Idempotency IdempotencyStorer
	Logger      *slog.Logger
}

// NewServer wires the handlers over the orchestrator and ledger.
func NewServer(orch *orchestrator.Orchestrator, led ledger.Ledger, opts ServerOptions) *Server {
	if opts.RateRPS <= 0 {
		opts.RateRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewIdempotencyStore(24 * time.Hour)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		orch:    orch,
		ledger:  led,
		logger:  opts.Logger,
		auth:    NewAuthMiddleware(opts.JWTSecret),
		limiter: NewActorRateLimiter(opts.RateRPS, opts.RateBurst),
		idem:    opts.Idempotency,
	}
}

// Routes builds the handler with the full middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/actions", s.handleSubmitAction)
	mux.HandleFunc("DELETE /api/v1/actions/{correlation_id}", s.handleCancel)
	mux.HandleFunc("POST /api/v1/actions/{correlation_id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/v1/approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{correlation_id}", s.handleResolveApproval)
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.idem)(h)
	h = s.limiter.Middleware(h)
	h = s.auth(h)
	h = RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the wire shape for POST /api/v1/actions.
type submitRequest struct {
	Target        string         `json:"target"`
	ActionType    string         `json:"action_type"`
	Entity        string         `json:"entity"`
	Params        map[string]any `json:"params"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	DryRun        bool           `json:"dry_run,omitempty"`
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	req := action.NewRequest(action.TargetSystem(body.Target), body.ActionType, body.Entity, body.Params, principal)
	if body.CorrelationID != "" {
		req = req.WithCorrelationID(body.CorrelationID)
	}
	req.DryRun = body.DryRun

	resp, err := s.orch.Process(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInFlight):
			WriteConflict(w, err.Error())
		case errors.Is(err, ledger.ErrWriteFailed):
			// The outcome is unrecorded and must not be trusted.
			WriteInternal(w, err)
		default:
			WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, statusFor(resp), resp)
}

// statusFor maps a terminal outcome to its HTTP status.
func statusFor(resp orchestrator.Response) int {
	switch resp.Outcome {
	case ledger.OutcomeCompleted, ledger.OutcomeDryRun:
		return http.StatusOK
	case ledger.OutcomeUnconfirmed:
		return http.StatusAccepted
	default:
		if resp.Decision.Verdict == action.VerdictDenied {
			return http.StatusForbidden
		}
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	corrID := r.PathValue("correlation_id")
	err := s.orch.Cancel(corrID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"correlation_id": corrID, "status": "cancelled"})
	case errors.Is(err, orchestrator.ErrUnknownRequest):
		WriteNotFound(w, err.Error())
	case errors.Is(err, orchestrator.ErrNotCancellable):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	corrID := r.PathValue("correlation_id")

	resp, err := s.orch.Compensate(r.Context(), corrID, principal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, orchestrator.ErrUnknownRequest):
		WriteNotFound(w, err.Error())
	case errors.Is(err, ledger.ErrWriteFailed):
		WriteInternal(w, err)
	default:
		WriteUnprocessable(w, err.Error())
	}
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.orch.PendingApprovals()
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// resolveRequest is the wire shape for POST /api/v1/approvals/{id}.
type resolveRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	corrID := r.PathValue("correlation_id")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	err := s.orch.ResolveApproval(corrID, principal, body.Approve, body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"correlation_id": corrID, "recorded": true})
	case errors.Is(err, approval.ErrNotPending):
		WriteNotFound(w, err.Error())
	case errors.Is(err, approval.ErrDuplicateApprover):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		CorrelationID: q.Get("correlation_id"),
		Entity:        q.Get("entity"),
		Target:        action.TargetSystem(q.Get("target")),
		Outcome:       ledger.Outcome(q.Get("outcome")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := q.Get(param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				WriteBadRequest(w, param+" must be RFC 3339")
				return
			}
			*dst = ts
		}
	}

	records, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.VerifyChain(r.Context()); err != nil {
		if errors.Is(err, ledger.ErrChainBroken) {
			WriteErrorR(w, r, http.StatusConflict, "Audit Chain Broken", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intact": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
