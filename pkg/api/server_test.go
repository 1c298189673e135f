package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/adapter"
	"github.com/sentinelops/aegis/pkg/api"
	"github.com/sentinelops/aegis/pkg/approval"
	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/sentinelops/aegis/pkg/orchestrator"
	"github.com/sentinelops/aegis/pkg/policy"
	"github.com/sentinelops/aegis/pkg/verifier"
)

type testServer struct {
	srv     *httptest.Server
	backend *adapter.MemoryBackend
	ledger  *ledger.MemoryLedger
}

type serverConfig struct {
	policy    policy.Policy
	jwtSecret []byte
	rateRPS   int
	rateBurst int
}

func newTestServer(t *testing.T, cfg serverConfig) *testServer {
	t.Helper()
	if cfg.policy.MaxBlastRadius == 0 {
		cfg.policy = policy.DefaultPolicy()
	}
	engine, err := policy.NewEngine(cfg.policy)
	require.NoError(t, err)

	backend := adapter.NewMemoryBackend()
	reg := adapter.NewRegistry()
	reg.Register(adapter.NewEDRAdapter(backend))
	reg.Register(adapter.NewIDPAdapter(backend))
	reg.Register(adapter.NewNetworkAdapter(backend))
	reg.Register(adapter.NewSIEMAdapter(backend))

	led := ledger.NewMemoryLedger()
	apr := approval.NewManager(time.Minute)
	v := &verifier.Verifier{InitialInterval: time.Millisecond, Multiplier: 1.5, MaxAttempts: 3}

	orch := orchestrator.New(engine, reg, led, apr, orchestrator.Options{
		ExecuteTimeout: 5 * time.Second,
		Verifier:       v,
	})
	server := api.NewServer(orch, led, api.ServerOptions{
		JWTSecret: cfg.jwtSecret,
		RateRPS:   cfg.rateRPS,
		RateBurst: cfg.rateBurst,
	})

	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &testServer{srv: ts, backend: backend, ledger: led}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, buf)
	require.NoError(t, err)
	req.Header.Set("X-Principal", "analyst@soc")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, raw
}

func isolateBody(entity string) map[string]any {
	return map[string]any{
		"target":      "EDR",
		"action_type": "isolate_host",
		"entity":      entity,
		"params":      map[string]any{"reason": "malware beacon"},
	}
}

func TestSubmitAction_Completed(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ledger.OutcomeCompleted, out.Outcome)
	assert.Equal(t, action.VerdictApproved, out.Decision.Verdict)
	assert.NotEmpty(t, out.AuditRecordID)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSubmitAction_DeniedIs403(t *testing.T) {
	pol := policy.DefaultPolicy()
	pol.AllowedTargets = []string{"SIEM"}
	ts := newTestServer(t, serverConfig{policy: pol})

	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, action.VerdictDenied, out.Decision.Verdict)
}

func TestSubmitAction_UnconfirmedIs202(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.ConfirmAfter = 100
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ledger.OutcomeUnconfirmed, out.Outcome)
}

func TestSubmitAction_DryRun(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	body := isolateBody("host-1")
	body["dry_run"] = true
	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ledger.OutcomeDryRun, out.Outcome)
	assert.Contains(t, out.Preview, "host-1")
	assert.Zero(t, ts.backend.SideEffects("host-1"))
}

func TestSubmitAction_MalformedBody(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/actions", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("X-Principal", "analyst@soc")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestSubmitAction_IdempotencyKeyReplays(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	headers := map[string]string{"Idempotency-Key": "retry-1"}
	body := isolateBody("host-1")
	body["correlation_id"] = "corr-1"

	resp1, raw1 := ts.do(t, http.MethodPost, "/api/v1/actions", body, headers)
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	resp2, raw2 := ts.do(t, http.MethodPost, "/api/v1/actions", body, headers)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "true", resp2.Header.Get("X-Idempotent-Replay"))
	assert.JSONEq(t, string(raw1), string(raw2))

	// The pipeline ran once: one side effect, one audit record.
	assert.Equal(t, 1, ts.backend.SideEffects("host-1"))
	recs, err := ts.ledger.Query(t.Context(), ledger.Filter{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAuth_JWTRequired(t *testing.T) {
	secret := []byte("test-secret")
	ts := newTestServer(t, serverConfig{jwtSecret: secret})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	// No token.
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"),
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &api.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "analyst@soc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"),
		map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ledger.OutcomeCompleted, out.Outcome)

	// The principal on the audit record comes from the token subject.
	recs, err := ts.ledger.Query(t.Context(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "analyst@soc", recs[0].Request.RequestedBy)

	// Health stays public.
	resp, _ = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApprovalFlow_OverHTTP(t *testing.T) {
	pol := policy.DefaultPolicy()
	pol.RequiresDualApproval = []string{"EDR/isolate_host"}
	ts := newTestServer(t, serverConfig{policy: pol})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	body := isolateBody("host-1")
	body["correlation_id"] = "corr-appr"

	done := make(chan *http.Response, 1)
	go func() {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/actions", body, nil)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		resp, raw := ts.do(t, http.MethodGet, "/api/v1/approvals", nil, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var listing struct {
			Pending []approval.PendingInfo `json:"pending"`
		}
		return json.Unmarshal(raw, &listing) == nil && len(listing.Pending) == 1
	}, time.Second, 5*time.Millisecond)

	for i, approver := range []string{"soc-lead", "ir-manager"} {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/approvals/corr-appr",
			map[string]any{"approve": true},
			map[string]string{"X-Principal": approver})
		require.Equal(t, http.StatusOK, resp.StatusCode, "approver %d", i)
	}

	final := <-done
	assert.Equal(t, http.StatusOK, final.StatusCode)
	assert.Equal(t, 1, ts.backend.SideEffects("host-1"))
}

func TestResolveApproval_UnknownIs404(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/approvals/ghost", map[string]any{"approve": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancel_UnknownIs404(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	resp, _ := ts.do(t, http.MethodDelete, "/api/v1/actions/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRollback_OverHTTP(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	body := isolateBody("host-1")
	body["correlation_id"] = "corr-rb"
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/actions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := ts.do(t, http.MethodPost, "/api/v1/actions/corr-rb/rollback", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out orchestrator.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	require.NotNil(t, out.Result)
	assert.Equal(t, action.StatusRolledBack, out.Result.Status)

	recs, err := ts.ledger.Query(t.Context(), ledger.Filter{CorrelationID: "corr-rb"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestAuditQueryAndVerify(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})
	ts.backend.Seed("user-1", map[string]any{"enabled": true})

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/actions", map[string]any{
		"target":      "IDP",
		"action_type": "disable_user",
		"entity":      "user-1",
		"params":      map[string]any{"reason": "credential theft"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := ts.do(t, http.MethodGet, "/api/v1/audit?entity=host-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Records []ledger.AuditRecord `json:"records"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(raw, &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "host-1", listing.Records[0].Request.Entity)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/audit?limit=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = ts.do(t, http.MethodGet, "/api/v1/audit/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"intact":true`)
}

func TestAuditVerify_BrokenChainIs409(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	ts.backend.Seed("host-1", map[string]any{"online": true, "isolated": false})

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/actions", isolateBody("host-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.ledger.Tamper(0, func(rec *ledger.AuditRecord) { rec.Outcome = ledger.OutcomeFailed })

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/audit/verify", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRateLimit_PerActor(t *testing.T) {
	ts := newTestServer(t, serverConfig{rateRPS: 1, rateBurst: 1})

	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/approvals", nil, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			break
		}
	}
	assert.True(t, limited, "burst of requests should trip the per-actor limit")

	// A different actor has an independent bucket.
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/approvals", nil,
		map[string]string{"X-Principal": "other@soc"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProblemDetail_Shape(t *testing.T) {
	ts := newTestServer(t, serverConfig{})
	resp, raw := ts.do(t, http.MethodDelete, "/api/v1/actions/ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, fmt.Sprintf("https://aegis.sentinelops.io/errors/%d", http.StatusNotFound), problem.Type)
	assert.NotEmpty(t, problem.Title)
}
