package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	auditx "github.com/tanpawarit/cognitive-backoffice/agent/audit"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu        sync.Mutex
	started   []statex.Request
	reviews   []string
	notes     []string
	resumed   []string
	expired   []string
	queries   []orchestratorx.RunQuery
	memories  []statex.Memory
	runErr    error
	reviewErr error
	resumeErr error
	cancelErr error
	audit     []statex.AuditEntry
}

func (f *fakeService) StartRun(_ context.Context, req statex.Request, async bool) (*orchestratorx.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	status := statex.StatusCompleted
	if async {
		status = statex.StatusRunning
	}
	return &orchestratorx.RunHandle{RunID: "run-1", Status: status, Response: "ok"}, nil
}

func (f *fakeService) GetRun(_ context.Context, runID string) (*statex.RunState, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &statex.RunState{RunID: runID, Status: statex.StatusSuspended}, nil
}

func (f *fakeService) GetAuditLog(_ context.Context, runID string) ([]statex.AuditEntry, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.audit, nil
}

func (f *fakeService) CancelRun(context.Context, string) error {
	return f.cancelErr
}

func (f *fakeService) GetApproval(_ context.Context, id string) (*hitlx.Request, error) {
	if id != "apr-1" {
		return nil, fmt.Errorf("%w: %s", hitlx.ErrNotFound, id)
	}
	return &hitlx.Request{ID: id, RunID: "run-1", Status: hitlx.StatusPending}, nil
}

func (f *fakeService) ListPendingApprovals(context.Context, int) ([]*hitlx.Request, error) {
	return []*hitlx.Request{{ID: "apr-1", Status: hitlx.StatusPending}}, nil
}

func (f *fakeService) ReviewApproval(_ context.Context, id string, status hitlx.Status, reviewer, notes string) (*orchestratorx.RunHandle, error) {
	f.mu.Lock()
	f.reviews = append(f.reviews, id+":"+string(status)+":"+reviewer)
	f.notes = append(f.notes, notes)
	f.mu.Unlock()
	if f.reviewErr != nil {
		if errors.Is(f.reviewErr, contractx.ErrApprovalRejected) {
			return &orchestratorx.RunHandle{RunID: "run-1", Status: statex.StatusFailed, Error: contractx.ErrorCodeHITLRejected}, f.reviewErr
		}
		return nil, f.reviewErr
	}
	return &orchestratorx.RunHandle{RunID: "run-1", Status: statex.StatusCompleted}, nil
}

func (f *fakeService) ExpireApproval(_ context.Context, id string) (*orchestratorx.RunHandle, error) {
	f.mu.Lock()
	f.expired = append(f.expired, id)
	f.mu.Unlock()
	return &orchestratorx.RunHandle{RunID: "run-1", Status: statex.StatusFailed, Error: contractx.ErrorCodeHITLExpired}, nil
}

func (f *fakeService) ResumeRun(_ context.Context, id string) (*orchestratorx.RunHandle, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, id)
	f.mu.Unlock()
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	return &orchestratorx.RunHandle{RunID: "run-1", Status: statex.StatusCompleted, Response: "Factura emitida"}, nil
}

func (f *fakeService) ApprovalStats(context.Context) (hitlx.Counts, error) {
	return hitlx.Counts{hitlx.StatusPending: 2, hitlx.StatusApproved: 3, hitlx.StatusRejected: 1, hitlx.StatusExpired: 0}, nil
}

func (f *fakeService) ListRuns(_ context.Context, q orchestratorx.RunQuery) ([]orchestratorx.RunSummary, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return []orchestratorx.RunSummary{{RunID: "run-1", ConversationID: q.ConversationID, Status: statex.StatusCompleted}}, nil
}

func (f *fakeService) ChatHistory(_ context.Context, conversationID string) ([]statex.ChatTurn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, contractx.ErrValidation
	}
	return []statex.ChatTurn{
		{Role: statex.RoleUser, Content: "consultar matrícula"},
		{Role: statex.RoleAssistant, Content: "Matriculado", Node: "admisiones"},
	}, nil
}

func (f *fakeService) ListAgents() []orchestratorx.Agent {
	return []orchestratorx.Agent{{Name: "finanzas", Title: "Finanzas"}, {Name: "admisiones", Title: "Admisiones"}}
}

func (f *fakeService) GetAgent(name string) (orchestratorx.Agent, error) {
	for _, a := range f.ListAgents() {
		if a.Name == name {
			return a, nil
		}
	}
	return orchestratorx.Agent{}, fmt.Errorf("%w: %s", contractx.ErrUnknownNode, name)
}

func (f *fakeService) GetAgentStats(_ context.Context, name string) (*orchestratorx.AgentStats, error) {
	if _, err := f.GetAgent(name); err != nil {
		return nil, err
	}
	return &orchestratorx.AgentStats{Agent: name, Runs: 4, ByStatus: map[statex.Status]int{statex.StatusCompleted: 4}}, nil
}

func (f *fakeService) SearchMemory(_ context.Context, query string, limit int) ([]statex.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, contractx.ErrValidation
	}
	return []statex.Memory{{ID: "m1", Content: "Convenio con la Gobernación", Importance: float64(limit) / 10}}, nil
}

func (f *fakeService) Remember(_ context.Context, mem statex.Memory) (statex.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mem.ID = "m2"
	f.memories = append(f.memories, mem)
	return mem, nil
}

type recordingAccess struct {
	mu     sync.Mutex
	events []auditx.AccessEvent
}

func (r *recordingAccess) LogAccess(_ context.Context, evt auditx.AccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(signature string, _ []byte, destination string) error {
	if signature != "good" || destination != "https://backoffice.example/api/v1/hitl/expire" {
		return errors.New("bad signature")
	}
	return nil
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func newServer(t *testing.T, svc Service, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s, err := New(Config{JWTSecret: "secret"}, svc, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(s *Server, method, path, remote, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remote
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAccessLevelOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ip, forwarded string
		want          statex.AccessLevel
	}{
		{"192.168.10.4", "", statex.AccessSedePrincipal},
		{"127.0.0.1", "", statex.AccessSedePrincipal},
		{"10.0.3.2", "", statex.AccessVPNInstitucional},
		{"203.0.113.9", "client.vpn.eam.edu.co", statex.AccessVPNInstitucional},
		{"203.0.113.9", "198.51.100.2", statex.AccessExterno},
		{"172.16.0.1", "", statex.AccessExterno},
	}
	for _, tc := range cases {
		if got := AccessLevelOf(tc.ip, tc.forwarded); got != tc.want {
			t.Fatalf("AccessLevelOf(%q, %q) = %s, want %s", tc.ip, tc.forwarded, got, tc.want)
		}
	}
}

func TestStartRunBuildsSecurityContext(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	access := &recordingAccess{}
	s := newServer(t, svc, WithAccessLog(access))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	rec := do(s, http.MethodPost, "/api/v1/runs", "192.168.1.5:4000", `{"message":"consultar matrícula"}`, http.Header{
		"Authorization":  {"Bearer " + token},
		"X-Device-Token": {"device-token-123"},
		"X-Session-Id":   {"sess-9"},
		"User-Agent":     {"backoffice-test"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if len(svc.started) != 1 {
		t.Fatalf("expected one run, got %d", len(svc.started))
	}
	req := svc.started[0]
	sec := req.Security
	if sec.AccessLevel != statex.AccessSedePrincipal || !sec.DeviceVerified || sec.SessionID != "sess-9" {
		t.Fatalf("unexpected security context: %#v", sec)
	}
	if sec.PrincipalID != "user-42" || req.TriggeredBy != "user-42" || sec.IPAddress != "192.168.1.5" || sec.UserAgent != "backoffice-test" {
		t.Fatalf("unexpected identity: %#v", req)
	}
	if len(access.events) != 1 || access.events[0].Action != "run.start" || access.events[0].ResourceID != "run-1" {
		t.Fatalf("unexpected access log: %#v", access.events)
	}
}

func TestAnonymousDefaults(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newServer(t, svc)

	rec := do(s, http.MethodPost, "/api/v1/runs", "203.0.113.9:4000", `{"message":"hola","async":true}`, http.Header{
		"Authorization":  {"Bearer not-a-token"},
		"X-Device-Token": {"short"},
		"Cookie":         {"session_id=cookie-sess"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	sec := svc.started[0].Security
	if sec.AccessLevel != statex.AccessExterno || sec.DeviceVerified || sec.SessionID != "cookie-sess" {
		t.Fatalf("unexpected security context: %#v", sec)
	}
	if sec.PrincipalID != "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected anonymous principal, got %q", sec.PrincipalID)
	}

	rec = do(s, http.MethodPost, "/api/v1/runs", "203.0.113.9:4000", `{"message":"hola"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := svc.started[1].Security.SessionID; got != "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected nil session, got %q", got)
	}

	rec = do(s, http.MethodPost, "/api/v1/runs", "203.0.113.9:4000", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing message: status = %d", rec.Code)
	}
}

func TestReviewRequiresInstitutionalAccess(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newServer(t, svc)
	body := `{"status":"approved","reviewer":"coord-1"}`

	rec := do(s, http.MethodPost, "/api/v1/approvals/apr-1/review", "203.0.113.9:4000", body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("external review: status = %d", rec.Code)
	}
	if len(svc.reviews) != 0 {
		t.Fatalf("external review reached the service")
	}

	rec = do(s, http.MethodPost, "/api/v1/approvals/apr-1/review", "203.0.113.9:4000", body, http.Header{
		"X-Forwarded-For": {"gw.vpn.eam.edu.co"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("vpn review: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(svc.reviews) != 1 || svc.reviews[0] != "apr-1:approved:00000000-0000-0000-0000-000000000000" {
		t.Fatalf("unexpected reviews: %v", svc.reviews)
	}

	rec = do(s, http.MethodPost, "/api/v1/approvals/apr-1/review", "127.0.0.1:4000", `{"status":"expired"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: status = %d", rec.Code)
	}
}

func TestReviewerIsAuthenticatedPrincipal(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	access := &recordingAccess{}
	s := newServer(t, svc, WithAccessLog(access))
	auth := http.Header{"Authorization": {"Bearer " + signToken(t, "decano-7")}}

	rec := do(s, http.MethodPost, "/api/v1/approvals/apr-1/review", "127.0.0.1:4000", `{"status":"approved","reviewer":"rector","notes":"visto bueno"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = do(s, http.MethodPost, "/api/v1/approvals/apr-1/review", "127.0.0.1:4000", `{"status":"approved","reviewer":"decano-7","notes":"ok"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	want := []string{"apr-1:approved:decano-7", "apr-1:approved:decano-7"}
	if len(svc.reviews) != 2 || svc.reviews[0] != want[0] || svc.reviews[1] != want[1] {
		t.Fatalf("reviews = %v, want %v", svc.reviews, want)
	}
	if svc.notes[0] != "[reviewer: rector] visto bueno" || svc.notes[1] != "ok" {
		t.Fatalf("notes = %q", svc.notes)
	}
	if access.events[0].Metadata["reviewer"] != "decano-7" {
		t.Fatalf("access log reviewer = %v", access.events[0].Metadata["reviewer"])
	}
}

func TestResumeRoute(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newServer(t, svc)

	rec := do(s, http.MethodPost, "/api/v1/approvals/apr-1/resume", "203.0.113.9:4000", "", nil)
	if rec.Code != http.StatusForbidden || len(svc.resumed) != 0 {
		t.Fatalf("external resume: status = %d, resumed %v", rec.Code, svc.resumed)
	}

	rec = do(s, http.MethodPost, "/api/v1/approvals/apr-1/resume", "10.0.0.4:4000", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var handle orchestratorx.RunHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	if handle.Status != statex.StatusCompleted || len(svc.resumed) != 1 || svc.resumed[0] != "apr-1" {
		t.Fatalf("handle = %#v, resumed %v", handle, svc.resumed)
	}

	pending := newServer(t, &fakeService{resumeErr: contractx.ErrApprovalPending})
	if rec := do(pending, http.MethodPost, "/api/v1/approvals/apr-1/resume", "127.0.0.1:4000", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("pending resume: status = %d", rec.Code)
	}
}

func TestCatalogRoutes(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newServer(t, svc)
	get := func(path string, want int) map[string]any {
		t.Helper()
		rec := do(s, http.MethodGet, path, "127.0.0.1:4000", "", nil)
		if rec.Code != want {
			t.Fatalf("GET %s: status = %d, want %d (body %s)", path, rec.Code, want, rec.Body.String())
		}
		var out map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
		return out
	}

	runs := get("/api/v1/runs?conversation_id=conv-1&status=completed&agent=finanzas&limit=5", http.StatusOK)
	if len(runs["runs"].([]any)) != 1 {
		t.Fatalf("runs = %v", runs)
	}
	q := svc.queries[0]
	if q.ConversationID != "conv-1" || q.Status != statex.StatusCompleted || q.Agent != "finanzas" || q.Limit != 5 {
		t.Fatalf("query = %#v", q)
	}
	get("/api/v1/runs?limit=0", http.StatusBadRequest)

	history := get("/api/v1/chat/history/conv-1", http.StatusOK)
	if history["conversation_id"] != "conv-1" || len(history["messages"].([]any)) != 2 {
		t.Fatalf("history = %v", history)
	}

	agents := get("/api/v1/agents", http.StatusOK)
	if len(agents["agents"].([]any)) != 2 {
		t.Fatalf("agents = %v", agents)
	}
	if agent := get("/api/v1/agents/finanzas", http.StatusOK); agent["title"] != "Finanzas" {
		t.Fatalf("agent = %v", agent)
	}
	get("/api/v1/agents/rectoria", http.StatusNotFound)
	if stats := get("/api/v1/agents/finanzas/stats", http.StatusOK); stats["runs"] != float64(4) {
		t.Fatalf("agent stats = %v", stats)
	}
	get("/api/v1/agents/rectoria/stats", http.StatusNotFound)

	hitl := get("/api/v1/hitl/stats", http.StatusOK)
	counts := hitl["counts"].(map[string]any)
	if counts["pending"] != float64(2) || hitl["total"] != float64(6) {
		t.Fatalf("hitl stats = %v", hitl)
	}
}

func TestMemoryRoutes(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newServer(t, svc)

	rec := do(s, http.MethodGet, "/api/v1/memory/search?q=convenio&limit=3", "127.0.0.1:4000", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Gobernación") {
		t.Fatalf("search: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := do(s, http.MethodGet, "/api/v1/memory/search", "127.0.0.1:4000", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty search: status = %d", rec.Code)
	}

	body := `{"content":"Convenio de descuento","importance":0.6}`
	if rec := do(s, http.MethodPost, "/api/v1/memory", "203.0.113.9:4000", body, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("external create: status = %d", rec.Code)
	}
	rec = do(s, http.MethodPost, "/api/v1/memory", "127.0.0.1:4000", body, http.Header{
		"Authorization": {"Bearer " + signToken(t, "coord-3")},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(svc.memories) != 1 || svc.memories[0].Source != "coord-3" || svc.memories[0].Importance != 0.6 {
		t.Fatalf("memories = %#v", svc.memories)
	}
	if rec := do(s, http.MethodPost, "/api/v1/memory", "127.0.0.1:4000", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing content: status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		svc    *fakeService
		method string
		path   string
		body   string
		want   int
	}{
		{"run not found", &fakeService{runErr: contractx.ErrRunNotFound}, http.MethodGet, "/api/v1/runs/x", "", http.StatusNotFound},
		{"approval not found", &fakeService{}, http.MethodGet, "/api/v1/approvals/missing", "", http.StatusNotFound},
		{"not cancellable", &fakeService{cancelErr: contractx.ErrNotCancellable}, http.MethodPost, "/api/v1/runs/x/cancel", "", http.StatusConflict},
		{"cancel accepted", &fakeService{}, http.MethodPost, "/api/v1/runs/x/cancel", "", http.StatusAccepted},
		{"pending", &fakeService{reviewErr: contractx.ErrApprovalPending}, http.MethodPost, "/api/v1/approvals/apr-1/review", `{"status":"approved"}`, http.StatusConflict},
		{"conflict", &fakeService{reviewErr: fmt.Errorf("%w: apr-1", contractx.ErrApprovalConflict)}, http.MethodPost, "/api/v1/approvals/apr-1/review", `{"status":"approved"}`, http.StatusConflict},
		{"rejected closes run", &fakeService{reviewErr: contractx.ErrApprovalRejected}, http.MethodPost, "/api/v1/approvals/apr-1/review", `{"status":"rejected"}`, http.StatusOK},
		{"internal", &fakeService{runErr: errors.New("disk full")}, http.MethodGet, "/api/v1/runs/x/audit", "", http.StatusInternalServerError},
		{"list approvals", &fakeService{}, http.MethodGet, "/api/v1/approvals?limit=5", "", http.StatusOK},
		{"bad limit", &fakeService{}, http.MethodGet, "/api/v1/approvals?limit=-1", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		s := newServer(t, tc.svc)
		rec := do(s, tc.method, tc.path, "127.0.0.1:4000", tc.body, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestExpireCallback(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	disabled := newServer(t, svc)
	if rec := do(disabled, http.MethodPost, "/api/v1/hitl/expire", "203.0.113.9:1", `{"approval_id":"apr-1"}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled callback: status = %d", rec.Code)
	}

	s := newServer(t, svc, WithExpiryVerifier(fakeVerifier{}, "https://backoffice.example/api/v1/hitl/expire"))
	rec := do(s, http.MethodPost, "/api/v1/hitl/expire", "203.0.113.9:1", `{"approval_id":"apr-1"}`, http.Header{
		"Upstash-Signature": {"forged"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged callback: status = %d", rec.Code)
	}

	rec = do(s, http.MethodPost, "/api/v1/hitl/expire", "203.0.113.9:1", `{"approval_id":"apr-1"}`, http.Header{
		"Upstash-Signature": {"good"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed callback: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var handle orchestratorx.RunHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	if handle.Error != contractx.ErrorCodeHITLExpired || len(svc.expired) != 1 {
		t.Fatalf("unexpected expiry: %#v, %v", handle, svc.expired)
	}
}

func TestAuditStream(t *testing.T) {
	t.Parallel()

	broadcaster := auditx.NewBroadcaster(4)
	svc := &fakeService{audit: []statex.AuditEntry{statex.Thinking("Analizando solicitud", "router")}}
	s := newServer(t, svc, WithStream(broadcaster))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/run-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var backlog auditx.Event
	if err := conn.ReadJSON(&backlog); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if backlog.RunID != "run-1" || len(backlog.Entries) != 1 || backlog.Entries[0].Content != "Analizando solicitud" {
		t.Fatalf("unexpected backlog: %#v", backlog)
	}

	if err := broadcaster.Append(context.Background(), "run-1", []statex.AuditEntry{statex.Decision("Seleccionado: finanzas", "router")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	var live auditx.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if len(live.Entries) != 1 || live.Entries[0].StepType != statex.StepDecision {
		t.Fatalf("unexpected live event: %#v", live)
	}
}
