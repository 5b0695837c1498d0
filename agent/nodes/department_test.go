package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

type scriptedSpecialist struct {
	responses []contractx.SpecialistResponse
	err       error
	requests  []contractx.SpecialistRequest
}

func (s *scriptedSpecialist) Run(_ context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return contractx.SpecialistResponse{}, s.err
	}
	if len(s.responses) == 0 {
		return contractx.SpecialistResponse{}, errors.New("no scripted response left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type fakeGateway struct {
	err   error
	fail  map[string]string
	calls [][]contractx.ToolRequest
}

func (g *fakeGateway) Execute(_ context.Context, _ string, reqs []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	g.calls = append(g.calls, reqs)
	if g.err != nil {
		return nil, g.err
	}
	out := make([]contractx.ToolResult, 0, len(reqs))
	for _, r := range reqs {
		if msg, ok := g.fail[r.Tool]; ok {
			out = append(out, contractx.ToolResult{Tool: r.Tool, Error: msg})
			continue
		}
		out = append(out, contractx.ToolResult{Tool: r.Tool, Result: map[string]any{"ok": true}})
	}
	return out, nil
}

func newRun(t *testing.T, message string) *statex.RunState {
	t.Helper()
	st, err := statex.New(statex.Request{RunID: "run-1", UserMessage: message}, time.Now())
	if err != nil {
		t.Fatalf("statex.New() error = %v", err)
	}
	return st
}

func countSteps(entries []statex.AuditEntry, kind statex.StepType) int {
	n := 0
	for _, e := range entries {
		if e.StepType == kind {
			n++
		}
	}
	return n
}

func TestDepartmentAnswersWithoutTools(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{{Message: "El periodo de matrícula cierra el viernes."}}}
	d, err := NewDepartment("admisiones", spec, &fakeGateway{})
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}

	upd, err := d.Run(context.Background(), newRun(t, "¿Cuándo cierra la matrícula?"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := upd.Validate(); err != nil {
		t.Fatalf("update invalid: %v", err)
	}
	if !upd.Complete || !upd.Visited || upd.Response != "El periodo de matrícula cierra el viernes." {
		t.Fatalf("unexpected update: %#v", upd)
	}
	if upd.Entries[0].Content != "Entering agent: admisiones" {
		t.Fatalf("first entry = %q", upd.Entries[0].Content)
	}
	last := upd.Entries[len(upd.Entries)-1]
	if last.StepType != statex.StepDecision || !strings.HasPrefix(last.Content, "Respuesta generada en ") {
		t.Fatalf("last entry = %#v", last)
	}
}

func TestDepartmentRunsToolsThenFinalizes(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{
		{ToolRequests: []contractx.ToolRequest{{Tool: "consultar_estudiante", Args: map[string]any{"codigo": "2024001"}}}},
		{Message: "El estudiante está activo."},
	}}
	gw := &fakeGateway{}
	d, err := NewDepartment("admisiones", spec, gw)
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}

	upd, err := d.Run(context.Background(), newRun(t, "Consultar estudiante 2024001"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !upd.Complete || upd.Response != "El estudiante está activo." {
		t.Fatalf("unexpected update: %#v", upd)
	}
	if len(gw.calls) != 1 || gw.calls[0][0].Tool != "consultar_estudiante" {
		t.Fatalf("unexpected gateway calls: %#v", gw.calls)
	}
	if len(spec.requests) != 2 || len(spec.requests[1].ToolResults) != 1 {
		t.Fatalf("second specialist call did not receive tool results: %#v", spec.requests)
	}
	if countSteps(upd.Entries, statex.StepAction) != 1 || countSteps(upd.Entries, statex.StepObservation) != 1 {
		t.Fatalf("expected one action and one observation: %#v", upd.Entries)
	}
}

func TestDepartmentDegradesOnToolFailure(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{
		{ToolRequests: []contractx.ToolRequest{{Tool: "consultar_cartera"}}},
		{Message: "No fue posible consultar la cartera en este momento."},
	}}
	gw := &fakeGateway{err: errors.New("sistema financiero no disponible")}
	d, err := NewDepartment("finanzas", spec, gw)
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}

	upd, err := d.Run(context.Background(), newRun(t, "Estado de cartera"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !upd.Complete || upd.Err != "" {
		t.Fatalf("tool failure should not fail the run: %#v", upd)
	}
	if countSteps(upd.Entries, statex.StepError) != 1 {
		t.Fatalf("expected one error entry: %#v", upd.Entries)
	}
	results := spec.requests[1].ToolResults
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("failed result not forwarded: %#v", results)
	}
}

func TestDepartmentHoldsGatedToolForApproval(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{{
		Message: "Factura lista para emitir.",
		ToolRequests: []contractx.ToolRequest{
			{Tool: "consultar_cartera", Args: map[string]any{"codigo": "2024001"}},
			{Tool: "generar_factura", Args: map[string]any{"codigo": "2024001", "valor": 2500000}},
		},
	}}}
	gw := &fakeGateway{}
	d, err := NewDepartment("finanzas", spec, gw, WithPolicy(hitlx.MustDefaultPolicy()))
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}

	upd, err := d.Run(context.Background(), newRun(t, "Generar factura por 2.500.000"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := upd.Validate(); err != nil {
		t.Fatalf("update invalid: %v", err)
	}
	if upd.HITL == nil || upd.HITL.Reason != "factura > $1,000,000" {
		t.Fatalf("expected HITL flag, got %#v", upd.HITL)
	}
	a := upd.HITL.Action
	if a == nil || a.Node != "finanzas" || a.Tool != "generar_factura" || a.Response != "Factura lista para emitir." {
		t.Fatalf("unexpected proposed action: %#v", a)
	}
	if len(gw.calls) != 1 || len(gw.calls[0]) != 1 || gw.calls[0][0].Tool != "consultar_cartera" {
		t.Fatalf("only the ungated tool should run: %#v", gw.calls)
	}
	if len(spec.requests) != 1 {
		t.Fatalf("specialist should not finalize while suspended, calls = %d", len(spec.requests))
	}
}

func TestDepartmentExecutesApprovedAction(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{{Message: "Factura FAC-1 emitida.", DelegateTo: "retencion"}}}
	gw := &fakeGateway{}
	d, err := NewDepartment("finanzas", spec, gw,
		WithPolicy(hitlx.MustDefaultPolicy()),
		WithDelegates(func(string) bool { return true }),
	)
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}

	st := newRun(t, "Generar factura por 2.500.000")
	st.ApprovedAction = &statex.ProposedAction{Node: "finanzas", Tool: "generar_factura", Args: map[string]any{"valor": 2500000}}

	upd, err := d.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !upd.ConsumeApproval || !upd.Complete || upd.HITL != nil {
		t.Fatalf("approved action should complete without another approval: %#v", upd)
	}
	if upd.Next != "" {
		t.Fatalf("approved action must not delegate, next = %q", upd.Next)
	}
	if len(gw.calls) != 1 || gw.calls[0][0].Tool != "generar_factura" {
		t.Fatalf("approved tool not executed: %#v", gw.calls)
	}

	out, err := upd.Apply(st)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.ApprovedAction != nil || !out.IsComplete || out.FinalResponse != "Factura FAC-1 emitida." {
		t.Fatalf("unexpected state after apply: %#v", out)
	}
}

func TestDepartmentApprovedActionSurvivesFinalizeFailure(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{err: errors.New("model down")}
	d, err := NewDepartment("finanzas", spec, &fakeGateway{})
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}
	st := newRun(t, "Generar factura")
	st.ApprovedAction = &statex.ProposedAction{Node: "finanzas", Tool: "generar_factura", Response: "Factura emitida."}

	upd, err := d.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !upd.Complete || upd.Response != "Factura emitida." || countSteps(upd.Entries, statex.StepError) != 1 {
		t.Fatalf("unexpected update: %#v", upd)
	}
}

func TestDepartmentDelegation(t *testing.T) {
	t.Parallel()

	known := func(name string) bool { return name == "finanzas" || name == "retencion" }
	cases := []struct {
		name     string
		delegate string
		visited  []string
		wantNext string
	}{
		{"known target", "finanzas", nil, "finanzas"},
		{"already visited", "finanzas", []string{"finanzas"}, ""},
		{"unknown target", "rectoria", nil, ""},
		{"self", "retencion", nil, ""},
	}
	for _, tc := range cases {
		spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{{Message: "Caso en riesgo.", DelegateTo: tc.delegate}}}
		d, err := NewDepartment("retencion", spec, nil, WithDelegates(known))
		if err != nil {
			t.Fatalf("%s: NewDepartment() error = %v", tc.name, err)
		}
		st := newRun(t, "Estudiante en riesgo con deuda")
		st.VisitedAgents = tc.visited
		st.DelegationChain = []string{"retencion"}

		upd, err := d.Run(context.Background(), st)
		if err != nil {
			t.Fatalf("%s: Run() error = %v", tc.name, err)
		}
		if upd.Next != tc.wantNext {
			t.Fatalf("%s: next = %q, want %q", tc.name, upd.Next, tc.wantNext)
		}
		if tc.wantNext == "" {
			if !upd.Complete {
				t.Fatalf("%s: expected completion: %#v", tc.name, upd)
			}
			continue
		}
		if len(upd.Delegation) != 2 || upd.Delegation[1] != tc.wantNext {
			t.Fatalf("%s: delegation = %v", tc.name, upd.Delegation)
		}
	}
}

func TestDepartmentModelFailureFailsRun(t *testing.T) {
	t.Parallel()

	d, err := NewDepartment("tic", &scriptedSpecialist{err: errors.New("boom")}, nil)
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}
	upd, err := d.Run(context.Background(), newRun(t, "Restablecer contraseña"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if upd.Err != "Error en tic: boom" || upd.Complete {
		t.Fatalf("unexpected update: %#v", upd)
	}
	if err := upd.Validate(); err != nil {
		t.Fatalf("update invalid: %v", err)
	}
}

func TestDepartmentRequestContext(t *testing.T) {
	t.Parallel()

	spec := &scriptedSpecialist{responses: []contractx.SpecialistResponse{{Message: "ok"}}}
	d, err := NewDepartment("finanzas", spec, nil)
	if err != nil {
		t.Fatalf("NewDepartment() error = %v", err)
	}
	st := newRun(t, "Estado de cartera")
	st.VisitedAgents = []string{"retencion", "finanzas"}
	st.OKRContext = &statex.OKRContext{ContextSummary: "Reducir deserción"}
	for i := 0; i < 5; i++ {
		st.RetrievedMemories = append(st.RetrievedMemories, statex.Memory{ID: string(rune('a' + i)), Content: strings.Repeat("x", 300)})
	}

	if _, err := d.Run(context.Background(), st); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := spec.requests[0]
	if req.OKRSummary != "Reducir deserción" {
		t.Fatalf("okr summary = %q", req.OKRSummary)
	}
	if len(req.Memories) != 3 || len([]rune(req.Memories[0].Content)) != 200 {
		t.Fatalf("memories not windowed: %d", len(req.Memories))
	}
	if len(req.PreviousAgents) != 1 || req.PreviousAgents[0] != "retencion" {
		t.Fatalf("previous agents = %v", req.PreviousAgents)
	}
	if len(st.RetrievedMemories[0].Content) != 300 {
		t.Fatal("request building mutated the run state")
	}
}

func TestNewDepartmentValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDepartment("none", &scriptedSpecialist{}, nil); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := NewDepartment("tic", nil, nil); !errors.Is(err, ErrNilSpecialist) {
		t.Fatalf("expected ErrNilSpecialist, got %v", err)
	}
}
