package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

type fakeClassifier struct {
	decision contractx.Decision
	err      error
	block    bool
	got      contractx.ClassifyRequest
}

func (f *fakeClassifier) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Decision, error) {
	f.got = req
	if f.block {
		<-ctx.Done()
		return contractx.Decision{}, ctx.Err()
	}
	return f.decision, f.err
}

var testNodes = []contractx.NodeInfo{
	{Name: "admisiones"},
	{Name: "finanzas"},
	{Name: "retencion"},
}

func newState(t *testing.T, message string) *statex.RunState {
	t.Helper()
	st, err := statex.New(statex.Request{RunID: "run-1", UserMessage: message}, time.Now())
	if err != nil {
		t.Fatalf("state.New() error = %v", err)
	}
	return st
}

func TestRouteToDepartment(t *testing.T) {
	t.Parallel()

	fc := &fakeClassifier{decision: contractx.Decision{Selected: "Admisiones", Confidence: 0.9, Reasoning: "consulta de matrícula"}}
	r, err := New(fc, testNodes)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	st := newState(t, "consultar matrícula de Juan")
	st.MarkVisited("finanzas")
	d := r.Route(context.Background(), st)
	if d.Selected != "admisiones" || d.Failed {
		t.Fatalf("unexpected decision: %#v", d)
	}
	if len(fc.got.Options) != 3 || len(fc.got.VisitedAgents) != 1 {
		t.Fatalf("classifier saw %#v", fc.got)
	}

	out, err := Transition(d)(st)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if out.NextAgent != "admisiones" {
		t.Fatalf("unexpected next agent: %q", out.NextAgent)
	}
	if len(out.BrainLog) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out.BrainLog))
	}
	if out.BrainLog[0].StepType != statex.StepThinking || !strings.HasPrefix(out.BrainLog[0].Content, "Analyzing user request: consultar matrícula de Juan") {
		t.Fatalf("unexpected thinking entry: %#v", out.BrainLog[0])
	}
	if out.BrainLog[1].Content != "Routing to: admisiones (confidence: 0.90) - consulta de matrícula" {
		t.Fatalf("unexpected decision entry: %q", out.BrainLog[1].Content)
	}
	if len(out.DelegationChain) != 1 || out.DelegationChain[0] != "admisiones" {
		t.Fatalf("unexpected delegation chain: %v", out.DelegationChain)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	r, err := New(&fakeClassifier{}, testNodes)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cases := []struct {
		name      string
		in        contractx.Decision
		selected  string
		conf      float64
		secondary []string
	}{
		{"unknown", contractx.Decision{Selected: "rectoria", Confidence: 0.8}, contractx.NoneNode, 0.8, nil},
		{"clamp high", contractx.Decision{Selected: "finanzas", Confidence: 1.7}, "finanzas", 1, []string{}},
		{"clamp low", contractx.Decision{Selected: "finanzas", Confidence: -2}, "finanzas", 0, []string{}},
		{
			"secondary filtered",
			contractx.Decision{Selected: "finanzas", Confidence: 0.5, Secondary: []string{"finanzas", "retencion", "tic", "Retencion", "admisiones"}},
			"finanzas", 0.5, []string{"retencion", "admisiones"},
		},
	}
	for _, tc := range cases {
		got := r.Normalize(tc.in)
		if got.Selected != tc.selected || got.Confidence != tc.conf {
			t.Fatalf("%s: got %#v", tc.name, got)
		}
		if strings.Join(got.Secondary, ",") != strings.Join(tc.secondary, ",") {
			t.Fatalf("%s: secondary %v, want %v", tc.name, got.Secondary, tc.secondary)
		}
	}
}

func TestCollaborationChain(t *testing.T) {
	t.Parallel()

	st := newState(t, "análisis de deserción y cartera")
	d := contractx.Decision{Selected: "retencion", Confidence: 0.7, RequiresCollaboration: true, Secondary: []string{"finanzas"}}
	out, err := Transition(d)(st)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if strings.Join(out.DelegationChain, ",") != "retencion,finanzas" {
		t.Fatalf("unexpected chain: %v", out.DelegationChain)
	}

	st = newState(t, "análisis de deserción")
	d.RequiresCollaboration = false
	out, err = Transition(d)(st)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if strings.Join(out.DelegationChain, ",") != "retencion" {
		t.Fatalf("secondary agents must be ignored without collaboration: %v", out.DelegationChain)
	}
}

func TestNoneAsksForClarification(t *testing.T) {
	t.Parallel()

	st := newState(t, "hola")
	out, err := Transition(contractx.Decision{Selected: contractx.NoneNode, Confidence: 0.2, Reasoning: "ambiguo"})(st)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !out.IsComplete || out.CurrentResponse != ClarificationResponse || out.NextAgent != "" {
		t.Fatalf("unexpected state: complete=%v next=%q response=%q", out.IsComplete, out.NextAgent, out.CurrentResponse)
	}
	if out.Error != "" {
		t.Fatalf("clarification must not set an error: %q", out.Error)
	}
}

func TestClassifierFailureHalts(t *testing.T) {
	t.Parallel()

	r, err := New(&fakeClassifier{err: errors.New("gateway 503")}, testNodes)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	st := newState(t, "consultar cartera")
	d := r.Route(context.Background(), st)
	if !d.Failed || d.Selected != contractx.NoneNode || !strings.Contains(d.FailureReason, "gateway 503") {
		t.Fatalf("unexpected decision: %#v", d)
	}

	out, err := Transition(d)(st)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if out.Error == "" || out.NextAgent != "" {
		t.Fatalf("expected error and no next agent, got error=%q next=%q", out.Error, out.NextAgent)
	}
	last := out.BrainLog[len(out.BrainLog)-1]
	if last.StepType != statex.StepError || !strings.HasPrefix(last.Content, "Routing error: ") {
		t.Fatalf("unexpected last entry: %#v", last)
	}
	for _, e := range out.BrainLog {
		if e.StepType == statex.StepDecision {
			t.Fatalf("failed routing must not log a decision: %#v", e)
		}
	}
}

func TestRouteHonoursTimeout(t *testing.T) {
	t.Parallel()

	r, err := New(&fakeClassifier{block: true}, testNodes, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d := r.Route(context.Background(), newState(t, "x"))
	if !d.Failed || !strings.Contains(d.FailureReason, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline failure, got %#v", d)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, testNodes); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := New(&fakeClassifier{}, nil); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}
