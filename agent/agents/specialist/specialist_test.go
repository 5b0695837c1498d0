package specialist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	promptx "github.com/tanpawarit/cognitive-backoffice/agent/prompt"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
)

type fakeToolCallingModel struct {
	mu        sync.Mutex
	responses []*schema.Message
	err       error
	idx       int
	inputs    [][]*schema.Message
	bound     []*schema.ToolInfo
}

func (f *fakeToolCallingModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeToolCallingModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeToolCallingModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.bound = tools
	return f, nil
}

func (f *fakeToolCallingModel) lastUserInput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return ""
	}
	msgs := f.inputs[len(f.inputs)-1]
	return msgs[len(msgs)-1].Content
}

func financeTools() []*schema.ToolInfo {
	catalog, err := toolx.NewCatalog(toolx.Deps{}, map[string][]string{
		"finanzas": {"consultar_cartera", "generar_factura"},
	})
	if err != nil {
		panic(err)
	}
	return catalog.InfosFor("finanzas")
}

func TestSpecialistToolCallMapping(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: schema.FunctionCall{
					Name:      "generar_factura",
					Arguments: `{"estudiante_id":"EST-1","concepto":"matricula","valor":2500000}`,
				},
			}},
		}},
	}

	spec, err := newSpecialist(context.Background(), "finanzas", fake, "finanzas prompt", financeTools())
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}
	if len(fake.bound) != 2 {
		t.Fatalf("expected 2 bound tools, got %d", len(fake.bound))
	}

	resp, err := spec.Run(context.Background(), contractx.SpecialistRequest{
		Department:     "finanzas",
		UserMessage:    "genera la factura de matrícula",
		OKRSummary:     "Objetivos relacionados: Sanear la cartera estudiantil",
		PreviousAgents: []string{"admisiones"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resp.ToolRequests) != 1 || resp.ToolRequests[0].Tool != "generar_factura" {
		t.Fatalf("unexpected tool requests: %#v", resp.ToolRequests)
	}
	if resp.ToolRequests[0].Args["valor"] != float64(2500000) {
		t.Fatalf("unexpected args: %#v", resp.ToolRequests[0].Args)
	}

	input := fake.lastUserInput()
	for _, want := range []string{"Solicitud del usuario: genera la factura", "Contexto OKR:", "Agentes previos consultados: admisiones"} {
		if !strings.Contains(input, want) {
			t.Fatalf("input %q misses %q", input, want)
		}
	}
}

func TestSpecialistRejectsUnassignedTool(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				Function: schema.FunctionCall{Name: "consultar_estudiante", Arguments: `{}`},
			}},
		}},
	}
	spec, err := newSpecialist(context.Background(), "finanzas", fake, "finanzas prompt", financeTools())
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}

	_, err = spec.Run(context.Background(), contractx.SpecialistRequest{UserMessage: "consulta"})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestSpecialistPlainAnswerSkipsTools(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{Role: schema.Assistant, Content: "La cartera está al día."}},
	}
	spec, err := newSpecialist(context.Background(), "finanzas", fake, "finanzas prompt", financeTools())
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}

	resp, err := spec.Run(context.Background(), contractx.SpecialistRequest{UserMessage: "¿cómo va la cartera?"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Message != "La cartera está al día." || len(resp.ToolRequests) != 0 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestSpecialistFinalizeWithToolResults(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role:    schema.Assistant,
			Content: `{"message":"Factura FAC-1 generada.","delegate_to":"Finanzas","genui":[{"component":"invoice","data":{"numero":"FAC-1"}},{"component":"","data":{}}]}`,
		}},
	}
	spec, err := newSpecialist(context.Background(), "finanzas", fake, "finanzas prompt", financeTools())
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}

	resp, err := spec.Run(context.Background(), contractx.SpecialistRequest{
		UserMessage: "genera la factura",
		ToolResults: []contractx.ToolResult{{Tool: "generar_factura", Result: map[string]any{"numero": "FAC-1"}}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Message != "Factura FAC-1 generada." {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
	if resp.DelegateTo != "" {
		t.Fatalf("self delegation must be dropped, got %q", resp.DelegateTo)
	}
	if len(resp.GenUI) != 1 || resp.GenUI[0].Component != "invoice" {
		t.Fatalf("unexpected genui: %#v", resp.GenUI)
	}
	if !strings.Contains(fake.lastUserInput(), "Resultados de herramientas:") {
		t.Fatal("finalize input misses tool results")
	}
}

func TestSpecialistWithoutToolsFinalizesDirectly(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{Content: `{"message":"Revisaré el caso.","delegate_to":"finanzas"}`}},
	}
	spec, err := newSpecialist(context.Background(), "tic", fake, "tic prompt", nil)
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}

	resp, err := spec.Run(context.Background(), contractx.SpecialistRequest{
		UserMessage: "el portal está caído",
		History:     []statex.ChatTurn{{Role: statex.RoleUser, Content: "hola"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.DelegateTo != "finanzas" {
		t.Fatalf("unexpected delegate: %q", resp.DelegateTo)
	}
}

func TestSpecialistEmptyMessageViolatesSchema(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{responses: []*schema.Message{{Content: `{"message":"  "}`}}}
	spec, err := newSpecialist(context.Background(), "tic", fake, "tic prompt", nil)
	if err != nil {
		t.Fatalf("newSpecialist() error = %v", err)
	}
	if _, err := spec.Run(context.Background(), contractx.SpecialistRequest{UserMessage: "x"}); !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestBuildRegistryFromCatalog(t *testing.T) {
	t.Parallel()

	depts, err := promptx.LoadDepartments()
	if err != nil {
		t.Fatalf("LoadDepartments() error = %v", err)
	}
	catalog, err := toolx.NewCatalog(toolx.Deps{}, depts.Assignments())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	var built []string
	reg, err := Build(context.Background(), depts, catalog, func(ctx context.Context, department string) (einomodel.ToolCallingChatModel, error) {
		built = append(built, department)
		return &fakeToolCallingModel{}, nil
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if strings.Join(reg.Departments(), ",") != strings.Join(built, ",") {
		t.Fatalf("departments %v, built %v", reg.Departments(), built)
	}
	if _, ok := reg.Specialist("finanzas"); !ok {
		t.Fatal("finanzas specialist missing")
	}
	if _, ok := reg.Specialist("none"); ok {
		t.Fatal("none must not resolve to a specialist")
	}
}
