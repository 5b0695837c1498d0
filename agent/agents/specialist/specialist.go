package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const historyWindow = 10

const finalizeInstruction = `Responde únicamente con un objeto JSON con las claves "message" (respuesta final en español), ` +
	`"delegate_to" (departamento que debe continuar, o cadena vacía) y "genui" (lista opcional de componentes con "component" y "data").`

type specialistImpl struct {
	department     string
	planRunner     compose.Runnable[map[string]any, *schema.Message]
	finalizeRunner compose.Runnable[map[string]any, finalizeOutput]
	runtimeRunner  compose.Runnable[contractx.SpecialistRequest, contractx.SpecialistResponse]
	allowedTools   map[string]struct{}
}

type finalizeOutput struct {
	Message    string                `json:"message"`
	DelegateTo string                `json:"delegate_to,omitempty"`
	GenUI      []statex.GenUIPayload `json:"genui,omitempty"`
}

func newSpecialist(
	ctx context.Context,
	department string,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
	tools []*schema.ToolInfo,
) (*specialistImpl, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: system prompt for %s", contractx.ErrPromptMissing, department)
	}

	finalizeRunner, err := compileFinalizeGraph(ctx, chatModel, systemPrompt, department)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	spec := &specialistImpl{
		department:     department,
		finalizeRunner: finalizeRunner,
		allowedTools:   make(map[string]struct{}, len(tools)),
	}
	for _, t := range tools {
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		spec.allowedTools[t.Name] = struct{}{}
	}

	if len(spec.allowedTools) > 0 {
		toolModel, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for department=%s: %v", contractx.ErrModelInvoke, department, err)
		}
		spec.planRunner, err = compileToolPlanningGraph(ctx, toolModel, systemPrompt, department)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
	}

	spec.runtimeRunner, err = compileRuntimeGraph(ctx, department, spec.planRunner != nil, spec.plan, spec.finalize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return spec, nil
}

func (s *specialistImpl) Run(ctx context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	return s.runtimeRunner.Invoke(ctx, req)
}

// plan asks the tool-bound model which tools to call. A plain answer with no
// tool calls is returned as the final message.
func (s *specialistImpl) plan(ctx context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	msg, err := s.planRunner.Invoke(ctx, map[string]any{"input": buildInput(req, false)})
	if err != nil {
		return contractx.SpecialistResponse{}, fmt.Errorf("%w: tool planning invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return contractx.SpecialistResponse{}, fmt.Errorf("%w: empty tool planning response", contractx.ErrSchemaViolation)
	}

	toolRequests, err := toToolRequests(msg.ToolCalls)
	if err != nil {
		return contractx.SpecialistResponse{}, err
	}
	if len(toolRequests) == 0 {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			return contractx.SpecialistResponse{}, fmt.Errorf("%w: planning returned neither tools nor text", contractx.ErrSchemaViolation)
		}
		return contractx.SpecialistResponse{Message: content}, nil
	}

	for _, tr := range toolRequests {
		if _, ok := s.allowedTools[tr.Tool]; !ok {
			return contractx.SpecialistResponse{}, fmt.Errorf("%w: tool=%s is not allowed for department=%s", contractx.ErrSchemaViolation, tr.Tool, s.department)
		}
	}
	return contractx.SpecialistResponse{
		Message:      strings.TrimSpace(msg.Content),
		ToolRequests: toolRequests,
	}, nil
}

func (s *specialistImpl) finalize(ctx context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	out, err := s.finalizeRunner.Invoke(ctx, map[string]any{"input": buildInput(req, true)})
	if err != nil {
		return contractx.SpecialistResponse{}, fmt.Errorf("%w: finalize invoke: %v", contractx.ErrModelInvoke, err)
	}

	message := strings.TrimSpace(out.Message)
	if message == "" {
		return contractx.SpecialistResponse{}, fmt.Errorf("%w: specialist message is empty", contractx.ErrSchemaViolation)
	}
	delegate := strings.ToLower(strings.TrimSpace(out.DelegateTo))
	if delegate == s.department || delegate == contractx.NoneNode {
		delegate = ""
	}

	genui := make([]statex.GenUIPayload, 0, len(out.GenUI))
	for _, p := range out.GenUI {
		if strings.TrimSpace(p.Component) == "" {
			continue
		}
		genui = append(genui, p)
	}

	return contractx.SpecialistResponse{
		Message:    message,
		DelegateTo: delegate,
		GenUI:      genui,
	}, nil
}

func buildInput(req contractx.SpecialistRequest, finalize bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Solicitud del usuario: %s\n", req.UserMessage)
	if req.OKRSummary != "" {
		fmt.Fprintf(&b, "\nContexto OKR: %s\n", req.OKRSummary)
	}
	if len(req.Memories) > 0 {
		b.WriteString("\nMemoria relevante:\n")
		for _, m := range req.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	if len(req.PreviousAgents) > 0 {
		fmt.Fprintf(&b, "\nAgentes previos consultados: %s\n", strings.Join(req.PreviousAgents, ", "))
	}

	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nHistorial reciente:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "- %s: %s\n", turn.Role, turn.Content)
		}
	}

	if !finalize {
		return b.String()
	}
	if len(req.ToolResults) > 0 {
		raw, err := json.Marshal(req.ToolResults)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", req.ToolResults))
		}
		fmt.Fprintf(&b, "\nResultados de herramientas:\n%s\n", raw)
	}
	b.WriteString("\n")
	b.WriteString(finalizeInstruction)
	return b.String()
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}
		reqs = append(reqs, contractx.ToolRequest{Tool: tool, Args: args})
	}
	return reqs, nil
}
