package specialist

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	llmx "github.com/tanpawarit/cognitive-backoffice/agent/llm"
	promptx "github.com/tanpawarit/cognitive-backoffice/agent/prompt"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
)

// ModelFactory returns the chat model backing one department.
type ModelFactory func(ctx context.Context, department string) (einomodel.ToolCallingChatModel, error)

type registryImpl struct {
	order       []string
	specialists map[string]contractx.Specialist
}

func (r *registryImpl) Specialist(department string) (contractx.Specialist, bool) {
	s, ok := r.specialists[department]
	return s, ok
}

func (r *registryImpl) Departments() []string {
	return append([]string(nil), r.order...)
}

// NewRegistry builds one specialist per department with OpenRouter models
// resolved from cfg.
func NewRegistry(ctx context.Context, cfg llmx.Config, depts promptx.Departments, catalog *toolx.Catalog) (contractx.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return Build(ctx, depts, catalog, func(ctx context.Context, department string) (einomodel.ToolCallingChatModel, error) {
		modelCfg := cfg.OpenRouterFor(department)
		return modelCfg.New(ctx)
	})
}

func Build(ctx context.Context, depts promptx.Departments, catalog *toolx.Catalog, newModel ModelFactory) (contractx.Registry, error) {
	reg := &registryImpl{specialists: make(map[string]contractx.Specialist, len(depts))}
	for _, d := range depts {
		chatModel, err := newModel(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, d.Name, err)
		}
		systemPrompt, err := d.SystemPrompt()
		if err != nil {
			return nil, err
		}
		spec, err := newSpecialist(ctx, d.Name, chatModel, systemPrompt, catalog.InfosFor(d.Name))
		if err != nil {
			return nil, err
		}
		reg.order = append(reg.order, d.Name)
		reg.specialists[d.Name] = spec
	}
	return reg, nil
}
