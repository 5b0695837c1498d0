package specialist

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

const (
	nodePlan     = "plan_tools"
	nodeFinalize = "finalize"
)

func chatTemplate(systemPrompt string) *einoprompt.DefaultChatTemplate {
	return einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)
}

// compileToolPlanningGraph: prompt -> tool-bound model, returning the raw
// assistant message so tool calls survive.
func compileToolPlanningGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	department string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", chatTemplate(systemPrompt)); err != nil {
		return nil, fmt.Errorf("add tool planning prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add tool planning model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add tool planning edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add tool planning edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add tool planning edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("specialist."+department+".tool_planning"))
	if err != nil {
		return nil, fmt.Errorf("compile tool planning graph: %w", err)
	}
	return runner, nil
}

// compileFinalizeGraph: prompt -> model -> JSON parse into finalizeOutput.
func compileFinalizeGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	department string,
) (compose.Runnable[map[string]any, finalizeOutput], error) {
	parser := schema.NewMessageJSONParser[finalizeOutput](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, finalizeOutput]()
	if err := graph.AddChatTemplateNode("prompt", chatTemplate(systemPrompt)); err != nil {
		return nil, fmt.Errorf("add finalize prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add finalize model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add finalize parser node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add finalize edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add finalize edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_json"); err != nil {
		return nil, fmt.Errorf("add finalize edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_json", compose.END); err != nil {
		return nil, fmt.Errorf("add finalize edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("specialist."+department+".finalize"))
	if err != nil {
		return nil, fmt.Errorf("compile finalize graph: %w", err)
	}
	return runner, nil
}

type runtimeState struct {
	Req      contractx.SpecialistRequest
	Finalize bool
}

type flowFunc func(context.Context, contractx.SpecialistRequest) (contractx.SpecialistResponse, error)

// compileRuntimeGraph validates the request and branches to tool planning on
// the first pass, or to the structured finalize step once tool results are
// present or the department has no tools.
func compileRuntimeGraph(
	ctx context.Context,
	department string,
	hasTools bool,
	planFlow flowFunc,
	finalizeFlow flowFunc,
) (compose.Runnable[contractx.SpecialistRequest, contractx.SpecialistResponse], error) {
	graph := compose.NewGraph[contractx.SpecialistRequest, contractx.SpecialistResponse]()

	if err := graph.AddLambdaNode("validate",
		compose.InvokableLambda(func(ctx context.Context, req contractx.SpecialistRequest) (*runtimeState, error) {
			if strings.TrimSpace(req.UserMessage) == "" {
				return nil, fmt.Errorf("%w: user message is required", contractx.ErrValidation)
			}
			if req.Department != "" && req.Department != department {
				return nil, fmt.Errorf("%w: request for %s sent to %s", contractx.ErrValidation, req.Department, department)
			}
			return &runtimeState{
				Req:      req,
				Finalize: !hasTools || len(req.ToolResults) > 0,
			}, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add runtime validate node: %w", err)
	}

	if err := graph.AddLambdaNode(nodePlan,
		compose.InvokableLambda(func(ctx context.Context, in *runtimeState) (contractx.SpecialistResponse, error) {
			return planFlow(ctx, in.Req)
		}),
	); err != nil {
		return nil, fmt.Errorf("add runtime plan node: %w", err)
	}

	if err := graph.AddLambdaNode(nodeFinalize,
		compose.InvokableLambda(func(ctx context.Context, in *runtimeState) (contractx.SpecialistResponse, error) {
			return finalizeFlow(ctx, in.Req)
		}),
	); err != nil {
		return nil, fmt.Errorf("add runtime finalize node: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *runtimeState) (string, error) {
			if in == nil {
				return "", fmt.Errorf("%w: specialist runtime state is nil", contractx.ErrValidation)
			}
			if in.Finalize {
				return nodeFinalize, nil
			}
			return nodePlan, nil
		},
		map[string]bool{nodePlan: true, nodeFinalize: true},
	)

	if err := graph.AddBranch("validate", branch); err != nil {
		return nil, fmt.Errorf("add runtime branch: %w", err)
	}
	if err := graph.AddEdge(compose.START, "validate"); err != nil {
		return nil, fmt.Errorf("add runtime edge start->validate: %w", err)
	}
	if err := graph.AddEdge(nodePlan, compose.END); err != nil {
		return nil, fmt.Errorf("add runtime edge plan->end: %w", err)
	}
	if err := graph.AddEdge(nodeFinalize, compose.END); err != nil {
		return nil, fmt.Errorf("add runtime edge finalize->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("specialist."+department+".runtime"))
	if err != nil {
		return nil, fmt.Errorf("compile runtime graph: %w", err)
	}
	return runner, nil
}
