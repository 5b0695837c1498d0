package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

// Eino classifies through a compiled eino graph:
// build_messages -> model -> parse_decision.
type Eino struct {
	runner  compose.Runnable[contractx.ClassifyRequest, contractx.Decision]
	timeout time.Duration
}

var _ contractx.Classifier = (*Eino)(nil)

func NewEino(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, timeout time.Duration) (*Eino, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: supervisor prompt", contractx.ErrPromptMissing)
	}

	graph := compose.NewGraph[contractx.ClassifyRequest, contractx.Decision]()
	if err := graph.AddLambdaNode("build_messages",
		compose.InvokableLambda(func(ctx context.Context, req contractx.ClassifyRequest) ([]*schema.Message, error) {
			if err := validateRequest(req); err != nil {
				return nil, err
			}
			return []*schema.Message{
				schema.SystemMessage(systemPrompt),
				schema.UserMessage(UserPrompt(req)),
			}, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add classifier messages node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add classifier model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_decision",
		compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (contractx.Decision, error) {
			if msg == nil {
				return contractx.Decision{}, fmt.Errorf("%w: empty classifier response", contractx.ErrSchemaViolation)
			}
			d, err := ParseDecision(msg.Content)
			if err != nil {
				return contractx.Decision{}, err
			}
			if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
				d.TokensUsed = msg.ResponseMeta.Usage.TotalTokens
			}
			return d, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add classifier parse node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "build_messages"); err != nil {
		return nil, fmt.Errorf("add classifier edge start->messages: %w", err)
	}
	if err := graph.AddEdge("build_messages", "model"); err != nil {
		return nil, fmt.Errorf("add classifier edge messages->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_decision"); err != nil {
		return nil, fmt.Errorf("add classifier edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_decision", compose.END); err != nil {
		return nil, fmt.Errorf("add classifier edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("classifier.supervisor"))
	if err != nil {
		return nil, fmt.Errorf("%w: compile classifier graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Eino{runner: runner, timeout: withTimeout(timeout)}, nil
}

func (e *Eino) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	d, err := e.runner.Invoke(ctx, req)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrClassification, err)
	}
	return d, nil
}
