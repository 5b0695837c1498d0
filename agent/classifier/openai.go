package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

// OpenAI classifies with a plain chat completion against any
// OpenAI-compatible endpoint.
type OpenAI struct {
	client       *openaisdk.Client
	model        string
	temperature  float64
	systemPrompt string
	timeout      time.Duration
}

var _ contractx.Classifier = (*OpenAI)(nil)

func NewOpenAI(client *openaisdk.Client, model string, temperature float64, systemPrompt string, timeout time.Duration) (*OpenAI, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: openai client is nil", contractx.ErrValidation)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: supervisor prompt", contractx.ErrPromptMissing)
	}
	return &OpenAI{
		client:       client,
		model:        model,
		temperature:  temperature,
		systemPrompt: systemPrompt,
		timeout:      withTimeout(timeout),
	}, nil
}

func (o *OpenAI) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Decision, error) {
	if err := validateRequest(req); err != nil {
		return contractx.Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(o.systemPrompt),
			openaisdk.UserMessage(UserPrompt(req)),
		},
		Temperature: openaisdk.Float(o.temperature),
	})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: chat completion: %v", contractx.ErrClassification, err)
	}
	if len(resp.Choices) == 0 {
		return contractx.Decision{}, fmt.Errorf("%w: no choices returned", contractx.ErrClassification)
	}

	d, err := ParseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrClassification, err)
	}
	d.TokensUsed = int(resp.Usage.TotalTokens)
	return d, nil
}
