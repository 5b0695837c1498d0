package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic classifies through the Anthropic messages API.
type Anthropic struct {
	client       *anthropicsdk.Client
	model        string
	maxTokens    int64
	temperature  float64
	systemPrompt string
	timeout      time.Duration
}

var _ contractx.Classifier = (*Anthropic)(nil)

func NewAnthropic(client *anthropicsdk.Client, model string, temperature float64, systemPrompt string, timeout time.Duration) (*Anthropic, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: anthropic client is nil", contractx.ErrValidation)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: supervisor prompt", contractx.ErrPromptMissing)
	}
	return &Anthropic{
		client:       client,
		model:        model,
		maxTokens:    defaultAnthropicMaxTokens,
		temperature:  temperature,
		systemPrompt: systemPrompt,
		timeout:      withTimeout(timeout),
	}, nil
}

func (a *Anthropic) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Decision, error) {
	if err := validateRequest(req); err != nil {
		return contractx.Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg, err := a.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropicsdk.Float(a.temperature),
		System:      []anthropicsdk.TextBlockParam{{Text: a.systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(UserPrompt(req))),
		},
	})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: messages: %v", contractx.ErrClassification, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	d, err := ParseDecision(text.String())
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrClassification, err)
	}
	d.TokensUsed = int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	return d, nil
}
