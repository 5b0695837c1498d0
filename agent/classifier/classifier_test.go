package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

var testRequest = contractx.ClassifyRequest{
	UserMessage:   "consultar matrícula de Juan",
	VisitedAgents: []string{"finanzas"},
	Options:       []contractx.NodeInfo{{Name: "admisiones"}, {Name: "finanzas"}},
	OKRContext:    &statex.OKRContext{AlignedOKRIDs: []string{"okr-2025-01"}},
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		selected string
		conf     float64
		wantErr  bool
	}{
		{"plain", `{"selected_agent":"admisiones","confidence":0.9,"reasoning":"matrícula"}`, "admisiones", 0.9, false},
		{"fenced", "```json\n{\"selected_agent\":\"finanzas\",\"confidence\":0.75}\n```", "finanzas", 0.75, false},
		{"prose around", `Claro. {"selected_agent":"tic","confidence":"0.6","reasoning":"usa {llaves}"} Fin.`, "tic", 0.6, false},
		{"skips invalid", `{not json} {"selected_agent":"none","confidence":0.1}`, "none", 0.1, false},
		{"missing field", `{"confidence":0.9}`, "", 0, true},
		{"wrong type", `{"selected_agent":3}`, "", 0, true},
		{"no object", `routing to admisiones`, "", 0, true},
	}
	for _, tc := range cases {
		d, err := ParseDecision(tc.text)
		if tc.wantErr {
			if !errors.Is(err, contractx.ErrSchemaViolation) {
				t.Fatalf("%s: expected ErrSchemaViolation, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: ParseDecision() error = %v", tc.name, err)
		}
		if d.Selected != tc.selected || d.Confidence != tc.conf {
			t.Fatalf("%s: got %#v", tc.name, d)
		}
	}
}

func TestParseDecisionCollaboration(t *testing.T) {
	t.Parallel()

	d, err := ParseDecision(`{"selected_agent":"retencion","confidence":0.8,"requires_collaboration":true,"secondary_agents":["finanzas"," ",""]}`)
	if err != nil {
		t.Fatalf("ParseDecision() error = %v", err)
	}
	if !d.RequiresCollaboration || len(d.Secondary) != 1 || d.Secondary[0] != "finanzas" {
		t.Fatalf("unexpected decision: %#v", d)
	}
}

func TestUserPrompt(t *testing.T) {
	t.Parallel()

	p := UserPrompt(testRequest)
	for _, want := range []string{
		"consultar matrícula de Juan",
		"OKRs alineados: [okr-2025-01]",
		"Agentes ya visitados en esta sesión: [finanzas]",
		"Opciones válidas: admisiones, finanzas, none",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt %q misses %q", p, want)
		}
	}
}

type fakeChatModel struct {
	content string
	err     error
	input   []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{
		Role:         schema.Assistant,
		Content:      f.content,
		ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{TotalTokens: 42}},
	}, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func TestEinoClassifier(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{content: `{"selected_agent":"admisiones","confidence":0.9,"reasoning":"matrícula"}`}
	c, err := NewEino(context.Background(), fake, "supervisor prompt", time.Second)
	if err != nil {
		t.Fatalf("NewEino() error = %v", err)
	}

	d, err := c.Classify(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if d.Selected != "admisiones" || d.TokensUsed != 42 {
		t.Fatalf("unexpected decision: %#v", d)
	}
	if len(fake.input) != 2 || fake.input[0].Content != "supervisor prompt" {
		t.Fatalf("unexpected model input: %#v", fake.input)
	}
}

func TestEinoClassifierFailures(t *testing.T) {
	t.Parallel()

	c, err := NewEino(context.Background(), &fakeChatModel{err: errors.New("boom")}, "supervisor prompt", time.Second)
	if err != nil {
		t.Fatalf("NewEino() error = %v", err)
	}
	if _, err := c.Classify(context.Background(), testRequest); !errors.Is(err, contractx.ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}

	c, err = NewEino(context.Background(), &fakeChatModel{content: "no sé"}, "supervisor prompt", time.Second)
	if err != nil {
		t.Fatalf("NewEino() error = %v", err)
	}
	if _, err := c.Classify(context.Background(), testRequest); !errors.Is(err, contractx.ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}

	if _, err := NewEino(context.Background(), &fakeChatModel{}, " ", time.Second); !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}

func TestOpenAIClassifier(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.Error(w, "unexpected route", http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"cmpl-1","object":"chat.completion","created":1,"model":"openai/gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"selected_agent\":\"finanzas\",\"confidence\":0.8,\"reasoning\":\"cartera\"}"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`)
	}))
	defer srv.Close()

	client := openaisdk.NewClient(
		openaioption.WithAPIKey("test"),
		openaioption.WithBaseURL(srv.URL+"/"),
		openaioption.WithMaxRetries(0),
	)
	c, err := NewOpenAI(&client, "openai/gpt-4o-mini", 0.3, "supervisor prompt", time.Second)
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}

	d, err := c.Classify(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if d.Selected != "finanzas" || d.TokensUsed != 15 {
		t.Fatalf("unexpected decision: %#v", d)
	}
	if body["model"] != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected request body: %#v", body)
	}
}

func TestAnthropicClassifier(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.Error(w, "unexpected route", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"Decisión: {\"selected_agent\":\"retencion\",\"confidence\":0.7}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":8}
		}`)
	}))
	defer srv.Close()

	client := anthropicsdk.NewClient(
		anthropicoption.WithAPIKey("test"),
		anthropicoption.WithBaseURL(srv.URL),
		anthropicoption.WithMaxRetries(0),
	)
	c, err := NewAnthropic(&client, "claude-3-5-haiku-latest", 0.3, "supervisor prompt", time.Second)
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}

	d, err := c.Classify(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if d.Selected != "retencion" || d.TokensUsed != 20 {
		t.Fatalf("unexpected decision: %#v", d)
	}
}

func TestClassifierRequiresMessage(t *testing.T) {
	t.Parallel()

	client := openaisdk.NewClient(openaioption.WithAPIKey("test"))
	c, err := NewOpenAI(&client, "m", 0.3, "p", time.Second)
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	if _, err := c.Classify(context.Background(), contractx.ClassifyRequest{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
