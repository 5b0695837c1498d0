package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	openrouterx "github.com/tanpawarit/cognitive-backoffice/pkg/openrouter"
)

// RouterAgent is the model slot used by the supervisor classifier.
const RouterAgent = "router"

// Config selects chat models per department. Overrides are env maps, for
// example LLM_MODELS="finanzas:openai/gpt-4o,tic:openai/gpt-4o-mini".
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" default:"openai/gpt-4o-mini"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.7"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true" default:"EAM Cognitive OS"`

	RouterModel       string             `envconfig:"ROUTER_MODEL" split_words:"true"`
	RouterTemperature float32            `envconfig:"ROUTER_TEMPERATURE" split_words:"true" default:"0.3"`
	Models            map[string]string  `envconfig:"MODELS"`
	Temperatures      map[string]float32 `envconfig:"TEMPERATURES"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// ModelFor resolves the model name and temperature for agent, falling back
// to the defaults.
func (c Config) ModelFor(agent string) (string, float32) {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	if agent == RouterAgent {
		if v := strings.TrimSpace(c.RouterModel); v != "" {
			modelName = v
		}
		return modelName, c.RouterTemperature
	}
	if v := strings.TrimSpace(c.Models[agent]); v != "" {
		modelName = v
	}
	if v, ok := c.Temperatures[agent]; ok && v >= 0 {
		temp = v
	}
	return modelName, temp
}

func (c Config) OpenRouterFor(agent string) openrouterx.Config {
	modelName, temp := c.ModelFor(agent)
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
