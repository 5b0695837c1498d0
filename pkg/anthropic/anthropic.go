package anthropic

import (
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type Config struct {
	APIKey     string        `envconfig:"API_KEY" split_words:"true"`
	BaseURL    string        `envconfig:"BASE_URL" split_words:"true"`
	Model      string        `envconfig:"MODEL" split_words:"true" default:"claude-3-5-haiku-latest"`
	Timeout    time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	MaxRetries int           `envconfig:"MAX_RETRIES" split_words:"true" default:"1"`
}

// NewClient returns a messages API client, or nil when no key is configured.
func NewClient(cfg Config) *anthropicsdk.Client {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	client := anthropicsdk.NewClient(opts...)
	return &client
}
