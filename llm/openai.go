package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/webpilot/webpilot/log"
)

// DefaultModel is the planner model when none is configured.
const DefaultModel = "gpt-4o"

// OpenAI talks to an OpenAI-compatible chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
	logger *log.Logger
}

var _ Client = (*OpenAI)(nil)

// OpenAIOption configures the client.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	model   string
	baseURL string
	logger  *log.Logger
}

// WithModel overrides the completion model.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = baseURL }
}

// WithLogger substitutes the logger.
func WithLogger(logger *log.Logger) OpenAIOption {
	return func(c *openAIConfig) { c.logger = logger }
}

// NewOpenAI builds a chat client. An empty apiKey falls back to
// OPENAI_API_KEY; an unset base URL falls back to OPENAI_BASE_URL and
// then the public API.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("cannot build chat client: no API key (set OPENAI_API_KEY)")
	}

	cfg := openAIConfig{model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.logger == nil {
		cfg.logger = log.NewNullLogger()
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  cfg.model,
		logger: cfg.logger,
	}, nil
}

// Complete implements Client. Temperature is pinned to zero: plans
// must be reproducible.
func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(0),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("cannot complete chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("cannot complete chat: empty choice list")
	}
	content := resp.Choices[0].Message.Content
	o.logger.Debugf("LLM:Complete", "model:%s messages:%d replyBytes:%d",
		o.model, len(messages), len(content))
	return content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
