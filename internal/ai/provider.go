package ai

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/tmc/langchaingo/llms"
	llmopenai "github.com/tmc/langchaingo/llms/openai"
	"google.golang.org/genai"

	"github.com/fyrsmithlabs/collabd/internal/config"
)

// Generator produces text for a prompt. One call is one provider request;
// retries happen above it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// NewGenerator builds the Generator for cfg.Provider.
//
// Returns ErrMissingCredential when the provider needs an API key and none
// is configured.
func NewGenerator(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	key := strings.TrimSpace(cfg.APIKey.Value())
	if key == "" && cfg.Provider != config.ProviderOpenAICompatible {
		return nil, ErrMissingCredential
	}

	switch cfg.Provider {
	case config.ProviderGemini, "":
		return newGemini(ctx, key, cfg)
	case config.ProviderAnthropic:
		return newAnthropic(key, cfg), nil
	case config.ProviderOpenAI:
		return newOpenAI(key, cfg), nil
	case config.ProviderOpenAICompatible:
		return newCompatible(key, cfg)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

type geminiGenerator struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGemini(ctx context.Context, key string, cfg config.AIConfig) (*geminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiGenerator{client: client, model: cfg.Model, maxTokens: int32(cfg.MaxTokens)}, nil
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var genCfg *genai.GenerateContentConfig
	if g.maxTokens > 0 {
		genCfg = &genai.GenerateContentConfig{MaxOutputTokens: g.maxTokens}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

const defaultAnthropicMaxTokens = 1024

type anthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropic(key string, cfg config.AIConfig) *anthropicGenerator {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		// The Messages API rejects requests without a positive max_tokens.
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (g *anthropicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

type openAIGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func newOpenAI(key string, cfg config.AIConfig) *openAIGenerator {
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
	}
	return &openAIGenerator{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	}
	if g.maxTokens > 0 {
		params.MaxTokens = openai.Int(g.maxTokens)
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// compatibleGenerator talks to any OpenAI-compatible endpoint such as a
// local vLLM or Ollama server.
type compatibleGenerator struct {
	llm       llms.Model
	maxTokens int
}

func newCompatible(key string, cfg config.AIConfig) (*compatibleGenerator, error) {
	opts := []llmopenai.Option{
		llmopenai.WithModel(cfg.Model),
		llmopenai.WithBaseURL(cfg.BaseURL),
	}
	if key != "" {
		opts = append(opts, llmopenai.WithToken(key))
	} else {
		// langchaingo refuses an empty token even when the server ignores it.
		opts = append(opts, llmopenai.WithToken("unused"))
	}
	llm, err := llmopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai-compatible client: %w", err)
	}
	return &compatibleGenerator{llm: llm, maxTokens: cfg.MaxTokens}, nil
}

func (g *compatibleGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var opts []llms.CallOption
	if g.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(g.maxTokens))
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("openai-compatible generate: %w", err)
	}
	return out, nil
}
