package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

// AnthropicConfig configures the Anthropic generator
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

type anthropicGenerator struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	maxTokens    int64
}

// NewAnthropicGenerator creates a generator backed by the Messages API
func NewAnthropicGenerator(cfg AnthropicConfig) repo.GeneratorRepo {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &anthropicGenerator{
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    int64(cfg.MaxTokens),
	}
}

func (g *anthropicGenerator) Name() string { return "anthropic" }

func (g *anthropicGenerator) Generate(ctx context.Context, prompt string, attachments []domain.Attachment) (string, error) {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)}
	for _, att := range attachments {
		data, mediaType, err := encodeAttachment(att)
		if err != nil {
			return "", &domain.GenerationError{Backend: g.Name(), Err: err}
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if g.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.systemPrompt}}
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", generationError(ctx, g.Name(), fmt.Errorf("messages: %w", err))
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &domain.GenerationError{Backend: g.Name(), Err: errors.New("no text in response")}
	}
	return sb.String(), nil
}
