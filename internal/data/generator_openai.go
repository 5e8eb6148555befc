package data

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

// MoonshotBaseURL is the default OpenAI-compatible endpoint
const MoonshotBaseURL = "https://api.moonshot.cn/v1"

// OpenAIConfig configures an OpenAI-compatible generator
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// openaiGenerator generates responses through an OpenAI-compatible chat completion API
type openaiGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

// NewOpenAIGenerator creates a generator. Moonshot is used when BaseURL is empty.
func NewOpenAIGenerator(cfg OpenAIConfig) repo.GeneratorRepo {
	if cfg.Model == "" {
		cfg.Model = "moonshot-v1-8k"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = MoonshotBaseURL
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	return &openaiGenerator{
		client:       openai.NewClientWithConfig(config),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}
}

func (g *openaiGenerator) Name() string { return "openai" }

// Generate sends the prompt with image attachments and returns the reply
func (g *openaiGenerator) Generate(ctx context.Context, prompt string, attachments []domain.Attachment) (string, error) {
	var messages []openai.ChatCompletionMessage
	if g.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(attachments) == 0 {
		user.Content = prompt
	} else {
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
		for _, att := range attachments {
			data, mediaType, err := encodeAttachment(att)
			if err != nil {
				return "", &domain.GenerationError{Backend: g.Name(), Err: err}
			}
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mediaType + ";base64," + data,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	messages = append(messages, user)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", generationError(ctx, g.Name(), fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", &domain.GenerationError{Backend: g.Name(), Err: errors.New("no response choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
