package nl2sql

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LangChainGenerator routes generation through a langchaingo chat model.
type LangChainGenerator struct {
	model       contentGenerator
	temperature float64
}

func NewLangChainGenerator(cfg OpenAIConfig) (*LangChainGenerator, error) {
	baseURL, apiKey, model, timeout, err := normalizeProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithBaseURL(baseURL+"/v1"),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("create langchain model: %w", err)
	}
	return &LangChainGenerator{model: llm, temperature: cfg.Temperature}, nil
}

func newLangChainGeneratorWithModel(model contentGenerator, temperature float64) *LangChainGenerator {
	return &LangChainGenerator{model: model, temperature: temperature}
}

func (g *LangChainGenerator) Generate(ctx context.Context, req Request) (string, error) {
	messages, err := BuildMessages(req)
	if err != nil {
		return "", err
	}
	content := make([]llms.MessageContent, 0, len(messages))
	for _, message := range messages {
		content = append(content, llms.TextParts(chatMessageType(message.Role), message.Content))
	}

	resp, err := g.model.GenerateContent(ctx, content, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty langchain response choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", fmt.Errorf("model returned empty content")
	}
	return text, nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
