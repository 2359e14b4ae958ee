package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/RichardoC/pana-chat/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

type LangChain struct {
	llm          llms.Model
	model        string
	instructions string
}

func NewLangChain(baseURL, token, model, instructions string) (*LangChain, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(strings.TrimSuffix(baseURL, "/")),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &LangChain{llm: llm, model: model, instructions: instructions}, nil
}

func (c *LangChain) Generate(ctx context.Context, turns []models.Turn) (Response, error) {
	resp, err := c.llm.GenerateContent(ctx, toMessageContent(c.instructions, turns))
	if err != nil {
		return Response{}, fmt.Errorf("failed to generate completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return Response{}, ErrEmptyResponse
	}

	out := Response{Content: resp.Choices[0].Content, Model: c.model}
	info := resp.Choices[0].GenerationInfo
	out.PromptTokens = intInfo(info, "PromptTokens")
	out.CompletionTokens = intInfo(info, "CompletionTokens")
	out.TotalTokens = intInfo(info, "TotalTokens")
	return out, nil
}

func toMessageContent(instructions string, turns []models.Turn) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(turns)+1)
	if instructions != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, instructions))
	}
	for _, t := range turns {
		role := schema.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		parts := []llms.ContentPart{llms.TextContent{Text: t.Content}}
		for _, img := range t.Images {
			parts = append(parts, llms.ImageURLContent{URL: img.DataURI})
		}
		msgs = append(msgs, llms.MessageContent{Role: role, Parts: parts})
	}
	return msgs
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
