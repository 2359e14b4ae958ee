package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/RichardoC/pana-chat/internal/models"
	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client       *openai.Client
	model        string
	instructions string
}

func NewOpenAI(apiKey, baseURL, model, instructions string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(config),
		model:        model,
		instructions: instructions,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, turns []models.Turn) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toChatMessages(c.instructions, turns),
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            c.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func toChatMessages(instructions string, turns []models.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		// content and multi-content are mutually exclusive on the wire
		if len(t.Images) == 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: t.Content}}
		for _, img := range t.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.DataURI, Detail: openai.ImageURLDetailAuto},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return msgs
}
