package llm

import (
	"context"
	"errors"

	"github.com/RichardoC/pana-chat/internal/models"
)

var ErrEmptyResponse = errors.New("model returned an empty response")

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client sends a whole conversation to a chat-completion model.
type Client interface {
	Generate(ctx context.Context, turns []models.Turn) (Response, error)
}
