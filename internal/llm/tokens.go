package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/RichardoC/pana-chat/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// TokenCounter estimates the prompt size of a conversation. Image payloads
// are not counted.
type TokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (c *TokenCounter) Count(turns []models.Turn) int {
	c.once.Do(c.init)
	total := 0
	for _, t := range turns {
		// role and separators
		total += 4
		if c.enc != nil {
			total += len(c.enc.Encode(t.Content, nil, nil))
		} else {
			total += approximateTokens(t.Content)
		}
	}
	return total
}

func (c *TokenCounter) init() {
	enc, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err == nil {
		c.enc = enc
	}
}

func approximateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
