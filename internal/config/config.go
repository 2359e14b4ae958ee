package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type Backend string

const (
	BackendLangChain Backend = "langchain"
	BackendOpenAI    Backend = "openai"
)

const (
	ImageModeInline   = "inline"
	ImageModeDescribe = "describe"
)

const DefaultInstructions = `You are a helpful assistant that can read and analyze uploaded files including text files, documents, code files, and IMAGES.
When users upload image files, you can analyze and describe the visual content, extract text from images, and provide insights about the images.
For text-based files, read the content and provide helpful responses.
For image files, describe what you see and answer questions about the visual content.`

var ErrMissingAPIKey = errors.New("GEMINI_API_KEY is not set. Please ensure it is defined in your .env file")

type Config struct {
	APIKey  string  `env:"GEMINI_API_KEY"`
	BaseURL string  `env:"LLM_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	Model   string  `env:"LLM_MODEL" envDefault:"gemini-2.0-flash"`
	Backend Backend `env:"LLM_BACKEND" envDefault:"langchain"`

	// Chat behaviour
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"60s"`
	ImageMode       string        `env:"IMAGE_MODE" envDefault:"inline"`
	Instructions    string        `env:"SYSTEM_INSTRUCTIONS"`
	Greeting        string        `env:"GREETING" envDefault:"Welcome! How can I help you today? You can upload files (including images) and I'll read and analyze them for you."`

	// Server
	Host            string `env:"HOST" envDefault:"0.0.0.0"`
	Port            int    `env:"PORT" envDefault:"8000"`
	StaticDir       string `env:"STATIC_DIR" envDefault:"web"`
	MaxMessageBytes int64  `env:"MAX_MESSAGE_BYTES" envDefault:"20971520"`

	// Transcripts are kept in memory unless pointed elsewhere
	TranscriptDSN string `env:"TRANSCRIPT_DSN" envDefault:"file:transcripts?mode=memory&cache=shared"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// New reads the configuration from the environment and validates it.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	switch c.Backend {
	case BackendLangChain, BackendOpenAI:
	default:
		return fmt.Errorf("unknown llm backend: %s", c.Backend)
	}
	switch c.ImageMode {
	case ImageModeInline, ImageModeDescribe:
	default:
		return fmt.Errorf("unknown image mode: %s", c.ImageMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive, got %s", c.DispatchTimeout)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
