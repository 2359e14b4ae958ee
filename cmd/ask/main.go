// Command ask runs a single chat turn from the terminal, with optional file
// attachments, through the same session handler the server uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RichardoC/pana-chat/internal/attachment"
	"github.com/RichardoC/pana-chat/internal/chat"
	"github.com/RichardoC/pana-chat/internal/config"
	"github.com/RichardoC/pana-chat/internal/llm"
	"github.com/RichardoC/pana-chat/internal/logging"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type stdoutUI struct {
	n int
}

func (u *stdoutUI) Send(_ context.Context, content string) (string, error) {
	u.n++
	if content != chat.ThinkingMessage {
		fmt.Println(content)
	}
	return fmt.Sprint(u.n), nil
}

func (u *stdoutUI) Update(_ context.Context, _ string, content string) error {
	fmt.Println(content)
	return nil
}

func main() {
	var files multiFlag
	flag.Var(&files, "file", "file to attach (repeatable)")
	flag.Parse()

	boot, _ := zap.NewProduction()
	_ = godotenv.Load()
	cfg, err := config.New()
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		boot.Fatal("failed to initialize logger", zap.Error(err))
	}
	_ = boot.Sync()
	defer logger.Sync()

	client, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatal("failed to initialize LLM client", zap.Error(err))
	}

	sess := chat.NewSession("cli", client, &stdoutUI{}, chat.Options{
		Timeout:   cfg.DispatchTimeout,
		ImageMode: attachment.Mode(cfg.ImageMode),
		Logger:    logger,
	})
	ctx := context.Background()
	if err := sess.Start(ctx); err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}

	attachments := make([]attachment.Attachment, 0, len(files))
	for _, path := range files {
		attachments = append(attachments, attachment.Deferred(filepath.Base(path), func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		}))
	}

	res, err := sess.HandleMessage(ctx, strings.Join(flag.Args(), " "), attachments)
	if err != nil {
		os.Exit(1)
	}
	logger.Debug("turn finished",
		zap.Int("attachments", len(res.Attachments)),
		zap.Int("total_tokens", res.Response.TotalTokens))
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
