package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/pana-chat/internal/api"
	"github.com/RichardoC/pana-chat/internal/attachment"
	"github.com/RichardoC/pana-chat/internal/chat"
	"github.com/RichardoC/pana-chat/internal/config"
	"github.com/RichardoC/pana-chat/internal/db"
	"github.com/RichardoC/pana-chat/internal/llm"
	"github.com/RichardoC/pana-chat/internal/logging"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	boot, _ := zap.NewProduction()
	if err := godotenv.Load(); err != nil {
		boot.Info("No .env file loaded", zap.Error(err))
	}

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

	database, err := db.New(cfg.TranscriptDSN)
	if err != nil {
		logger.Fatal("failed to initialize transcript store",
			zap.Error(err),
			zap.String("dsn", cfg.TranscriptDSN))
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatal("failed to initialize LLM client", zap.Error(err))
	}

	handler := api.NewHandler(database, llmClient, chat.Options{
		Greeting:  cfg.Greeting,
		Timeout:   cfg.DispatchTimeout,
		ImageMode: attachment.Mode(cfg.ImageMode),
		Tokens:    llm.NewTokenCounter(cfg.Model),
	}, cfg.MaxMessageBytes, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Starting server",
			zap.String("addr", server.Addr),
			zap.String("backend", string(cfg.Backend)),
			zap.String("model", cfg.Model))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = multierr.Append(server.Shutdown(shutdownCtx), database.Close())
	if err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
	}
}
