package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RichardoC/pana-chat/internal/attachment"
	"github.com/RichardoC/pana-chat/internal/llm"
	"github.com/RichardoC/pana-chat/internal/models"
	"go.uber.org/zap"
)

const (
	ThinkingMessage = "Thinking..."
	DefaultTimeout  = 60 * time.Second
)

type State int

const (
	StateInitialized State = iota
	StateAwaitingInput
	StateProcessingTurn
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateProcessingTurn:
		return "processing_turn"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// UI is the chat surface of one connection.
type UI interface {
	// Send shows a new message and returns its id.
	Send(ctx context.Context, content string) (string, error)
	// Update replaces the content of a message sent earlier.
	Update(ctx context.Context, id, content string) error
}

type Recorder interface {
	SaveTurn(ctx context.Context, sessionID string, turn *models.Turn) error
}

type TokenCounter interface {
	Count(turns []models.Turn) int
}

type Options struct {
	Greeting  string
	Timeout   time.Duration
	ImageMode attachment.Mode
	Recorder  Recorder
	Tokens    TokenCounter
	Logger    *zap.Logger
}

// Session holds the history of one chat connection. Turns on a session are
// expected to arrive one at a time.
type Session struct {
	ID string

	client    llm.Client
	ui        UI
	processor *attachment.Processor
	greeting  string
	timeout   time.Duration
	recorder  Recorder
	tokens    TokenCounter
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	history []models.Turn
}

func NewSession(id string, client llm.Client, ui UI, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		ID:        id,
		client:    client,
		ui:        ui,
		processor: attachment.NewProcessor(opts.ImageMode),
		greeting:  opts.Greeting,
		timeout:   opts.Timeout,
		recorder:  opts.Recorder,
		tokens:    opts.Tokens,
		logger:    opts.Logger.With(zap.String("session_id", id)),
	}
}

// Start resets the history and greets the user.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.history = []models.Turn{}
	s.state = StateAwaitingInput
	s.mu.Unlock()

	if s.greeting == "" {
		return nil
	}
	if _, err := s.ui.Send(ctx, s.greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}
	return nil
}

type TurnResult struct {
	Reply       string
	Notices     []string
	Attachments []attachment.Outcome
	Response    llm.Response
}

// HandleMessage runs one round trip: fold attachments into a user turn, send
// the whole history to the model and show the reply in place of the
// placeholder. A failed dispatch returns a *DispatchError and leaves the
// session ready for the next message.
func (s *Session) HandleMessage(ctx context.Context, text string, attachments []attachment.Attachment) (TurnResult, error) {
	if err := s.begin(); err != nil {
		return TurnResult{}, err
	}
	defer s.finish()

	placeholder, err := s.ui.Send(ctx, ThinkingMessage)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to send placeholder: %w", err)
	}

	folded := s.processor.Process(ctx, attachments)
	for _, o := range folded.Outcomes {
		if o.Err != nil {
			s.logger.Warn("attachment skipped", zap.String("name", o.Name), zap.Error(o.Err))
		}
	}
	for _, notice := range folded.Notices {
		if _, err := s.ui.Send(ctx, notice); err != nil {
			s.logger.Warn("failed to send notice", zap.String("notice", notice), zap.Error(err))
		}
	}
	result := TurnResult{Notices: folded.Notices, Attachments: folded.Outcomes}

	s.append(ctx, models.Turn{
		Role:    models.RoleUser,
		Content: text + folded.Text,
		Images:  folded.Images,
	})

	history := s.History()
	if ce := s.logger.Check(zap.DebugLevel, "calling model with context"); ce != nil && s.tokens != nil {
		ce.Write(
			zap.Int("turns", len(history)),
			zap.Int("images", len(folded.Images)),
			zap.Int("estimated_tokens", s.tokens.Count(history)))
	}

	resp, err := s.dispatch(ctx, history)
	if err != nil {
		derr := &DispatchError{Err: err}
		s.logger.Error("failed to process message", zap.Error(err))
		if uerr := s.ui.Update(ctx, placeholder, derr.Display()); uerr != nil {
			s.logger.Warn("failed to show error", zap.Error(uerr))
		}
		return result, derr
	}

	if err := s.ui.Update(ctx, placeholder, resp.Content); err != nil {
		s.logger.Warn("failed to show reply", zap.Error(err))
	}
	s.append(ctx, models.Turn{Role: models.RoleAssistant, Content: resp.Content})

	s.logger.Info("turn completed",
		zap.Int("attachments", len(attachments)),
		zap.Int("failed_attachments", folded.Failed()),
		zap.Int("history", len(history)+1),
		zap.Int("total_tokens", resp.TotalTokens))

	result.Reply = resp.Content
	result.Response = resp
	return result, nil
}

func (s *Session) dispatch(ctx context.Context, history []models.Turn) (llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Generate(ctx, history)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return llm.Response{}, fmt.Errorf("model request timed out after %s: %w", s.timeout, err)
		}
		return llm.Response{}, err
	}
	if resp.Content == "" {
		return llm.Response{}, llm.ErrEmptyResponse
	}
	return resp, nil
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitialized:
		return ErrNotStarted
	case StateProcessingTurn:
		return ErrTurnInProgress
	}
	s.state = StateProcessingTurn
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateAwaitingInput
	s.mu.Unlock()
}

func (s *Session) append(ctx context.Context, turn models.Turn) {
	turn.SessionID = s.ID
	turn.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.history = append(s.history, turn)
	s.mu.Unlock()

	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveTurn(ctx, s.ID, &turn); err != nil {
		s.logger.Warn("failed to record turn", zap.String("role", turn.Role), zap.Error(err))
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Turn, len(s.history))
	for i, t := range s.history {
		t.Images = slices.Clone(t.Images)
		out[i] = t
	}
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
