package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/RichardoC/pana-chat/internal/chat"
	"github.com/RichardoC/pana-chat/internal/db"
	"github.com/RichardoC/pana-chat/internal/llm"
	"github.com/RichardoC/pana-chat/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	transcriptLimit = 100
	frameBuffer     = 8
)

type Handler struct {
	db       *db.Database
	llm      llm.Client
	sessions *chat.Registry
	opts     chat.Options
	maxBytes int64
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler serves chat sessions against llmClient. database may be nil, in
// which case transcripts are read from live sessions only.
func NewHandler(database *db.Database, llmClient llm.Client, opts chat.Options, maxMessageBytes int64, logger *zap.Logger) *Handler {
	if database != nil {
		opts.Recorder = database
	}
	opts.Logger = logger
	return &Handler{
		db:       database,
		llm:      llmClient,
		sessions: chat.NewRegistry(),
		opts:     opts,
		maxBytes: maxMessageBytes,
		logger:   logger,
	}
}

func (h *Handler) Routes(staticDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleChat)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	return h.logRequests(mux)
}

// HandleChat upgrades to a websocket and runs one chat session for the
// lifetime of the connection.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()
	if h.maxBytes > 0 {
		conn.SetReadLimit(h.maxBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	logger := h.logger.With(zap.String("session_id", id))
	if h.db != nil {
		if _, err := h.db.CreateSession(ctx, id); err != nil {
			logger.Warn("Failed to create transcript", zap.Error(err))
		}
	}

	ui := &wsUI{conn: conn}
	sess := chat.NewSession(id, h.llm, ui, h.opts)
	h.sessions.Add(sess)
	defer h.endSession(id)

	if err := ui.write(ServerFrame{Type: frameSession, SessionID: id}); err != nil {
		logger.Warn("Failed to announce session", zap.Error(err))
		return
	}
	if err := sess.Start(ctx); err != nil {
		logger.Warn("Failed to start session", zap.Error(err))
		return
	}
	logger.Info("Session started", zap.String("remote", r.RemoteAddr))

	frames := make(chan []byte, frameBuffer)
	go readFrames(ctx, cancel, conn, frames, logger)

	for data := range frames {
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = ui.write(ServerFrame{Type: frameError, Content: "Invalid message frame"})
			continue
		}
		if frame.Type != frameMessage {
			_ = ui.write(ServerFrame{Type: frameError, Content: "Unsupported frame type: " + frame.Type})
			continue
		}

		res, err := sess.HandleMessage(ctx, frame.Content, toAttachments(frame.Attachments))
		switch {
		case err == nil, errors.Is(err, chat.ErrDispatch):
			// dispatch failures were already shown in the transcript
			logger.Debug("Turn handled",
				zap.Int("attachments", len(res.Attachments)),
				zap.Int("total_tokens", res.Response.TotalTokens))
		default:
			logger.Warn("Failed to handle message", zap.Error(err))
			return
		}
	}
}

// readFrames keeps reading while a turn runs so a closed socket cancels the
// session context right away.
func readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, frames chan<- []byte, logger *zap.Logger) {
	defer close(frames)
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) endSession(id string) {
	h.sessions.Remove(id)
	h.logger.Info("Session ended", zap.String("session_id", id))
	if h.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.EndSession(ctx, id); err != nil {
		h.logger.Warn("Failed to drop transcript", zap.String("session_id", id), zap.Error(err))
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session_id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	var turns []models.Turn
	if h.db != nil {
		var err error
		turns, err = h.db.GetTranscript(r.Context(), id, transcriptLimit)
		if errors.Is(err, db.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			h.logger.Error("Failed to get messages", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		sess, ok := h.sessions.Get(id)
		if !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		turns = sess.History()
	}

	h.writeJSON(w, turns)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	}
	if h.db != nil {
		n, err := h.db.CountSessions(r.Context())
		if err != nil {
			h.logger.Error("Failed to count transcripts", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			body["status"] = "degraded"
		} else {
			body["transcripts"] = n
		}
	}
	h.writeJSON(w, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
