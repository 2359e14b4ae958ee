package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/pana-chat/internal/attachment"
	"github.com/RichardoC/pana-chat/internal/chat"
	"github.com/RichardoC/pana-chat/internal/db"
	"github.com/RichardoC/pana-chat/internal/llm"
	"github.com/RichardoC/pana-chat/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echoClient struct {
	mu   sync.Mutex
	fail bool
}

func (c *echoClient) Generate(_ context.Context, turns []models.Turn) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return llm.Response{}, errors.New("upstream unavailable")
	}
	last := turns[len(turns)-1]
	return llm.Response{Content: fmt.Sprintf("echo(%d): %s", len(turns), last.Content)}, nil
}

func newTestServer(t *testing.T, client llm.Client, withDB bool) (*Handler, *httptest.Server) {
	t.Helper()
	var database *db.Database
	if withDB {
		var err error
		database, err = db.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = database.Close() })
	}
	h := NewHandler(database, client, chat.Options{Greeting: "Welcome!", Timeout: time.Second}, 1<<20, zap.NewNop())
	srv := httptest.NewServer(h.Routes(t.TempDir()))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// openSession reads the session announcement and the greeting.
func openSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, frameSession, f.Type)
	require.NotEmpty(t, f.SessionID)

	greeting := readFrame(t, conn)
	require.Equal(t, frameMessage, greeting.Type)
	require.Equal(t, "Welcome!", greeting.Content)
	return f.SessionID
}

func strPtr(s string) *string { return &s }

func TestChatRoundTrip(t *testing.T) {
	h, srv := newTestServer(t, &echoClient{}, true)
	conn := dial(t, srv)
	id := openSession(t, conn)

	require.NoError(t, conn.WriteJSON(ClientFrame{
		Type:    frameMessage,
		Content: "read this",
		Attachments: []AttachmentFrame{
			{Name: "notes.txt", Data: strPtr(base64.StdEncoding.EncodeToString([]byte("hello")))},
		},
	}))

	thinking := readFrame(t, conn)
	assert.Equal(t, frameMessage, thinking.Type)
	assert.Equal(t, chat.ThinkingMessage, thinking.Content)

	notice := readFrame(t, conn)
	assert.Equal(t, "📁 Read file: notes.txt", notice.Content)

	reply := readFrame(t, conn)
	assert.Equal(t, frameUpdate, reply.Type)
	assert.Equal(t, thinking.ID, reply.ID)
	assert.Equal(t, "echo(1): read this\n\n[File: notes.txt]\nhello", reply.Content)

	assert.Equal(t, 1, h.sessions.Len())

	resp, err := http.Get(srv.URL + "/api/messages?session_id=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turns []models.Turn
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turns))
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
}

func TestChatDispatchFailureKeepsConnection(t *testing.T) {
	client := &echoClient{fail: true}
	h, srv := newTestServer(t, client, false)
	conn := dial(t, srv)
	id := openSession(t, conn)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: frameMessage, Content: "hi"}))
	readFrame(t, conn)
	failed := readFrame(t, conn)
	assert.Equal(t, frameUpdate, failed.Type)
	assert.Equal(t, "Error: upstream unavailable", failed.Content)

	client.mu.Lock()
	client.fail = false
	client.mu.Unlock()

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: frameMessage, Content: "again"}))
	readFrame(t, conn)
	reply := readFrame(t, conn)
	// failed user turn stays in the history
	assert.Equal(t, "echo(2): again", reply.Content)

	sess, ok := h.sessions.Get(id)
	require.True(t, ok)
	assert.Len(t, sess.History(), 3)
}

func TestChatRejectsBadFrames(t *testing.T) {
	_, srv := newTestServer(t, &echoClient{}, false)
	conn := dial(t, srv)
	openSession(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	assert.Equal(t, frameError, f.Type)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "typing"}))
	f = readFrame(t, conn)
	assert.Equal(t, frameError, f.Type)
	assert.Contains(t, f.Content, "typing")
}

func TestSessionEndsWithConnection(t *testing.T) {
	h, srv := newTestServer(t, &echoClient{}, true)
	conn := dial(t, srv)
	id := openSession(t, conn)
	require.Equal(t, 1, h.sessions.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/messages?session_id=" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMessagesValidation(t *testing.T) {
	_, srv := newTestServer(t, &echoClient{}, false)

	resp, err := http.Get(srv.URL + "/api/messages?session_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/messages?session_id=" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/messages", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, &echoClient{}, false)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestAttachmentFrameDecoding(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(png)

	frames := []AttachmentFrame{
		{Name: "a.png", Data: strPtr(encoded)},
		{Name: "b.png", Data: strPtr("data:image/png;base64," + encoded)},
		{Name: "c.png", Data: strPtr("%%%")},
		{Name: "d.png", Data: strPtr("")},
		{Name: "e.txt", Text: strPtr("plain")},
		{Name: "f.txt"},
	}
	res := attachment.NewProcessor(attachment.ModeInline).Process(context.Background(), toAttachments(frames))

	assert.Len(t, res.Images, 2)
	assert.Contains(t, res.Text, "[Error reading file c.png: illegal base64 data")
	assert.Contains(t, res.Text, "[Image File: d.png - No content available]")
	assert.Contains(t, res.Text, "[File: e.txt]\nplain")
	assert.Contains(t, res.Text, "[File: f.txt - No content available]")
	require.Len(t, res.Outcomes, 6)
	assert.ErrorIs(t, res.Outcomes[2].Err, attachment.ErrDecode)
}

func TestHealthWithTranscripts(t *testing.T) {
	_, srv := newTestServer(t, &echoClient{}, true)
	conn := dial(t, srv)
	openSession(t, conn)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 1, body["transcripts"])
}

// hangClient blocks until its context ends and reports when that happened.
type hangClient struct {
	started chan struct{}
	done    chan error
}

func (c *hangClient) Generate(ctx context.Context, _ []models.Turn) (llm.Response, error) {
	close(c.started)
	<-ctx.Done()
	c.done <- ctx.Err()
	return llm.Response{}, ctx.Err()
}

func TestDisconnectCancelsDispatch(t *testing.T) {
	client := &hangClient{started: make(chan struct{}), done: make(chan error, 1)}
	database, err := db.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	h := NewHandler(database, client, chat.Options{Greeting: "Welcome!", Timeout: 30 * time.Second}, 1<<20, zap.NewNop())
	srv := httptest.NewServer(h.Routes(t.TempDir()))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	openSession(t, conn)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: frameMessage, Content: "slow question"}))
	thinking := readFrame(t, conn)
	require.Equal(t, chat.ThinkingMessage, thinking.Content)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never started")
	}
	require.NoError(t, conn.Close())

	select {
	case err := <-client.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch kept running after the connection closed")
	}
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
