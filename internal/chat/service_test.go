package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
	"github.com/comigor/localchat/internal/metrics"
)

type mockBackend struct {
	pingErr error
	chatErr error
	reply   llm.Reply
	chats   []llm.ChatRequest
	pings   int
}

func (m *mockBackend) Ping(ctx context.Context) error {
	m.pings++
	return m.pingErr
}

func (m *mockBackend) Models(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"models":[{"name":"llama3"}]}`), nil
}

func (m *mockBackend) Chat(ctx context.Context, req llm.ChatRequest) (llm.Reply, error) {
	m.chats = append(m.chats, req)
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.reply, nil
}

func assistantReply(content string) llm.Reply {
	return llm.Reply{
		"model":   "llama3",
		"message": map[string]any{"role": "assistant", "content": content},
		"done":    true,
	}
}

func newTestService(t *testing.T, backend llm.Backend) (*Service, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, backend, metrics.New(prometheus.NewRegistry())), store
}

func userMsg(content string) llm.Message {
	return llm.Message{Role: "user", Content: content}
}

// TestConverse_NewSession covers the full path: session creation, probe, chat, commit.
func TestConverse_NewSession(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("Hello, I am a helpful AI.")}
	svc, store := newTestService(t, backend)
	ctx := context.Background()

	resp, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("hi")}})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.SessionID)
	require.Equal(t, 1, backend.pings)
	require.Len(t, backend.chats, 1)
	assert.Equal(t, []llm.Message{userMsg("hi")}, backend.chats[0].Messages)

	require.Len(t, resp.History, 2)
	assert.Equal(t, history.RoleUser, resp.History[0].Role)
	assert.Equal(t, history.RoleAssistant, resp.History[1].Role)
	assert.Equal(t, "Hello, I am a helpful AI.", resp.History[1].Content)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "llama3", sessions[0].ModelName)
}

func TestConverse_ContinuesSessionWithPriorHistory(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("first answer")}
	svc, _ := newTestService(t, backend)
	ctx := context.Background()

	first, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("one")}})
	require.NoError(t, err)

	backend.reply = assistantReply("second answer")
	second, err := svc.Converse(ctx, Request{
		Model:     "llama3",
		SessionID: first.SessionID,
		Messages:  []llm.Message{{Role: "system", Content: "be brief"}, userMsg("two")},
	})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)

	require.Len(t, backend.chats, 2)
	assert.Equal(t, []llm.Message{
		userMsg("one"),
		{Role: "assistant", Content: "first answer"},
		{Role: "system", Content: "be brief"},
		userMsg("two"),
	}, backend.chats[1].Messages)

	// System turns are forwarded but not persisted.
	contents := make([]string, 0, len(second.History))
	for _, e := range second.History {
		contents = append(contents, e.Content)
	}
	assert.Equal(t, []string{"one", "first answer", "two", "second answer"}, contents)
}

func TestConverse_UnreachableBackendKeepsUserTurn(t *testing.T) {
	backend := &mockBackend{pingErr: llm.ErrBackendUnreachable}
	svc, store := newTestService(t, backend)
	ctx := context.Background()

	_, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("anyone there?")}})
	require.ErrorIs(t, err, llm.ErrBackendUnreachable)
	require.Empty(t, backend.chats, "no chat call after a failed probe")

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	entries, err := store.GetHistory(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.RoleUser, entries[0].Role)
}

func TestConverse_BackendStatusErrorKeepsUserTurn(t *testing.T) {
	backend := &mockBackend{chatErr: &llm.StatusError{StatusCode: 500, Body: "model crashed"}}
	svc, store := newTestService(t, backend)
	ctx := context.Background()

	_, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("hi")}})
	var statusErr *llm.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, "backend_error", Outcome(err))

	entries, err := store.GetHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.RoleUser, entries[0].Role)
}

func TestConverse_UnknownSession(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("x")}
	svc, store := newTestService(t, backend)
	ctx := context.Background()

	_, err := svc.Converse(ctx, Request{Model: "llama3", SessionID: 99, Messages: []llm.Message{userMsg("hi")}})
	require.ErrorIs(t, err, history.ErrSessionNotFound)
	assert.Zero(t, backend.pings)

	entries, err := store.GetHistory(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConverse_ModelMismatchKeepsStoredModel(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("ok")}
	svc, store := newTestService(t, backend)
	ctx := context.Background()

	first, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("a")}})
	require.NoError(t, err)

	second, err := svc.Converse(ctx, Request{Model: "phi3", SessionID: first.SessionID, Messages: []llm.Message{userMsg("b")}})
	require.NoError(t, err)
	assert.Equal(t, "phi3", backend.chats[1].Model)

	sess, err := store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "llama3", sess.ModelName)
	for _, e := range second.History {
		assert.Equal(t, "llama3", e.ModelName)
	}
}

func TestConverse_ReplyWithoutMessage(t *testing.T) {
	backend := &mockBackend{reply: llm.Reply{"done": true}}
	svc, _ := newTestService(t, backend)

	resp, err := svc.Converse(context.Background(), Request{Model: "llama3", Messages: []llm.Message{userMsg("hi")}})
	require.NoError(t, err)
	require.Len(t, resp.History, 1)
}

func TestConverse_StreamFlagForwarded(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("streamed")}
	svc, _ := newTestService(t, backend)

	_, err := svc.Converse(context.Background(), Request{Model: "llama3", Stream: true, Messages: []llm.Message{userMsg("hi")}})
	require.NoError(t, err)
	assert.True(t, backend.chats[0].Stream)
}

func TestConverse_CanceledContextStillCommits(t *testing.T) {
	backend := &mockBackend{reply: assistantReply("late")}
	svc, store := newTestService(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Converse(ctx, Request{Model: "llama3", Messages: []llm.Message{userMsg("hi")}})
	require.NoError(t, err)

	entries, err := store.GetHistory(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestResponseMarshalJSON(t *testing.T) {
	resp := &Response{
		Reply:     assistantReply("hey"),
		SessionID: 7,
		History:   []history.Entry{},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"model":"llama3",
		"message":{"role":"assistant","content":"hey"},
		"done":true,
		"session_id":7,
		"history":[]
	}`, string(b))
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"session_not_found":   history.ErrSessionNotFound,
		"invalid_request":     history.ErrInvalidArgument,
		"backend_unavailable": llm.ErrBackendUnavailable,
		"backend_unreachable": llm.ErrBackendUnreachable,
		"backend_timeout":     llm.ErrBackendTimeout,
		"backend_error":       &llm.StatusError{StatusCode: 502},
		"internal_error":      errors.New("disk full"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Outcome(err))
	}
}

func TestModels(t *testing.T) {
	svc, _ := newTestService(t, &mockBackend{})
	got, err := svc.Models(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[{"name":"llama3"}]}`, string(got))
}
