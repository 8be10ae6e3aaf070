package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/localchat/internal/config"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(config.BackendConfig{
		Provider:     config.ProviderOllama,
		BaseURL:      srv.URL + "/api/",
		Timeout:      2 * time.Second,
		ProbeTimeout: time.Second,
	})
}

func TestOllamaPing(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[]}`))
	})
	require.NoError(t, c.Ping(context.Background()))
}

func TestOllamaPingUnavailable(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.Ping(context.Background())
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestOllamaPingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewOllamaClient(config.BackendConfig{BaseURL: addr + "/api", Timeout: time.Second, ProbeTimeout: time.Second})
	err := c.Ping(context.Background())
	require.ErrorIs(t, err, ErrBackendUnreachable)
}

func TestOllamaModelsPassthrough(t *testing.T) {
	body := `{"models":[{"name":"llama3:latest","size":4661224676}]}`
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	got, err := c.Models(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, body, string(got))
}

func TestOllamaModelsError(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Models(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestOllamaChat(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "hello", req.Messages[1].Content)

		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hi there"},"done":true,"eval_count":12}`))
	})

	reply, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	msg, ok := reply.AssistantMessage()
	require.True(t, ok)
	assert.Equal(t, Message{Role: "assistant", Content: "hi there"}, msg)
	assert.Equal(t, json.Number("12"), reply["eval_count"])
}

func TestOllamaChatStatusError(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"model not loaded"}`))
	})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "llama3"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, `{"error":"model not loaded"}`, statusErr.Body)
	assert.Equal(t, `backend returned status 500: {"error":"model not loaded"}`, err.Error())
}

func TestOllamaChatTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.timeout = 50 * time.Millisecond

	_, err := c.Chat(context.Background(), ChatRequest{Model: "llama3"})
	require.ErrorIs(t, err, ErrBackendTimeout)
}

func TestOllamaChatStreamFolded(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"lo!"},"done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":3}` + "\n"))
	})

	reply, err := c.Chat(context.Background(), ChatRequest{Model: "llama3", Stream: true})
	require.NoError(t, err)

	msg, ok := reply.AssistantMessage()
	require.True(t, ok)
	assert.Equal(t, "Hello!", msg.Content)
	assert.Equal(t, true, reply["done"])
	assert.Equal(t, "stop", reply["done_reason"])
}

func TestOllamaChatStreamError(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"partial"},"done":false}` + "\n"))
		w.Write([]byte(`{"error":"out of memory"}` + "\n"))
	})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "llama3", Stream: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestReplyAssistantMessage(t *testing.T) {
	_, ok := Reply{"done": true}.AssistantMessage()
	assert.False(t, ok)

	msg, ok := Reply{"message": map[string]any{"content": "x"}}.AssistantMessage()
	require.True(t, ok)
	assert.Equal(t, "assistant", msg.Role)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrBackendTimeout)

	other := errors.New("something else")
	assert.Equal(t, other, classify(other))

	already := classify(context.DeadlineExceeded)
	assert.Equal(t, already, classify(already))
}
