package llm

import (
	"context"
	"encoding/json"
)

// Message is one chat turn as sent to the inference backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a backend chat call.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Reply is the backend's chat reply, kept as decoded JSON so unknown fields pass through.
type Reply map[string]any

// AssistantMessage extracts the reply's message, if it carries one.
func (r Reply) AssistantMessage() (Message, bool) {
	raw, ok := r["message"].(map[string]any)
	if !ok {
		return Message{}, false
	}
	content, ok := raw["content"].(string)
	if !ok {
		return Message{}, false
	}
	role, _ := raw["role"].(string)
	if role == "" {
		role = "assistant"
	}
	return Message{Role: role, Content: content}, true
}

// Backend is the subset of an inference service the chat proxy uses; it is easy to mock in tests.
type Backend interface {
	// Ping is the liveness probe issued before every chat call.
	Ping(ctx context.Context) error
	// Models returns the backend's model listing as JSON.
	Models(ctx context.Context) (json.RawMessage, error)
	Chat(ctx context.Context, req ChatRequest) (Reply, error)
}
