package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/localchat/internal/config"
)

// completer is the subset of openai.Client used here; it is easy to mock in tests.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIClient adapts any OpenAI-compatible server (including Ollama's /v1) to Backend.
// Replies are reshaped into the native Ollama chat reply so callers see one format.
type OpenAIClient struct {
	api          completer
	timeout      time.Duration
	probeTimeout time.Duration
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(cfg config.BackendConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &OpenAIClient{
		api:          openai.NewClientWithConfig(clientCfg),
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Ping lists models; any answer other than success marks the backend unavailable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	if _, err := c.api.ListModels(ctx); err != nil {
		err = c.mapError(err)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return err
	}
	return nil
}

type modelTag struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at,omitempty"`
	OwnedBy    string `json:"owned_by,omitempty"`
}

// Models returns the model list in the /tags shape: {"models":[{"name","model",...}]}.
func (c *OpenAIClient) Models(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, c.mapError(err)
	}

	tags := make([]modelTag, 0, len(list.Models))
	for _, m := range list.Models {
		tag := modelTag{Name: m.ID, Model: m.ID, OwnedBy: m.OwnedBy}
		if m.CreatedAt > 0 {
			tag.ModifiedAt = time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		}
		tags = append(tags, tag)
	}
	return json.Marshal(map[string]any{"models": tags})
}

// Chat runs a non-streaming completion; req.Stream is ignored.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	})
	if err != nil {
		return nil, c.mapError(err)
	}

	reply := Reply{
		"model":             resp.Model,
		"created_at":        time.Unix(resp.Created, 0).UTC().Format(time.RFC3339),
		"done":              true,
		"prompt_eval_count": resp.Usage.PromptTokens,
		"eval_count":        resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		role := choice.Message.Role
		if role == "" {
			role = openai.ChatMessageRoleAssistant
		}
		reply["message"] = map[string]any{"role": role, "content": choice.Message.Content}
		reply["done_reason"] = string(choice.FinishReason)
	}
	return reply, nil
}

func (c *OpenAIClient) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := reqErr.Error()
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return classify(err)
}
