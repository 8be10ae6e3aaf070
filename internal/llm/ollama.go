package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/localchat/internal/config"
	"github.com/comigor/localchat/internal/logger"
)

// maxErrorBody caps how much of a failed response is carried into a StatusError.
const maxErrorBody = 64 << 10

// OllamaClient talks to Ollama's native API (GET /tags, POST /chat).
type OllamaClient struct {
	baseURL      string
	client       *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
}

// NewOllamaClient creates a client for the API rooted at cfg.BaseURL (e.g. http://localhost:11434/api).
func NewOllamaClient(cfg config.BackendConfig) *OllamaClient {
	return &OllamaClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       &http.Client{},
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Ping checks that GET /tags answers 200.
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/tags", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe returned status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

// Models returns the /tags body verbatim.
func (c *OllamaClient) Models(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if !json.Valid(body) {
		return nil, errors.New("backend returned invalid JSON for model list")
	}
	return json.RawMessage(body), nil
}

// Chat sends the conversation to POST /chat. Streamed replies are read to completion
// and folded into one reply shaped like a non-streamed one.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/chat", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if !req.Stream {
		var reply Reply
		if err := dec.Decode(&reply); err != nil {
			return nil, fmt.Errorf("decode chat reply: %w", classify(err))
		}
		return reply, nil
	}
	return foldStream(dec)
}

func foldStream(dec *json.Decoder) (Reply, error) {
	var (
		content strings.Builder
		role    string
		last    Reply
		chunks  int
	)
	for {
		var chunk Reply
		err := dec.Decode(&chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode chat stream: %w", classify(err))
		}
		if msg, ok := chunk["error"].(string); ok {
			return nil, fmt.Errorf("backend stream error: %s", msg)
		}
		if m, ok := chunk.AssistantMessage(); ok {
			if role == "" {
				role = m.Role
			}
			content.WriteString(m.Content)
		}
		last = chunk
		chunks++
	}
	if chunks == 0 {
		return nil, errors.New("backend returned an empty chat stream")
	}
	logger.L.Debug("folded chat stream", "chunks", chunks)

	if role == "" {
		role = "assistant"
	}
	last["message"] = map[string]any{"role": role, "content": content.String()}
	return last, nil
}

func (c *OllamaClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
