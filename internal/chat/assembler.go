package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
)

// assemble resolves the canonical session for a request and builds the conversation
// sent to the backend: the session's prior turns followed by the new messages.
// Prior history is read before the new user turns are written, and those writes
// happen before any backend call.
func (s *Service) assemble(ctx context.Context, log *slog.Logger, sessionID int64, model string, incoming []llm.Message) (int64, []llm.Message, error) {
	if sessionID == 0 {
		sess, err := s.store.CreateSession(ctx, model)
		if err != nil {
			return 0, nil, fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
		log.Info("created chat session", "session_id", sessionID, "model", model)
	} else {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return 0, nil, err
		}
		if sess.ModelName != model {
			// Stored model name stays as created; the request's model is what gets called.
			log.Warn("chat model differs from session model", "session_id", sessionID, "session_model", sess.ModelName, "request_model", model)
		}
	}

	prior, err := s.store.GetHistory(ctx, sessionID)
	if err != nil {
		return sessionID, nil, fmt.Errorf("load history: %w", err)
	}

	for _, m := range incoming {
		if history.Role(m.Role) != history.RoleUser {
			continue
		}
		if _, err := s.store.AppendMessage(ctx, sessionID, history.RoleUser, m.Content); err != nil {
			return sessionID, nil, fmt.Errorf("store user message: %w", err)
		}
	}

	conversation := make([]llm.Message, 0, len(prior)+len(incoming))
	for _, e := range prior {
		conversation = append(conversation, llm.Message{Role: string(e.Role), Content: e.Content})
	}
	conversation = append(conversation, incoming...)
	return sessionID, conversation, nil
}
