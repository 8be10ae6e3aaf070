// Package chat forwards conversations to the inference backend and keeps the
// session history in step with what was sent and received.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
	"github.com/comigor/localchat/internal/logger"
	"github.com/comigor/localchat/internal/metrics"
)

// Flow states
type flowState string

const (
	stateIdle       flowState = "Idle"
	stateAssembling flowState = "Assembling"
	stateProbing    flowState = "Probing"
	stateConversing flowState = "Conversing"
	stateCommitting flowState = "Committing"
	stateDone       flowState = "Done"   // terminal: reply committed
	stateFailed     flowState = "Failed" // terminal: flow.err holds the cause
)

// Flow triggers
type flowTrigger string

const (
	triggerStart        flowTrigger = "Start"
	triggerAssembled    flowTrigger = "Assembled"
	triggerBackendReady flowTrigger = "BackendReady"
	triggerReplied      flowTrigger = "Replied"
	triggerCommitted    flowTrigger = "Committed"
	triggerFail         flowTrigger = "Fail"
)

// Store is the part of the session store the chat flow needs.
type Store interface {
	CreateSession(ctx context.Context, modelName string) (history.Session, error)
	GetSession(ctx context.Context, id int64) (history.Session, error)
	AppendMessage(ctx context.Context, sessionID int64, role history.Role, content string) (history.Message, error)
	GetHistory(ctx context.Context, sessionID int64) ([]history.Entry, error)
}

// Request is one chat submission. SessionID 0 starts a new session.
type Request struct {
	ID        string
	Model     string
	Messages  []llm.Message
	Stream    bool
	SessionID int64
}

// Response is the backend reply merged with the canonical session ID and its full history.
type Response struct {
	Reply     llm.Reply
	SessionID int64
	History   []history.Entry
}

// MarshalJSON flattens the reply so the payload reads {...reply, session_id, history}.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Reply)+2)
	for k, v := range r.Reply {
		out[k] = v
	}
	out["session_id"] = r.SessionID
	out["history"] = r.History
	return json.Marshal(out)
}

// Service is the chat proxy.
type Service struct {
	store   Store
	backend llm.Backend
	metrics *metrics.Metrics
}

// NewService creates a chat service. m may be nil.
func NewService(store Store, backend llm.Backend, m *metrics.Metrics) *Service {
	return &Service{store: store, backend: backend, metrics: m}
}

// flow carries the data of one Converse call between state actions.
type flow struct {
	req          Request
	log          *slog.Logger
	sessionID    int64
	conversation []llm.Message
	reply        llm.Reply
	history      []history.Entry
	err          error
	next         flowTrigger
}

// Converse runs one chat request through assemble, probe, chat and commit. The
// work is detached from ctx cancellation: once started, a client going away neither
// aborts the backend call nor skips committing the reply. Backend calls are bounded
// by the backend client's own timeouts. Nothing is retried.
func (s *Service) Converse(ctx context.Context, req Request) (*Response, error) {
	ctx = context.WithoutCancel(ctx)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	f := &flow{
		req:       req,
		sessionID: req.SessionID,
		log:       logger.L.With("chat_id", req.ID),
	}

	fsm := s.newMachine(f)
	next := triggerStart
	for {
		if err := fsm.FireCtx(ctx, next); err != nil {
			f.log.Error("chat flow error", "error", err)
			s.metrics.ChatOutcome(Outcome(err))
			return nil, fmt.Errorf("chat flow: %w", err)
		}
		state, err := fsm.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("chat flow state: %w", err)
		}
		switch state {
		case stateDone:
			s.metrics.ChatOutcome(Outcome(nil))
			return &Response{Reply: f.reply, SessionID: f.sessionID, History: f.history}, nil
		case stateFailed:
			s.metrics.ChatOutcome(Outcome(f.err))
			return nil, f.err
		}
		next = f.next
	}
}

func (s *Service) newMachine(f *flow) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateIdle)
	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		f.log.Debug("chat flow transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	fsm.Configure(stateIdle).
		Permit(triggerStart, stateAssembling)

	// State: Assembling
	// Resolve or create the session, persist user turns, build the conversation.
	fsm.Configure(stateAssembling).
		OnEntry(step(f, triggerAssembled, func(ctx context.Context) error {
			id, conversation, err := s.assemble(ctx, f.log, f.sessionID, f.req.Model, f.req.Messages)
			if id != 0 {
				f.sessionID = id
			}
			f.conversation = conversation
			return err
		})).
		Permit(triggerAssembled, stateProbing).
		Permit(triggerFail, stateFailed)

	// State: Probing
	// Liveness check; a failed probe ends the flow before any chat call.
	fsm.Configure(stateProbing).
		OnEntry(step(f, triggerBackendReady, func(ctx context.Context) error {
			start := time.Now()
			err := s.backend.Ping(ctx)
			s.metrics.ObserveBackend("ping", time.Since(start))
			return err
		})).
		Permit(triggerBackendReady, stateConversing).
		Permit(triggerFail, stateFailed)

	// State: Conversing
	fsm.Configure(stateConversing).
		OnEntry(step(f, triggerReplied, func(ctx context.Context) error {
			f.log.Info("sending chat request to backend", "session_id", f.sessionID, "model", f.req.Model, "messages", len(f.conversation))
			f.log.Debug("chat messages", "messages", f.conversation)

			start := time.Now()
			reply, err := s.backend.Chat(ctx, llm.ChatRequest{
				Model:    f.req.Model,
				Messages: f.conversation,
				Stream:   f.req.Stream,
			})
			s.metrics.ObserveBackend("chat", time.Since(start))
			f.reply = reply
			return err
		})).
		Permit(triggerReplied, stateCommitting).
		Permit(triggerFail, stateFailed)

	// State: Committing
	// Store the assistant turn, if any, and re-read the session history.
	fsm.Configure(stateCommitting).
		OnEntry(step(f, triggerCommitted, func(ctx context.Context) error {
			if msg, ok := f.reply.AssistantMessage(); ok {
				if _, err := s.store.AppendMessage(ctx, f.sessionID, history.RoleAssistant, msg.Content); err != nil {
					return fmt.Errorf("store assistant message: %w", err)
				}
			} else {
				f.log.Warn("backend reply carried no message", "session_id", f.sessionID)
			}
			entries, err := s.store.GetHistory(ctx, f.sessionID)
			if err != nil {
				return fmt.Errorf("reload history: %w", err)
			}
			f.history = entries
			return nil
		})).
		Permit(triggerCommitted, stateDone).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateDone)

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			f.log.Error("chat request failed", "session_id", f.sessionID, "outcome", Outcome(f.err), "error", f.err)
			return nil
		})

	return fsm
}

// step wraps a state action: success selects the given trigger, failure records the
// error and selects triggerFail.
func step(f *flow, success flowTrigger, action func(ctx context.Context) error) func(context.Context, ...any) error {
	return func(ctx context.Context, _ ...any) error {
		if err := action(ctx); err != nil {
			f.err = err
			f.next = triggerFail
			return nil
		}
		f.next = success
		return nil
	}
}

// Models returns the backend's model listing.
func (s *Service) Models(ctx context.Context) (json.RawMessage, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveBackend("models", time.Since(start)) }()
	return s.backend.Models(ctx)
}

// Outcome names the class of a chat error for metrics and logs.
func Outcome(err error) string {
	var statusErr *llm.StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, history.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, history.ErrInvalidArgument):
		return "invalid_request"
	case errors.Is(err, llm.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, llm.ErrBackendUnreachable):
		return "backend_unreachable"
	case errors.Is(err, llm.ErrBackendTimeout):
		return "backend_timeout"
	case errors.As(err, &statusErr):
		return "backend_error"
	default:
		return "internal_error"
	}
}
