// Package engine decides whether the persona would speak now, generates
// outbound messages and produces direct replies to inbound turns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zzzzapi/ProactiveWeChatAI/conversation"
	"github.com/zzzzapi/ProactiveWeChatAI/llm"
)

// ErrBusy reports that a judgment or generation cycle is already in flight.
// The guard is part of the engine contract: at most one AnalyzeOnce or
// GenerateAndSend runs system-wide at any time.
var ErrBusy = errors.New("engine: cycle already in flight")

const defaultMessageType = "general conversation"

// Dispatcher is the outbound send boundary.
type Dispatcher interface {
	SendTextMessage(ctx context.Context, toUser, text string) error
}

type Options struct {
	Client   llm.Client
	Model    string
	Store    *conversation.Store
	Dispatch Dispatcher
	Logger   *slog.Logger
	// Target is the initial recipient for proactive messages.
	Target string
}

type Engine struct {
	client   llm.Client
	model    string
	store    *conversation.Store
	dispatch Dispatcher
	logger   *slog.Logger

	guard inFlightGuard

	targetMu sync.Mutex
	target   string
}

func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("engine: llm client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: conversation store is required")
	}
	if opts.Dispatch == nil {
		return nil, fmt.Errorf("engine: dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:   opts.Client,
		model:    opts.Model,
		store:    opts.Store,
		dispatch: opts.Dispatch,
		logger:   logger,
		target:   strings.TrimSpace(opts.Target),
	}, nil
}

func (e *Engine) SetTarget(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	e.targetMu.Lock()
	e.target = id
	e.targetMu.Unlock()
}

func (e *Engine) Target() string {
	e.targetMu.Lock()
	defer e.targetMu.Unlock()
	return e.target
}

// AnalyzeOnce runs one full judgment cycle: ask the model whether the
// persona would speak now and, if it would, generate and dispatch the
// message. Returns ErrBusy when another cycle holds the guard. A decision
// that cannot be parsed degrades to "do not speak", never an error.
func (e *Engine) AnalyzeOnce(ctx context.Context) (Decision, error) {
	if !e.guard.tryAcquire() {
		return Decision{}, ErrBusy
	}
	defer e.guard.release()

	res, err := e.client.Chat(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: judgmentSystemPrompt},
			{Role: llm.RoleUser, Content: e.judgmentUserPrompt()},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("engine: judgment call: %w", err)
	}

	decision := ParseDecision(res.Text)
	if !decision.ShouldSend {
		e.logger.Info("analysis_hold", "persona", e.store.CharacterName(), "reason", decision.Reason)
		return decision, nil
	}

	e.logger.Info("analysis_speak", "persona", e.store.CharacterName(), "reason", decision.Reason, "message_type", decision.MessageType)
	if err := e.generateAndSend(ctx, decision.MessageType); err != nil {
		return decision, err
	}
	return decision, nil
}

// GenerateAndSend generates one proactive message and dispatches it,
// holding the in-flight guard for the duration.
func (e *Engine) GenerateAndSend(ctx context.Context, messageType string) error {
	if !e.guard.tryAcquire() {
		return ErrBusy
	}
	defer e.guard.release()
	return e.generateAndSend(ctx, messageType)
}

// generateAndSend appends the generated text as an assistant turn after a
// successful generation and before dispatch: a dispatch failure keeps the
// text in history and is reported to the caller, but the cycle does not
// count as a sent message.
func (e *Engine) generateAndSend(ctx context.Context, messageType string) error {
	if strings.TrimSpace(messageType) == "" {
		messageType = defaultMessageType
	}

	res, err := e.client.Chat(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: generationSystemPrompt},
			{Role: llm.RoleUser, Content: e.generationUserPrompt(messageType)},
		},
	})
	if err != nil {
		return fmt.Errorf("engine: generation call: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return fmt.Errorf("engine: generation returned empty text")
	}

	e.store.AppendTurn(llm.RoleAssistant, text)

	target := e.Target()
	if target == "" {
		return fmt.Errorf("engine: no dispatch target configured")
	}
	if err := e.dispatch.SendTextMessage(ctx, target, text); err != nil {
		e.logger.Warn("proactive_dispatch_error", "target", target, "error", err.Error())
		return fmt.Errorf("engine: dispatch: %w", err)
	}
	e.logger.Info("proactive_sent", "persona", e.store.CharacterName(), "target", target)
	return nil
}

// Reply is the direct inbound reply path: append the user turn, complete
// against the full history and append the assistant turn. Not gated by the
// in-flight guard; the store's append is the only shared critical section.
func (e *Engine) Reply(ctx context.Context, userText string) (string, error) {
	e.store.AppendTurn(llm.RoleUser, userText)

	res, err := e.client.Chat(ctx, llm.Request{
		Model:    e.model,
		Messages: e.store.SnapshotForPrompt(),
	})
	if err != nil {
		return "", fmt.Errorf("engine: reply call: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("engine: reply returned empty text")
	}
	e.store.AppendTurn(llm.RoleAssistant, text)
	return text, nil
}

// inFlightGuard is a single-slot non-blocking mutual exclusion: acquire
// fails immediately instead of waiting.
type inFlightGuard struct {
	mu      sync.Mutex
	running bool
}

func (g *inFlightGuard) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *inFlightGuard) release() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}
