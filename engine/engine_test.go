package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zzzzapi/ProactiveWeChatAI/conversation"
	"github.com/zzzzapi/ProactiveWeChatAI/llm"
	"github.com/zzzzapi/ProactiveWeChatAI/persona"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	requests  []llm.Request
	block     chan struct{}
}

func (c *scriptedClient) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	block := c.block
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if idx < len(c.errs) && c.errs[idx] != nil {
		return llm.Result{}, c.errs[idx]
	}
	if idx < len(c.responses) {
		return llm.Result{Text: c.responses[idx]}, nil
	}
	return llm.Result{Text: ""}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingDispatcher struct {
	mu    sync.Mutex
	sends []string
	to    []string
	err   error
}

func (d *recordingDispatcher) SendTextMessage(ctx context.Context, toUser, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.to = append(d.to, toUser)
	d.sends = append(d.sends, text)
	return nil
}

func testCard() persona.Card {
	return persona.Card{
		"name":        "Rin",
		"description": "cheerful",
		"personality": "curious",
		"scenario":    "cafe",
		"first_mes":   "Hi!",
		"mes_example": "",
	}
}

func newBareStore(t *testing.T) *conversation.Store {
	t.Helper()
	return conversation.NewStore(conversation.Options{MaxHistory: 20})
}

func newTestEngine(t *testing.T, client llm.Client, dispatch Dispatcher) (*Engine, *conversation.Store) {
	t.Helper()
	store := conversation.NewStore(conversation.Options{MaxHistory: 20})
	if _, err := store.SetPersona(testCard()); err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	eng, err := New(Options{
		Client:   client,
		Model:    "gpt-4o",
		Store:    store,
		Dispatch: dispatch,
		Target:   "wxid_u1",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng, store
}

func TestAnalyzeOnceHoldDoesNotDispatch(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{`{"shouldSendMessage": false, "reason": "quiet"}`}}
	dispatch := &recordingDispatcher{}
	eng, store := newTestEngine(t, client, dispatch)

	decision, err := eng.AnalyzeOnce(context.Background())
	if err != nil {
		t.Fatalf("AnalyzeOnce() error = %v", err)
	}
	if decision.ShouldSend {
		t.Fatalf("AnalyzeOnce() decision = %+v, want hold", decision)
	}
	if len(dispatch.sends) != 0 {
		t.Fatalf("dispatched %d messages, want 0", len(dispatch.sends))
	}
	if store.Len() != 2 {
		t.Fatalf("history length = %d, want unchanged 2", store.Len())
	}
}

func TestAnalyzeOnceSpeakGeneratesAndDispatches(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		"```json\n{\"shouldSendMessage\": true, \"reason\": \"missed you\", \"messageType\": \"checkin\"}\n```",
		"Hey, are you there?",
	}}
	dispatch := &recordingDispatcher{}
	eng, store := newTestEngine(t, client, dispatch)

	if _, err := eng.AnalyzeOnce(context.Background()); err != nil {
		t.Fatalf("AnalyzeOnce() error = %v", err)
	}
	if len(dispatch.sends) != 1 || dispatch.sends[0] != "Hey, are you there?" {
		t.Fatalf("dispatch = %+v, want one proactive message", dispatch.sends)
	}
	if dispatch.to[0] != "wxid_u1" {
		t.Fatalf("dispatch target = %q, want wxid_u1", dispatch.to[0])
	}
	history := store.SnapshotForPrompt()
	last := history[len(history)-1]
	if last.Role != llm.RoleAssistant || last.Content != "Hey, are you there?" {
		t.Fatalf("last turn = %+v, want appended assistant turn", last)
	}
}

func TestGenerateAndSendDispatchFailureKeepsAppend(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{"Proactive text"}}
	dispatch := &recordingDispatcher{err: errors.New("gateway down")}
	eng, store := newTestEngine(t, client, dispatch)

	err := eng.GenerateAndSend(context.Background(), "checkin")
	if err == nil || !strings.Contains(err.Error(), "dispatch") {
		t.Fatalf("GenerateAndSend() error = %v, want dispatch error", err)
	}

	// The generated text stays in history even though delivery failed.
	history := store.SnapshotForPrompt()
	last := history[len(history)-1]
	if last.Role != llm.RoleAssistant || last.Content != "Proactive text" {
		t.Fatalf("last turn = %+v, want generated text appended", last)
	}
}

func TestGenerateAndSendGenerationFailureLeavesStateAlone(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{errs: []error{errors.New("llm unavailable")}}
	dispatch := &recordingDispatcher{}
	eng, store := newTestEngine(t, client, dispatch)

	before := store.Len()
	if err := eng.GenerateAndSend(context.Background(), "checkin"); err == nil {
		t.Fatalf("GenerateAndSend() error = nil, want generation error")
	}
	if store.Len() != before {
		t.Fatalf("history length changed on failed generation")
	}
	if len(dispatch.sends) != 0 {
		t.Fatalf("dispatched despite failed generation")
	}
}

func TestInFlightGuardRejectsOverlap(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	client := &scriptedClient{
		responses: []string{`{"shouldSendMessage": false}`},
		block:     block,
	}
	eng, _ := newTestEngine(t, client, &recordingDispatcher{})

	done := make(chan error, 1)
	go func() {
		_, err := eng.AnalyzeOnce(context.Background())
		done <- err
	}()

	// Wait for the first cycle to hold the guard.
	for client.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := eng.GenerateAndSend(context.Background(), ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("GenerateAndSend() error = %v, want ErrBusy", err)
	}
	if _, err := eng.AnalyzeOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("AnalyzeOnce() error = %v, want ErrBusy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first AnalyzeOnce() error = %v", err)
	}

	// Guard released; a new cycle may run.
	if _, err := eng.AnalyzeOnce(context.Background()); err != nil {
		t.Fatalf("AnalyzeOnce() after release error = %v", err)
	}
}

func TestReplyAppendsBothTurns(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{"Nice to meet you!"}}
	eng, store := newTestEngine(t, client, &recordingDispatcher{})

	reply, err := eng.Reply(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if reply != "Nice to meet you!" {
		t.Fatalf("Reply() = %q", reply)
	}

	history := store.SnapshotForPrompt()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[2].Role != llm.RoleUser || history[2].Content != "hello" {
		t.Fatalf("history[2] = %+v, want user hello", history[2])
	}
	if history[3].Role != llm.RoleAssistant {
		t.Fatalf("history[3] = %+v, want assistant reply", history[3])
	}

	// The reply call sees the full history including the new user turn.
	req := client.requests[0]
	if req.Messages[len(req.Messages)-1].Content != "hello" {
		t.Fatalf("reply request did not include user turn: %+v", req.Messages)
	}
}

func TestSetTargetIgnoresEmpty(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, &scriptedClient{}, &recordingDispatcher{})
	eng.SetTarget("  ")
	if eng.Target() != "wxid_u1" {
		t.Fatalf("Target() = %q, want wxid_u1", eng.Target())
	}
	eng.SetTarget("wxid_u2")
	if eng.Target() != "wxid_u2" {
		t.Fatalf("Target() = %q, want wxid_u2", eng.Target())
	}
}
