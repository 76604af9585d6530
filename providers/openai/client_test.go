package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zzzzapi/ProactiveWeChatAI/llm"
)

func chatResponse(content string) string {
	return `{"choices":[{"message":{"content":` + string(mustJSON(content)) + `}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func TestChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["stream"] != false {
			t.Errorf("stream = %v, want false", body["stream"])
		}
		_, _ = w.Write([]byte(chatResponse("hello there")))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", time.Second)
	res, err := c.Chat(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello there")
	}
	if res.Usage.TotalTokens != 15 {
		t.Fatalf("TotalTokens = %d, want 15", res.Usage.TotalTokens)
	}
}

func TestChatForceJSONFallback(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, hasFormat := body["response_format"]; hasFormat {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"response_format is not supported","type":"invalid_request_error"}}`))
			return
		}
		_, _ = w.Write([]byte(chatResponse(`{"ok":true}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	res, err := c.Chat(context.Background(), llm.Request{
		Model:     "gpt-4o",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		ForceJSON: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 2 {
		t.Fatalf("server calls = %d, want 2 (rejected then fallback)", calls)
	}
	if res.Text != `{"ok":true}` {
		t.Fatalf("Text = %q", res.Text)
	}
}

func TestChatErrorSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth_error"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "bad", time.Second)
	_, err := c.Chat(context.Background(), llm.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("Chat succeeded, want error")
	}
	if got, want := err.Error(), "openai http 401: invalid api key"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}
