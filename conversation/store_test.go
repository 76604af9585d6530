package conversation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zzzzapi/ProactiveWeChatAI/llm"
	"github.com/zzzzapi/ProactiveWeChatAI/persona"
)

func rinCard() persona.Card {
	return persona.Card{
		"name":        "Rin",
		"description": "cheerful",
		"personality": "curious",
		"scenario":    "cafe",
		"first_mes":   "Hi!",
		"mes_example": "",
	}
}

func TestSetPersonaResetsHistory(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 10})
	store.AppendTurn(llm.RoleUser, "old turn")

	name, err := store.SetPersona(rinCard())
	if err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	if name != "Rin" {
		t.Fatalf("SetPersona() name = %q, want Rin", name)
	}

	history := store.SnapshotForPrompt()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != llm.RoleSystem {
		t.Fatalf("history[0].Role = %q, want system", history[0].Role)
	}
	if history[1].Role != llm.RoleAssistant || history[1].Content != "Hi!" {
		t.Fatalf("history[1] = %+v, want assistant Hi!", history[1])
	}
}

func TestResetKeepsPersona(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 10})
	if _, err := store.SetPersona(rinCard()); err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	store.AppendTurn(llm.RoleUser, "hello")
	store.AppendTurn(llm.RoleAssistant, "hey")

	store.Reset()

	history := store.SnapshotForPrompt()
	if len(history) != 2 {
		t.Fatalf("history length after Reset = %d, want 2", len(history))
	}
	if history[1].Role != llm.RoleAssistant || history[1].Content != "Hi!" {
		t.Fatalf("history[1] = %+v, want the opening line back", history[1])
	}
	if got := store.CharacterName(); got != "Rin" {
		t.Fatalf("CharacterName after Reset = %q, want Rin", got)
	}
}

func TestSetPersonaInvalidCardLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 10})
	store.AppendTurn(llm.RoleUser, "keep me")

	if _, err := store.SetPersona(persona.Card{"name": "incomplete"}); err == nil {
		t.Fatalf("SetPersona() accepted invalid card")
	}
	history := store.SnapshotForPrompt()
	if len(history) != 2 || history[1].Content != "keep me" {
		t.Fatalf("history mutated by failed SetPersona: %+v", history)
	}
}

func TestAppendTurnEvictionKeepsSystemEntry(t *testing.T) {
	t.Parallel()

	maxHistory := 5
	store := NewStore(Options{MaxHistory: maxHistory})

	for i := 0; i < 40; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		store.AppendTurn(role, "turn")

		history := store.SnapshotForPrompt()
		if history[0].Role != llm.RoleSystem {
			t.Fatalf("after %d appends, history[0].Role = %q, want system", i+1, history[0].Role)
		}
		if got := len(history) - 1; got > maxHistory {
			t.Fatalf("after %d appends, non-system count = %d, want <= %d", i+1, got, maxHistory)
		}
	}
}

func TestAppendTurnEvictsOldestNonSystem(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 2})
	store.AppendTurn(llm.RoleUser, "first")
	store.AppendTurn(llm.RoleAssistant, "second")
	store.AppendTurn(llm.RoleUser, "third")

	history := store.SnapshotForPrompt()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[1].Content != "second" || history[2].Content != "third" {
		t.Fatalf("eviction order wrong: %+v", history)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 10})
	snapshot := store.SnapshotForPrompt()
	store.AppendTurn(llm.RoleUser, "later")
	if len(snapshot) != 1 {
		t.Fatalf("snapshot observed later mutation: %+v", snapshot)
	}
}

func TestFormattedTranscript(t *testing.T) {
	t.Parallel()

	store := NewStore(Options{MaxHistory: 10})
	if _, err := store.SetPersona(rinCard()); err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	store.AppendTurn(llm.RoleUser, "hello")

	got := store.FormattedTranscript(false, 0)
	if strings.Contains(got, "System:") {
		t.Fatalf("transcript includes system entry: %q", got)
	}
	if !strings.Contains(got, "Rin: Hi!") {
		t.Fatalf("transcript missing persona label: %q", got)
	}
	if !strings.Contains(got, "User: hello") {
		t.Fatalf("transcript missing user turn: %q", got)
	}

	bounded := store.FormattedTranscript(false, 1)
	if strings.Contains(bounded, "Hi!") || !strings.Contains(bounded, "hello") {
		t.Fatalf("bounded transcript should keep most recent turn only: %q", bounded)
	}
}

func TestPersistAndResume(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conversation_history.json")
	store := NewStore(Options{Path: path, MaxHistory: 10})
	if _, err := store.SetPersona(rinCard()); err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	store.AppendTurn(llm.RoleUser, "hello")

	resumed := NewStore(Options{Path: path, MaxHistory: 10})
	history := resumed.SnapshotForPrompt()
	if len(history) != 3 {
		t.Fatalf("resumed history length = %d, want 3", len(history))
	}
	if resumed.CharacterName() != "Rin" {
		t.Fatalf("resumed persona = %q, want Rin", resumed.CharacterName())
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	// Persisting into a directory path fails, but the store must stay
	// correct in memory.
	store := NewStore(Options{Path: t.TempDir(), MaxHistory: 10})
	store.AppendTurn(llm.RoleUser, "hello")
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}
}
