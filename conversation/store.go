// Package conversation owns the bounded per-persona message history. It is
// the only state mutated by more than one goroutine (listener and
// autonomous scheduler), so every mutation runs under one mutex and every
// read hands out an independent copy.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zzzzapi/ProactiveWeChatAI/internal/fsstore"
	"github.com/zzzzapi/ProactiveWeChatAI/llm"
	"github.com/zzzzapi/ProactiveWeChatAI/persona"
)

const (
	defaultSystemPrompt = "You are a helpful assistant."
	defaultMaxHistory   = 50
)

type Options struct {
	// Path is the durable state file. Empty disables persistence.
	Path string
	// LockPath guards the state file against concurrent processes. Optional.
	LockPath   string
	MaxHistory int
	Logger     *slog.Logger
}

type Store struct {
	mu         sync.Mutex
	path       string
	lockPath   string
	maxHistory int
	logger     *slog.Logger

	history []llm.Message
	card    persona.Card
	profile persona.Profile
}

// persistedState is the on-disk record. It carries the full history, a save
// timestamp and the active card so a restart resumes where it left off.
type persistedState struct {
	History   []llm.Message `json:"history"`
	SavedAt   time.Time     `json:"timestamp"`
	Character persona.Card  `json:"character,omitempty"`
}

func NewStore(opts Options) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		path:       strings.TrimSpace(opts.Path),
		lockPath:   strings.TrimSpace(opts.LockPath),
		maxHistory: opts.MaxHistory,
		logger:     opts.Logger,
		history:    []llm.Message{{Role: llm.RoleSystem, Content: defaultSystemPrompt}},
		profile:    persona.Profile{Name: "Assistant", SystemPrompt: defaultSystemPrompt},
	}
	s.load()
	return s
}

// SetPersona validates the card, replaces the system prompt, clears the
// history and appends the card's opening line if it has one. It returns the
// persona name. A *persona.ValidationError leaves the store unchanged.
func (s *Store) SetPersona(card persona.Card) (string, error) {
	profile, err := persona.Resolve(card)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.card = card
	s.profile = profile
	s.history = []llm.Message{{Role: llm.RoleSystem, Content: profile.SystemPrompt}}
	if strings.TrimSpace(profile.FirstMessage) != "" {
		s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: profile.FirstMessage})
	}
	s.persistLocked()
	return profile.Name, nil
}

// Reset clears the transcript back to the pinned system turn plus the
// persona's opening line, keeping the active persona.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = []llm.Message{{Role: llm.RoleSystem, Content: s.profile.SystemPrompt}}
	if strings.TrimSpace(s.profile.FirstMessage) != "" {
		s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: s.profile.FirstMessage})
	}
	s.persistLocked()
}

// AppendTurn appends one role-tagged turn and applies the eviction rule:
// when the non-system count exceeds the cap, the single oldest non-system
// turn is removed. The system turn at index 0 is never evicted.
func (s *Store) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, llm.Message{Role: role, Content: content})
	if len(s.history)-1 > s.maxHistory {
		for i := 1; i < len(s.history); i++ {
			if s.history[i].Role != llm.RoleSystem {
				s.history = append(s.history[:i], s.history[i+1:]...)
				break
			}
		}
	}
	s.persistLocked()
}

// SnapshotForPrompt returns an independent copy of the history suitable for
// an LLM call; callers never observe later mutations.
func (s *Store) SnapshotForPrompt() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// FormattedTranscript renders the history as readable text, most recent
// maxItems turns when bounded (maxItems <= 0 means unbounded). Assistant
// turns are labeled with the persona name.
func (s *Store) FormattedTranscript(includeSystem bool, maxItems int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]llm.Message, 0, len(s.history))
	for _, turn := range s.history {
		if !includeSystem && turn.Role == llm.RoleSystem {
			continue
		}
		turns = append(turns, turn)
	}
	if maxItems > 0 && len(turns) > maxItems {
		turns = turns[len(turns)-maxItems:]
	}

	var b strings.Builder
	for _, turn := range turns {
		label := s.profile.Name
		switch turn.Role {
		case llm.RoleSystem:
			label = "System"
		case llm.RoleUser:
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func (s *Store) CharacterName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Name
}

// Card returns the active raw card, or nil when no persona is loaded.
func (s *Store) Card() persona.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card
}

func (s *Store) HasPersona() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card != nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// persistLocked writes the full state synchronously. Durability is best
// effort: a write failure is logged and swallowed, the in-memory state
// stays authoritative.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	state := persistedState{
		History:   append([]llm.Message(nil), s.history...),
		SavedAt:   time.Now().UTC(),
		Character: s.card,
	}
	write := func() error {
		return fsstore.WriteJSONAtomic(s.path, state, fsstore.FileOptions{})
	}
	var err error
	if s.lockPath != "" {
		err = fsstore.WithLock(context.Background(), s.lockPath, write)
	} else {
		err = write()
	}
	if err != nil {
		s.logger.Warn("conversation_persist_error", "path", s.path, "error", err.Error())
	}
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	var state persistedState
	found, err := fsstore.ReadJSON(s.path, &state)
	if err != nil {
		s.logger.Warn("conversation_load_error", "path", s.path, "error", err.Error())
		return
	}
	if !found || len(state.History) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = state.History
	if s.history[0].Role != llm.RoleSystem {
		s.history = append([]llm.Message{{Role: llm.RoleSystem, Content: defaultSystemPrompt}}, s.history...)
	}
	if state.Character != nil {
		if profile, err := persona.Resolve(state.Character); err == nil {
			s.card = state.Character
			s.profile = profile
		}
	}
	s.logger.Info("conversation_loaded", "path", s.path, "turns", len(s.history))
}
