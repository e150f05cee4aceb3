package chatclient

import (
	"sync"
	"time"

	"github.com/go-go-golems/llamachat/pkg/turn"
)

const DefaultGreeting = "Hi! I'm LlamaBot. How can I help you today?"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the session transcript. Assistant messages carry the final snapshot
// of their turn so the processing details can still be shown after the fact.
type Message struct {
	Role    Role
	Content string
	At      time.Time
	Turn    *turn.Snapshot
}

// Transcript is the in-memory message list of the current session. It is never persisted.
type Transcript struct {
	mu       sync.Mutex
	messages []Message
}

// NewTranscript starts a transcript, optionally with an assistant greeting.
func NewTranscript(greeting string) *Transcript {
	t := &Transcript{}
	if greeting != "" {
		t.messages = append(t.messages, Message{Role: RoleAssistant, Content: greeting, At: time.Now()})
	}
	return t
}

func (t *Transcript) AddUser(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, Message{Role: RoleUser, Content: text, At: time.Now()})
}

// AddAssistant records the outcome of a finished turn.
func (t *Transcript) AddAssistant(snap turn.Snapshot) {
	s := snap.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, Message{Role: RoleAssistant, Content: AssistantText(s), At: time.Now(), Turn: &s})
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m
		if m.Turn != nil {
			s := m.Turn.Clone()
			out[i].Turn = &s
		}
	}
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// AssistantText is the text shown for a turn in the message list.
func AssistantText(s turn.Snapshot) string {
	switch s.Phase {
	case turn.PhaseComplete:
		return s.FinalText
	case turn.PhaseFailed:
		if s.StatusLine != "" {
			return s.StatusLine
		}
		return "Error: " + s.ErrorText
	default:
		return s.StatusLine
	}
}
