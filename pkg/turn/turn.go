// Package turn holds the state of one conversational turn: the user prompt, the phase of the
// assistant response, a running status line, and the workflow nodes the backend pipeline
// produced while answering.
//
// A Turn is mutable and owned by a single writer. Readers only ever get a Snapshot.
package turn

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkflowNode is the text accumulated for one stage of the backend pipeline.
type WorkflowNode struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Content     string `json:"content" yaml:"content"`
}

type node struct {
	name        string
	displayName string
	content     strings.Builder
}

// Turn is one user submission and the assistant response being built for it.
type Turn struct {
	id        string
	sessionID string
	requestID string
	prompt    string

	phase      Phase
	statusLine string
	errorText  string
	finalText  string

	nodes []*node
	index map[string]int
	namer *Namer

	startedAt  time.Time
	finishedAt time.Time
	records    int
	skipped    int
}

// New creates a pending turn for prompt within the given session.
func New(sessionID, prompt string, namer *Namer) *Turn {
	if namer == nil {
		namer = NewNamer(nil)
	}
	return &Turn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		prompt:    prompt,
		phase:     PhasePending,
		index:     map[string]int{},
		namer:     namer,
		startedAt: time.Now(),
	}
}

func (t *Turn) ID() string { return t.id }
func (t *Turn) SessionID() string { return t.sessionID }
func (t *Turn) Phase() Phase { return t.phase }
func (t *Turn) StatusLine() string { return t.statusLine }
func (t *Turn) Namer() *Namer { return t.namer }
func (t *Turn) NodeCount() int { return len(t.nodes) }
func (t *Turn) SetRequestID(s string) { t.requestID = s }

// SetStatus updates the progress line. Ignored once the turn is terminal.
func (t *Turn) SetStatus(s string) {
	if t.phase.IsTerminal() {
		return
	}
	t.statusLine = s
}

// CountRecord and CountSkipped keep per-turn decoder statistics.
func (t *Turn) CountRecord() { t.records++ }
func (t *Turn) CountSkipped(n int) { t.skipped = n }

// DisplayName resolves the label used for name in this turn.
func (t *Turn) DisplayName(name string) string {
	return t.namer.DisplayName(name)
}

func (t *Turn) transition(next Phase) error {
	if !t.phase.CanTransition(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.phase, next)
	}
	t.phase = next
	if next.IsTerminal() {
		t.finishedAt = time.Now()
	}
	return nil
}

// MarkStreaming moves a pending turn to streaming.
func (t *Turn) MarkStreaming(status string) error {
	if err := t.transition(PhaseStreaming); err != nil {
		return err
	}
	t.statusLine = status
	return nil
}

// Complete freezes the turn with its final answer and clears the status line.
func (t *Turn) Complete(finalText string) error {
	if err := t.transition(PhaseComplete); err != nil {
		return err
	}
	t.finalText = finalText
	t.statusLine = ""
	return nil
}

// Fail freezes the turn with an error. status defaults to errText when empty.
func (t *Turn) Fail(errText, status string) error {
	if err := t.transition(PhaseFailed); err != nil {
		return err
	}
	if status == "" {
		status = errText
	}
	t.errorText = errText
	t.statusLine = status
	return nil
}

func (t *Turn) resolve(name string) (*node, bool) {
	if i, ok := t.index[name]; ok {
		return t.nodes[i], false
	}
	n := &node{name: name, displayName: t.namer.DisplayName(name)}
	t.index[name] = len(t.nodes)
	t.nodes = append(t.nodes, n)
	return n, true
}

// AppendNode appends text to the node called name, creating it at the end of the node list
// on first sight. Returns the display name of the node.
func (t *Turn) AppendNode(name, text string) (string, error) {
	if t.phase.IsTerminal() {
		return "", errors.Wrapf(ErrInvalidTransition, "append to %s turn", t.phase)
	}
	n, _ := t.resolve(name)
	n.content.WriteString(text)
	return n.displayName, nil
}

// ReplaceNode overwrites the content of the node called name, creating it if needed.
func (t *Turn) ReplaceNode(name, text string) (string, error) {
	if t.phase.IsTerminal() {
		return "", errors.Wrapf(ErrInvalidTransition, "replace in %s turn", t.phase)
	}
	n, _ := t.resolve(name)
	n.content.Reset()
	n.content.WriteString(text)
	return n.displayName, nil
}

// NodeContent returns the current content of a node and whether it exists.
func (t *Turn) NodeContent(name string) (string, bool) {
	i, ok := t.index[name]
	if !ok {
		return "", false
	}
	return t.nodes[i].content.String(), true
}

// Snapshot is an immutable copy of a turn taken after one mutation.
type Snapshot struct {
	ID         string         `json:"id" yaml:"id"`
	SessionID  string         `json:"session_id" yaml:"session_id"`
	RequestID  string         `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Prompt     string         `json:"prompt" yaml:"prompt"`
	Phase      Phase          `json:"phase" yaml:"phase"`
	StatusLine string         `json:"status_line,omitempty" yaml:"status_line,omitempty"`
	ErrorText  string         `json:"error,omitempty" yaml:"error,omitempty"`
	FinalText  string         `json:"final_text,omitempty" yaml:"final_text,omitempty"`
	Nodes      []WorkflowNode `json:"nodes" yaml:"nodes"`
	Version    uint64         `json:"version" yaml:"version"`
	Records    int            `json:"records" yaml:"records"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Snapshot copies the turn. The returned value shares no memory with t.
func (t *Turn) Snapshot(version uint64) Snapshot {
	nodes := make([]WorkflowNode, len(t.nodes))
	for i, n := range t.nodes {
		nodes[i] = WorkflowNode{
			Name:        n.name,
			DisplayName: n.displayName,
			Content:     n.content.String(),
		}
	}
	return Snapshot{
		ID:         t.id,
		SessionID:  t.sessionID,
		RequestID:  t.requestID,
		Prompt:     t.prompt,
		Phase:      t.phase,
		StatusLine: t.statusLine,
		ErrorText:  t.errorText,
		FinalText:  t.finalText,
		Nodes:      nodes,
		Version:    version,
		Records:    t.records,
		Skipped:    t.skipped,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
}

// Node returns the node called name from the snapshot.
func (s Snapshot) Node(name string) (WorkflowNode, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Nodes = append([]WorkflowNode(nil), s.Nodes...)
	return out
}
