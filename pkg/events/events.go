// Package events classifies decoded stream records into a closed set of variants.
//
// The agent backend emits records whose meaning is encoded by which keys are present
// rather than by a single tag. Classify inspects the raw JSON exactly once; everything
// downstream switches on the concrete Event type and never looks at raw keys again.
package events

import (
	"encoding/json"
)

// Kind identifies an event variant.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindStart
	KindFragment
	KindStageSnapshot
	KindFinal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFragment:
		return "fragment"
	case KindStageSnapshot:
		return "stage_snapshot"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return "unrecognized"
	}
}

// Event is one classified record.
type Event interface {
	Kind() Kind
}

// Start announces the request on the backend side.
type Start struct {
	RequestID string
}

// Fragment is a piece of generated text attributed to one pipeline stage.
// Stage is empty when the record carried no attribution.
type Fragment struct {
	Stage string
	Text  string
}

// StageSnapshot is the complete current state of one pipeline stage.
type StageSnapshot struct {
	Stage    string
	Messages []StageMessage
}

// StageMessage is one message produced by a stage.
type StageMessage struct {
	Type      string
	Name      string
	Content   string
	ToolCalls []ToolCall
}

// IsTool reports whether the message is the output of a tool.
func (m StageMessage) IsTool() bool {
	return m.Type == "tool"
}

// ToolCall is a tool invocation requested by a stage.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Final ends the turn successfully. Text may be empty.
type Final struct {
	Text string
}

// Error ends the turn with a backend-reported failure.
type Error struct {
	Message string
}

// Unrecognized is a well-formed record outside the known vocabulary.
type Unrecognized struct {
	Reason string
}

func (Start) Kind() Kind { return KindStart }
func (Fragment) Kind() Kind { return KindFragment }
func (StageSnapshot) Kind() Kind { return KindStageSnapshot }
func (Final) Kind() Kind { return KindFinal }
func (Error) Kind() Kind { return KindError }
func (Unrecognized) Kind() Kind { return KindUnrecognized }

// IsTerminal reports whether ev ends the turn.
func IsTerminal(ev Event) bool {
	k := ev.Kind()
	return k == KindFinal || k == KindError
}

// HasToolActivity reports whether the snapshot carries tool calls or tool outputs.
func (s StageSnapshot) HasToolActivity() bool {
	for _, m := range s.Messages {
		if m.IsTool() || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
