package aggregator

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/turn"
)

// SnapshotPolicy decides what a stage snapshot does to the stage's own node.
type SnapshotPolicy string

const (
	// PolicyReplace overwrites the node with the snapshot text. Use it when the backend also
	// streams token fragments for the same stage, so the snapshot repeats what was streamed.
	PolicyReplace SnapshotPolicy = "replace"
	// PolicyAppend accumulates snapshot text like fragments.
	PolicyAppend SnapshotPolicy = "append"
)

// FinalTextMode decides where the final answer text comes from.
type FinalTextMode string

const (
	// FinalTextFixed always shows the closing message.
	FinalTextFixed FinalTextMode = "fixed"
	// FinalTextRecord uses the text carried by the final record, falling back to the closing message.
	FinalTextRecord FinalTextMode = "record"
)

const (
	DefaultClosingMessage = "I've processed your request."

	StatusThinking       = "Thinking..."
	StatusCancelled      = "Cancelled"
	StatusConnectionLost = "connection closed before the response completed"
)

// DefaultRefreshTools are tools known to rewrite the files shown in the preview.
func DefaultRefreshTools() []string {
	return []string{"write_html", "write_css", "clone_and_write_html_to_file"}
}

// Settings configure the merge policy of an Aggregator.
type Settings struct {
	FallbackNode   string         `yaml:"fallback-node"`
	ClosingMessage string         `yaml:"closing-message"`
	FinalText      FinalTextMode  `yaml:"final-text"`
	SnapshotPolicy SnapshotPolicy `yaml:"snapshot-policy"`
	RefreshTools   []string       `yaml:"refresh-tools"`
}

func DefaultSettings() Settings {
	return Settings{
		FallbackNode:   turn.DefaultFallbackNode,
		ClosingMessage: DefaultClosingMessage,
		FinalText:      FinalTextFixed,
		SnapshotPolicy: PolicyReplace,
		RefreshTools:   DefaultRefreshTools(),
	}
}

// Validate fills empty fields with defaults and rejects unknown policies.
func (s *Settings) Validate() error {
	d := DefaultSettings()
	if s.FallbackNode == "" {
		s.FallbackNode = d.FallbackNode
	}
	if s.ClosingMessage == "" {
		s.ClosingMessage = d.ClosingMessage
	}
	switch s.FinalText {
	case "":
		s.FinalText = d.FinalText
	case FinalTextFixed, FinalTextRecord:
	default:
		return errors.Errorf("unknown final-text mode %q", s.FinalText)
	}
	switch s.SnapshotPolicy {
	case "":
		s.SnapshotPolicy = d.SnapshotPolicy
	case PolicyReplace, PolicyAppend:
	default:
		return errors.Errorf("unknown snapshot-policy %q", s.SnapshotPolicy)
	}
	if s.RefreshTools == nil {
		s.RefreshTools = d.RefreshTools
	}
	return nil
}
