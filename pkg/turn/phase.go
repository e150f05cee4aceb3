package turn

import (
	"github.com/pkg/errors"
)

// Phase is the lifecycle state of a turn.
type Phase int

const (
	PhasePending Phase = iota
	PhaseStreaming
	PhaseComplete
	PhaseFailed
)

// ErrInvalidTransition is returned when a phase change is not allowed from the current phase.
var ErrInvalidTransition = errors.New("invalid turn phase transition")

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseStreaming:
		return "streaming"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name so JSON and YAML snapshots stay readable.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*p = PhasePending
	case "streaming":
		*p = PhaseStreaming
	case "complete":
		*p = PhaseComplete
	case "failed":
		*p = PhaseFailed
	default:
		return errors.Errorf("unknown turn phase %q", string(b))
	}
	return nil
}

// IsTerminal reports whether no further mutation is permitted.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// IsBusy reports whether the turn still holds the submission gate.
func (p Phase) IsBusy() bool {
	return p == PhasePending || p == PhaseStreaming
}

// CanTransition reports whether moving from p to next is a legal lifecycle step.
//
//	pending   -> streaming | failed
//	streaming -> complete  | failed
//
// A pending turn may fail directly when the request never opens.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhasePending:
		return next == PhaseStreaming || next == PhaseFailed
	case PhaseStreaming:
		return next == PhaseComplete || next == PhaseFailed
	default:
		return false
	}
}
