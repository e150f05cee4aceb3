package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// Printer writes snapshots as plain, append-only text. It is used when stdout is not a terminal
// and by the replay command. Node content is printed as deltas; a node whose content was replaced
// is printed again in full.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool

	turnID  string
	status  string
	printed map[string]string
	active  string
}

var _ aggregator.Sink = &Printer{}

// NewPrinter returns a printer. With verbose unset only status changes and the outcome are
// printed.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{w: w, verbose: verbose, printed: map[string]string{}}
}

func (p *Printer) Publish(_ context.Context, s turn.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	if s.ID != p.turnID {
		p.turnID, p.status, p.active = s.ID, "", ""
		p.printed = map[string]string{}
	}
	if status := StatusText(s); status != "" && status != p.status {
		p.closeLine(&b)
		fmt.Fprintf(&b, "[%s]\n", status)
		p.status = status
	}
	if p.verbose {
		for _, n := range s.Nodes {
			p.writeNode(&b, n)
		}
	}
	if s.Phase.IsTerminal() {
		p.closeLine(&b)
		switch s.Phase {
		case turn.PhaseComplete:
			fmt.Fprintf(&b, "%s\n", s.FinalText)
		case turn.PhaseFailed:
			if s.ErrorText != "" && !strings.HasSuffix(s.StatusLine, s.ErrorText) {
				fmt.Fprintf(&b, "error: %s\n", s.ErrorText)
			}
		}
	}
	if b.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(p.w, b.String())
	return errors.Wrap(err, "write snapshot")
}

func (p *Printer) writeNode(b *strings.Builder, n turn.WorkflowNode) {
	prev, seen := p.printed[n.Name]
	if seen && prev == n.Content {
		return
	}
	delta := ""
	switch {
	case seen && strings.HasPrefix(n.Content, prev):
		delta = n.Content[len(prev):]
	default:
		p.closeLine(b)
		fmt.Fprintf(b, "== %s ==\n", n.DisplayName)
		p.active = n.Name
		delta = n.Content
	}
	if p.active != n.Name {
		p.closeLine(b)
		fmt.Fprintf(b, "== %s (cont.) ==\n", n.DisplayName)
		p.active = n.Name
	}
	b.WriteString(delta)
	p.printed[n.Name] = n.Content
}

// closeLine ends an open node section with a newline.
func (p *Printer) closeLine(b *strings.Builder) {
	if p.active == "" {
		return
	}
	if !strings.HasSuffix(p.printed[p.active], "\n") {
		b.WriteString("\n")
	}
	p.active = ""
}
