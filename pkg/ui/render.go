// Package ui renders turns: a Bubble Tea chat screen for terminals and a plain line printer for
// everything else.
package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

const StatusComplete = "✅ Complete"

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	nodeStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).PaddingLeft(2)
	statusStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	hintStyle      = lipgloss.NewStyle().Faint(true)
)

// StatusText is the status shown for a turn: the running status line, or a completion mark.
func StatusText(s turn.Snapshot) string {
	if s.Phase == turn.PhaseComplete {
		return StatusComplete
	}
	return s.StatusLine
}

// Renderer turns transcript entries and snapshots into styled text.
type Renderer struct {
	width    int
	markdown *glamour.TermRenderer
}

// NewRenderer builds a renderer wrapping at width. Markdown rendering is skipped when glamour
// cannot be initialised.
func NewRenderer(width int) *Renderer {
	r := &Renderer{width: width}
	if width > 0 {
		md, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err == nil {
			r.markdown = md
		}
	}
	return r
}

func (r *Renderer) Width() int { return r.width }

func (r *Renderer) answer(text string) string {
	if r.markdown == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := r.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// Message renders one transcript entry. Finished turns show their details when expanded.
func (r *Renderer) Message(m chatclient.Message, expanded bool) string {
	if m.Role == chatclient.RoleUser {
		return userStyle.Render("You") + "\n" + m.Content
	}
	var b strings.Builder
	b.WriteString(assistantStyle.Render("LlamaBot"))
	if m.Turn != nil {
		if details := r.Details(*m.Turn, expanded); details != "" {
			b.WriteString("\n")
			b.WriteString(details)
		}
	}
	b.WriteString("\n")
	if m.Turn != nil && m.Turn.Phase == turn.PhaseFailed {
		b.WriteString(errorStyle.Render(m.Content))
	} else {
		b.WriteString(r.answer(m.Content))
	}
	return b.String()
}

// Turn renders the in-flight turn: details, then the status line.
func (r *Renderer) Turn(s turn.Snapshot, expanded bool) string {
	var b strings.Builder
	b.WriteString(assistantStyle.Render("LlamaBot"))
	if details := r.Details(s, expanded); details != "" {
		b.WriteString("\n")
		b.WriteString(details)
	}
	if status := StatusText(s); status != "" {
		b.WriteString("\n")
		if s.Phase == turn.PhaseFailed {
			b.WriteString(errorStyle.Render(status))
		} else {
			b.WriteString(statusStyle.Render(status))
		}
	}
	return b.String()
}

// Details lists the workflow nodes. Collapsed, only the node names are shown.
func (r *Renderer) Details(s turn.Snapshot, expanded bool) string {
	if len(s.Nodes) == 0 {
		return ""
	}
	var b strings.Builder
	if !expanded {
		names := make([]string, 0, len(s.Nodes))
		for _, n := range s.Nodes {
			names = append(names, n.DisplayName)
		}
		b.WriteString(hintStyle.Render("▸ Processing details: " + strings.Join(names, ", ") + " (ctrl+d)"))
		return b.String()
	}
	b.WriteString(hintStyle.Render("▾ Processing details (ctrl+d)"))
	for _, n := range s.Nodes {
		b.WriteString("\n")
		b.WriteString(nodeStyle.Render(n.DisplayName))
		if content := strings.TrimRight(n.Content, "\n"); content != "" {
			b.WriteString("\n")
			b.WriteString(detailStyle.Render(content))
		}
	}
	return b.String()
}
