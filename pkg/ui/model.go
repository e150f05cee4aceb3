package ui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

const (
	inputHeight   = 3
	defaultWidth  = 80
	defaultHeight = 24
)

// Model is the chat screen: transcript on top, the in-flight turn below it, input at the bottom.
type Model struct {
	ctx      context.Context
	backend  *ClientBackend
	renderer *Renderer

	spinner  spinner.Model
	viewport viewport.Model
	input    textarea.Model

	current  *turn.Snapshot
	running  bool
	finished string
	expanded bool
	notice   string
	width    int
	height   int
}

func NewModel(ctx context.Context, backend *ClientBackend) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	ta := textarea.New()
	ta.Placeholder = "Type your message... (/clone <url> to clone a page)"
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.Focus()

	m := Model{
		ctx:      ctx,
		backend:  backend,
		renderer: NewRenderer(defaultWidth),
		spinner:  sp,
		viewport: viewport.New(defaultWidth, defaultHeight-inputHeight-3),
		input:    ta,
		width:    defaultWidth,
		height:   defaultHeight,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m Model) busy() bool {
	return m.running || !m.backend.IsFinished()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.input.SetWidth(ev.Width)
		m.viewport.Width = ev.Width
		m.viewport.Height = max(1, ev.Height-inputHeight-3)
		m.renderer = NewRenderer(ev.Width)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c":
			if m.busy() {
				m.backend.Interrupt()
				return m, nil
			}
			return m, tea.Quit
		case "esc":
			if m.busy() {
				m.backend.Interrupt()
			}
			return m, nil
		case "ctrl+d":
			m.expanded = !m.expanded
			m.refresh()
			return m, nil
		case "enter":
			return m.submit()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		if m.busy() {
			return m, nil
		}

	case SnapshotMsg:
		if !m.running || ev.Snapshot.ID == m.finished {
			return m, nil
		}
		if m.current == nil || m.current.ID != ev.Snapshot.ID || m.current.Version < ev.Snapshot.Version {
			s := ev.Snapshot
			m.current = &s
			m.refresh()
		}
		return m, nil

	case TurnFinishedMsg:
		if errors.Is(ev.Err, chatclient.ErrBusy) {
			m.notice = ev.Err.Error()
			return m, nil
		}
		m.running = false
		m.finished = ev.Snapshot.ID
		m.current = nil
		switch {
		case ev.Err == nil:
			m.notice = ""
		case errors.Is(ev.Err, aggregator.ErrCancelled):
			m.notice = "Turn cancelled."
		default:
			m.notice = ev.Err.Error()
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.busy() {
		m.notice = "Still working on the previous message."
		return m, nil
	}
	text, err := chatclient.ParseInput(m.input.Value())
	if err != nil {
		if !errors.Is(err, chatclient.ErrEmptyMessage) {
			m.notice = err.Error()
		}
		return m, nil
	}
	cmd, err := m.backend.Start(m.ctx, text)
	if err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.notice = ""
	m.running = true
	m.input.Reset()
	pending := turn.New("", text, nil).Snapshot(0)
	pending.StatusLine = aggregator.StatusThinking
	m.current = &pending
	m.refresh()
	return m, tea.Batch(cmd, m.spinner.Tick)
}

// refresh re-renders the transcript into the viewport and keeps it scrolled to the bottom.
func (m *Model) refresh() {
	msgs := m.backend.Transcript().Messages()
	parts := make([]string, 0, len(msgs)+2)
	for _, msg := range msgs {
		parts = append(parts, m.renderer.Message(msg, m.expanded))
	}
	if m.current != nil && !recorded(msgs, m.current.ID) {
		if n := len(msgs); n == 0 || msgs[n-1].Role != chatclient.RoleUser {
			parts = append(parts, m.renderer.Message(chatclient.Message{Role: chatclient.RoleUser, Content: m.current.Prompt}, false))
		}
		parts = append(parts, m.renderer.Turn(*m.current, m.expanded))
	}
	m.viewport.SetContent(strings.Join(parts, "\n\n"))
	m.viewport.GotoBottom()
}

// recorded reports whether the transcript already holds the outcome of turn id.
func recorded(msgs []chatclient.Message, id string) bool {
	n := len(msgs)
	return n > 0 && msgs[n-1].Turn != nil && msgs[n-1].Turn.ID == id
}

func (m Model) View() string {
	header := titleStyle.Render("LlamaBot")
	if m.busy() {
		header += " " + m.spinner.View()
	}
	footer := hintStyle.Render("enter send · esc cancel · ctrl+d details · ctrl+c quit")
	if m.notice != "" {
		footer = errorStyle.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.input.View(), footer)
}
