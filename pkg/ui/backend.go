package ui

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/snapshots"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// SnapshotMsg carries a turn snapshot into the Bubble Tea program.
type SnapshotMsg struct {
	Snapshot turn.Snapshot
}

// TurnFinishedMsg is sent when Submit returns.
type TurnFinishedMsg struct {
	Snapshot turn.Snapshot
	Err      error
}

// Client is the part of chatclient.Client the UI drives.
type Client interface {
	Submit(ctx context.Context, message string) (turn.Snapshot, error)
	Cancel() bool
	Busy() bool
	Transcript() *chatclient.Transcript
}

var _ Client = &chatclient.Client{}

// ClientBackend runs turns for the UI, one at a time.
type ClientBackend struct {
	client Client
}

func NewClientBackend(c Client) *ClientBackend {
	return &ClientBackend{client: c}
}

// Start submits message and returns the command that waits for the turn to end.
func (b *ClientBackend) Start(ctx context.Context, message string) (tea.Cmd, error) {
	if b.client.Busy() {
		return nil, chatclient.ErrBusy
	}
	return func() tea.Msg {
		snap, err := b.client.Submit(ctx, message)
		if err != nil && !errors.Is(err, chatclient.ErrBusy) {
			log.Debug().Err(err).Str("component", "ui").Msg("turn ended with error")
		}
		return TurnFinishedMsg{Snapshot: snap, Err: err}
	}, nil
}

// Interrupt cancels the in-flight turn, if any.
func (b *ClientBackend) Interrupt() {
	if !b.client.Cancel() {
		log.Debug().Str("component", "ui").Msg("no turn in flight")
	}
}

func (b *ClientBackend) IsFinished() bool {
	return !b.client.Busy()
}

func (b *ClientBackend) Transcript() *chatclient.Transcript {
	return b.client.Transcript()
}

// StepChatForwardFunc forwards watermill snapshot messages into the program p. Use it as a
// message handler on the snapshot topic.
func StepChatForwardFunc(p *tea.Program) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()
		snap, err := snapshots.Decode(msg)
		if err != nil {
			log.Error().Err(err).Str("component", "ui").Msg("failed to decode snapshot")
			return nil
		}
		p.Send(SnapshotMsg{Snapshot: snap})
		return nil
	}
}
