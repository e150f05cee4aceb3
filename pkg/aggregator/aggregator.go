// Package aggregator reduces classified stream events into the state of one in-flight turn.
//
// An Aggregator is the single writer of its turn. Every applied record produces a deep-copied
// snapshot that is handed to a Sink in application order. Cancel may be called from any
// goroutine; everything else runs on the goroutine that consumes the stream.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/llamachat/pkg/events"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// ErrCancelled is returned by Run when the turn was cancelled before a terminal record.
var ErrCancelled = errors.New("turn cancelled")

// Sink receives every snapshot in the order the records were applied.
type Sink interface {
	Publish(ctx context.Context, snap turn.Snapshot) error
}

type SinkFunc func(ctx context.Context, snap turn.Snapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap turn.Snapshot) error { return f(ctx, snap) }

// Refresher is told when externally visible artifacts may have changed.
type Refresher interface {
	Refresh(ctx context.Context, reason string)
}

type RefresherFunc func(ctx context.Context, reason string)

func (f RefresherFunc) Refresh(ctx context.Context, reason string) { f(ctx, reason) }

// Source yields decoded records. *sse.Decoder implements it.
type Source interface {
	Next() (sse.Record, error)
	Close() error
	Skipped() int
}

type Option func(*Aggregator)

func WithSettings(s Settings) Option {
	return func(a *Aggregator) {
		a.settings = s
	}
}

func WithSink(s Sink) Option {
	return func(a *Aggregator) {
		a.sink = s
	}
}

func WithRefresher(r Refresher) Option {
	return func(a *Aggregator) {
		a.refresher = r
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// Aggregator applies events to one turn.
type Aggregator struct {
	settings  Settings
	sink      Sink
	refresher Refresher
	logger    zerolog.Logger
	refresh   map[string]struct{}

	mu        sync.Mutex
	t         *turn.Turn
	version   uint64
	src       Source
	cancelled bool
}

func New(t *turn.Turn, opts ...Option) (*Aggregator, error) {
	if t == nil {
		return nil, errors.New("aggregator: turn is nil")
	}
	a := &Aggregator{
		settings: DefaultSettings(),
		t:        t,
		logger:   log.Logger,
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "aggregator: settings")
	}
	a.refresh = map[string]struct{}{}
	for _, name := range a.settings.RefreshTools {
		a.refresh[name] = struct{}{}
	}
	a.logger = a.logger.With().
		Str("component", "aggregator").
		Str("session_id", t.SessionID()).
		Str("turn_id", t.ID()).
		Logger()
	return a, nil
}

// Snapshot returns a copy of the current turn state.
func (a *Aggregator) Snapshot() turn.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t.Snapshot(a.version)
}

// Begin moves the turn to streaming. Call it when the request is dispatched, before any
// record can arrive.
func (a *Aggregator) Begin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.t.MarkStreaming(StatusThinking); err != nil {
		return err
	}
	a.publishLocked(ctx)
	return nil
}

// Apply merges one event into the turn. It returns true once the turn is terminal, either
// because ev ended it or because it had already ended.
func (a *Aggregator) Apply(ctx context.Context, ev events.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(ctx, ev)
}

func (a *Aggregator) applyLocked(ctx context.Context, ev events.Event) bool {
	if a.t.Phase().IsTerminal() {
		a.logger.Debug().Str("kind", ev.Kind().String()).Msg("ignoring record after turn end")
		return true
	}
	if u, ok := ev.(events.Unrecognized); ok {
		a.logger.Debug().Str("reason", u.Reason).Msg("ignoring unrecognized record")
		return false
	}
	if a.t.Phase() == turn.PhasePending {
		if err := a.t.MarkStreaming(StatusThinking); err != nil {
			a.logger.Error().Err(err).Msg("could not start streaming")
			return false
		}
	}

	a.t.CountRecord()
	var (
		done    bool
		refresh string
		err     error
	)
	switch e := ev.(type) {
	case events.Final:
		done = true
		refresh = "final"
		err = a.t.Complete(a.finalText(e))
	case events.Error:
		done = true
		err = a.t.Fail(e.Message, "Error: "+e.Message)
	case events.Fragment:
		err = a.applyFragment(e)
	case events.StageSnapshot:
		refresh, err = a.applyStageSnapshot(e)
	case events.Start:
		a.t.SetRequestID(e.RequestID)
	}
	if err != nil {
		// Only reachable when a transition is refused; the turn state is unchanged.
		a.logger.Warn().Err(err).Str("kind", ev.Kind().String()).Msg("record not applied")
		return a.t.Phase().IsTerminal()
	}

	a.publishLocked(ctx)
	if refresh != "" && a.refresher != nil {
		a.refresher.Refresh(ctx, refresh)
	}
	if done {
		a.logger.Info().
			Str("phase", a.t.Phase().String()).
			Int("nodes", a.t.NodeCount()).
			Msg("turn finished")
	}
	return done
}

func (a *Aggregator) finalText(e events.Final) string {
	if a.settings.FinalText == FinalTextRecord && strings.TrimSpace(e.Text) != "" {
		return e.Text
	}
	return a.settings.ClosingMessage
}

func (a *Aggregator) applyFragment(e events.Fragment) error {
	stage := e.Stage
	if strings.TrimSpace(stage) == "" {
		stage = a.settings.FallbackNode
	}
	display, err := a.t.AppendNode(stage, e.Text)
	if err != nil {
		return err
	}
	a.t.SetStatus(fmt.Sprintf("Streaming from %s...", display))
	return nil
}

// applyStageSnapshot routes tool calls and tool outputs to the shared tools node and the
// remaining message text to the stage's own node. It returns a refresh reason when one of the
// tools is known to rewrite preview files.
func (a *Aggregator) applyStageSnapshot(e events.StageSnapshot) (string, error) {
	var (
		refresh string
		texts   []string
	)
	for _, m := range e.Messages {
		if len(m.ToolCalls) > 0 {
			calls := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, fmt.Sprintf("Calling Tool: %s\nArgs: %s", tc.Name, indentArgs(tc.Args)))
			}
			if err := a.appendTools(strings.Join(calls, "\n")); err != nil {
				return "", err
			}
		}
		switch {
		case m.IsTool():
			if err := a.appendTools(fmt.Sprintf("\nOutput of %s:\n%s", m.Name, m.Content)); err != nil {
				return "", err
			}
			if _, ok := a.refresh[m.Name]; ok {
				refresh = "tool " + m.Name
			}
		case m.Type == "human":
			// Echo of the prompt.
		case strings.TrimSpace(m.Content) != "":
			texts = append(texts, m.Content)
		}
	}

	if len(texts) > 0 {
		text := strings.Join(texts, "\n")
		var err error
		if a.settings.SnapshotPolicy == PolicyAppend {
			_, err = a.t.AppendNode(e.Stage, text)
		} else {
			_, err = a.t.ReplaceNode(e.Stage, text)
		}
		if err != nil {
			return "", err
		}
	}
	a.t.SetStatus(fmt.Sprintf("Processing in %s...", a.t.DisplayName(e.Stage)))
	return refresh, nil
}

// appendTools appends to the tools node, starting a new line when a new call follows
// earlier output.
func (a *Aggregator) appendTools(text string) error {
	if existing, ok := a.t.NodeContent(turn.ToolsNode); ok && existing != "" &&
		!strings.HasSuffix(existing, "\n") && !strings.HasPrefix(text, "\n") {
		text = "\n" + text
	}
	_, err := a.t.AppendNode(turn.ToolsNode, text)
	return err
}

func indentArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, args, "", "  "); err != nil {
		return string(args)
	}
	return buf.String()
}

func (a *Aggregator) publishLocked(ctx context.Context) {
	a.version++
	if a.sink == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Terminal snapshots must still reach the sink after the request context is gone.
		ctx = context.Background()
	}
	if err := a.sink.Publish(ctx, a.t.Snapshot(a.version)); err != nil {
		a.logger.Warn().Err(err).Uint64("version", a.version).Msg("snapshot publish failed")
	}
}

// Fail ends the turn with a transport failure. It is a no-op on a terminal turn.
func (a *Aggregator) Fail(ctx context.Context, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failLocked(ctx, cause)
}

func (a *Aggregator) failLocked(ctx context.Context, cause error) {
	if a.t.Phase().IsTerminal() {
		return
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := a.t.Fail(msg, "Request failed: "+msg); err != nil {
		a.logger.Error().Err(err).Msg("could not fail turn")
		return
	}
	a.logger.Warn().Str("cause", msg).Msg("turn failed")
	a.publishLocked(ctx)
}

// Cancel aborts the turn: the source is closed, no further record is applied, and a turn that
// has not ended yet is marked failed with a cancellation status.
func (a *Aggregator) Cancel() {
	a.mu.Lock()
	src := a.src
	if !a.t.Phase().IsTerminal() {
		a.cancelled = true
		if err := a.t.Fail(StatusCancelled, StatusCancelled); err == nil {
			a.logger.Info().Msg("turn cancelled")
			a.publishLocked(context.Background())
		}
	}
	a.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// Run consumes src until a terminal record, the end of the stream, a transport error or
// cancellation, and returns the last snapshot. The source is always closed on return.
// The returned error is nil when the stream reached a terminal record.
func (a *Aggregator) Run(ctx context.Context, src Source) (turn.Snapshot, error) {
	a.mu.Lock()
	a.src = src
	a.mu.Unlock()
	defer func() { _ = src.Close() }()

	stop := context.AfterFunc(ctx, a.Cancel)
	defer stop()

	for {
		rec, err := src.Next()
		if err != nil {
			return a.finish(ctx, src, err)
		}
		ev := events.Classify(rec.Payload)
		a.logger.Trace().Int("record", rec.Index).Str("kind", ev.Kind().String()).Msg("record")

		a.mu.Lock()
		a.t.CountSkipped(src.Skipped())
		done := a.applyLocked(ctx, ev)
		cancelled := a.cancelled
		a.mu.Unlock()
		if cancelled {
			// Cancel landed while the record was in flight.
			return a.Snapshot(), ErrCancelled
		}
		if done {
			return a.Snapshot(), nil
		}
	}
}

func (a *Aggregator) finish(ctx context.Context, src Source, err error) (turn.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.t.CountSkipped(src.Skipped())

	switch {
	case a.cancelled:
		err = ErrCancelled
	case a.t.Phase().IsTerminal():
		err = nil
	case errors.Is(err, io.EOF):
		err = errors.New(StatusConnectionLost)
		a.failLocked(ctx, err)
	default:
		a.failLocked(ctx, err)
	}
	return a.t.Snapshot(a.version), err
}
