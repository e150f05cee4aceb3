package capture

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// ReplaySource yields captured records like a live decoder would, ending with io.EOF.
type ReplaySource struct {
	mu      sync.Mutex
	records []sse.Record
	pos     int
	skipped int
	delay   time.Duration
	closed  bool
}

var _ aggregator.Source = &ReplaySource{}

// NewReplaySource replays records. skipped is the malformed-record count of the original stream.
// delay pauses between records to mimic streaming; zero replays at once.
func NewReplaySource(records []sse.Record, skipped int, delay time.Duration) *ReplaySource {
	return &ReplaySource{records: records, skipped: skipped, delay: delay}
}

func (r *ReplaySource) Next() (sse.Record, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return sse.Record{}, sse.ErrClosed
	}
	if r.pos >= len(r.records) {
		r.mu.Unlock()
		return sse.Record{}, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return rec, nil
}

func (r *ReplaySource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *ReplaySource) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Replay feeds a captured turn through a fresh aggregator. An empty turnID replays the newest
// capture. The result is what the client would have shown for that stream under opts.
func Replay(ctx context.Context, s *SQLiteStore, turnID string, namer *turn.Namer, delay time.Duration, opts ...aggregator.Option) (turn.Snapshot, error) {
	tr, ok, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return turn.Snapshot{}, err
	}
	if !ok {
		if turnID == "" {
			return turn.Snapshot{}, errors.New("capture is empty")
		}
		return turn.Snapshot{}, errors.Errorf("no captured turn %s", turnID)
	}
	records, err := s.Records(ctx, tr.TurnID)
	if err != nil {
		return turn.Snapshot{}, err
	}

	agg, err := aggregator.New(turn.New(tr.SessionID, tr.Prompt, namer), opts...)
	if err != nil {
		return turn.Snapshot{}, err
	}
	if err := agg.Begin(ctx); err != nil {
		return turn.Snapshot{}, err
	}
	return agg.Run(ctx, NewReplaySource(records, tr.Skipped, delay))
}
