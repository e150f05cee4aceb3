package chatclient

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

// Recorder receives the raw records of each turn, for debugging and replay.
// Recorder errors are logged and never affect the turn.
type Recorder interface {
	BeginTurn(ctx context.Context, snap turn.Snapshot) error
	AppendRecord(ctx context.Context, turnID string, rec sse.Record) error
	EndTurn(ctx context.Context, snap turn.Snapshot) error
}

type recordingSource struct {
	aggregator.Source
	recorder Recorder
	turnID   string
	logger   zerolog.Logger
}

func (s *recordingSource) Next() (sse.Record, error) {
	rec, err := s.Source.Next()
	if err != nil {
		return rec, err
	}
	if rerr := s.recorder.AppendRecord(context.Background(), s.turnID, rec); rerr != nil {
		s.logger.Warn().Err(rerr).Int("record", rec.Index).Msg("capture: append record failed")
	}
	return rec, nil
}
