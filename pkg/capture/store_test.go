package capture

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func captureTurn(t *testing.T, s *SQLiteStore, prompt string, payloads ...string) turn.Snapshot {
	t.Helper()
	ctx := context.Background()
	tr := turn.New("session-1", prompt, nil)
	require.NoError(t, s.BeginTurn(ctx, tr.Snapshot(0)))
	for i, p := range payloads {
		require.NoError(t, s.AppendRecord(ctx, tr.ID(), sse.Record{Index: i, Payload: json.RawMessage(p)}))
	}
	require.NoError(t, tr.MarkStreaming(""))
	require.NoError(t, tr.Complete("done"))
	snap := tr.Snapshot(1)
	require.NoError(t, s.EndTurn(ctx, snap))
	return snap
}

func TestSQLiteStore_CaptureAndRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := captureTurn(t, s, "one", `{"type":"final"}`)
	time.Sleep(5 * time.Millisecond)
	second := captureTurn(t, s, "two",
		`{"type":"update","data":["messages",{"content":"a"}]}`,
		`{"type":"final"}`,
	)

	turns, err := s.ListTurns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, second.ID, turns[0].TurnID)
	require.Equal(t, first.ID, turns[1].TurnID)
	require.Equal(t, turn.PhaseComplete, turns[0].Phase)
	require.Equal(t, "done", turns[0].FinalText)

	latest, ok, err := s.GetTurn(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.ID, latest.TurnID)

	_, ok, err = s.GetTurn(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	recs, err := s.Records(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 1, recs[1].Index)
	require.JSONEq(t, `{"type":"final"}`, string(recs[1].Payload))
}

func TestSQLiteStore_EndUnknownTurn(t *testing.T) {
	s := newStore(t)
	err := s.EndTurn(context.Background(), turn.Snapshot{ID: "nope"})
	require.Error(t, err)
}

func TestSQLiteStore_EmptyDSN(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.Error(t, err)
	_, err = DSNForFile("")
	require.Error(t, err)
}

func TestReplay_RebuildsTurn(t *testing.T) {
	s := newStore(t)
	captureTurn(t, s, "hi",
		`{"type":"update","data":["messages",{"content":"Hel","response_metadata":{"node":"writer"}}]}`,
		`{"type":"update","data":["messages",{"content":"lo","response_metadata":{"node":"writer"}}]}`,
		`{"type":"final","message":"Process finished."}`,
	)

	snap, err := Replay(context.Background(), s, "", nil, 0)
	require.NoError(t, err)
	require.Equal(t, turn.PhaseComplete, snap.Phase)
	require.Equal(t, "hi", snap.Prompt)
	require.Equal(t, "Hello", snap.Nodes[0].Content)
	require.Equal(t, "Writer", snap.Nodes[0].DisplayName)

	s2 := aggregator.DefaultSettings()
	s2.FinalText = aggregator.FinalTextRecord
	snap, err = Replay(context.Background(), s, "", nil, 0, aggregator.WithSettings(s2))
	require.NoError(t, err)
	require.Equal(t, "Process finished.", snap.FinalText)
}

func TestReplay_TruncatedCaptureFails(t *testing.T) {
	s := newStore(t)
	captureTurn(t, s, "hi", `{"type":"update","data":["messages",{"content":"x"}]}`)

	snap, err := Replay(context.Background(), s, "", nil, 0)
	require.Error(t, err)
	require.Equal(t, turn.PhaseFailed, snap.Phase)
}

func TestReplay_EmptyCapture(t *testing.T) {
	s := newStore(t)
	_, err := Replay(context.Background(), s, "", nil, 0)
	require.Error(t, err)
}
