package turn

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPhase_Transitions(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhasePending, PhaseStreaming, true},
		{PhasePending, PhaseFailed, true},
		{PhasePending, PhaseComplete, false},
		{PhaseStreaming, PhaseComplete, true},
		{PhaseStreaming, PhaseFailed, true},
		{PhaseStreaming, PhasePending, false},
		{PhaseComplete, PhaseFailed, false},
		{PhaseFailed, PhaseStreaming, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestPhase_TextRoundTrip(t *testing.T) {
	for _, p := range []Phase{PhasePending, PhaseStreaming, PhaseComplete, PhaseFailed} {
		b, err := p.MarshalText()
		require.NoError(t, err)
		var got Phase
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, p, got)
	}
	var p Phase
	require.Error(t, p.UnmarshalText([]byte("loading")))
}

func TestNamer_DisplayName(t *testing.T) {
	n := NewNamer(map[string]string{"planner": "The Planner"})
	require.Equal(t, "Writer", n.DisplayName("writer"))
	require.Equal(t, "Code Reviewer", n.DisplayName("code_reviewer"))
	require.Equal(t, "Tools", n.DisplayName(ToolsNode))
	require.Equal(t, "Software Developer Assistant", n.DisplayName(DefaultFallbackNode))
	require.Equal(t, "The Planner", n.DisplayName("planner"))
	require.Equal(t, "Élan Vital", n.DisplayName("élan_vital"))
}

func TestTurn_NodesKeepFirstSeenOrder(t *testing.T) {
	tr := New("s1", "hi", nil)
	require.NoError(t, tr.MarkStreaming("Thinking..."))

	for _, step := range []struct{ name, text string }{
		{"agent", "a"}, {"tools", "t"}, {"agent", "b"}, {"writer", "w"}, {"tools", "u"},
	} {
		_, err := tr.AppendNode(step.name, step.text)
		require.NoError(t, err)
	}

	snap := tr.Snapshot(1)
	require.Len(t, snap.Nodes, 3)
	require.Equal(t, "agent", snap.Nodes[0].Name)
	require.Equal(t, "ab", snap.Nodes[0].Content)
	require.Equal(t, "tools", snap.Nodes[1].Name)
	require.Equal(t, "tu", snap.Nodes[1].Content)
	require.Equal(t, "writer", snap.Nodes[2].Name)
}

func TestTurn_FrozenAfterTerminal(t *testing.T) {
	tr := New("s1", "hi", nil)
	require.NoError(t, tr.MarkStreaming(""))
	_, err := tr.AppendNode("agent", "x")
	require.NoError(t, err)
	require.NoError(t, tr.Complete("done"))

	_, err = tr.AppendNode("agent", "y")
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.True(t, errors.Is(tr.Fail("late", ""), ErrInvalidTransition))
	tr.SetStatus("ignored")

	snap := tr.Snapshot(2)
	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, "done", snap.FinalText)
	require.Empty(t, snap.StatusLine)
	content, _ := tr.NodeContent("agent")
	require.Equal(t, "x", content)
}

func TestTurn_SnapshotIsDetached(t *testing.T) {
	tr := New("s1", "hi", nil)
	require.NoError(t, tr.MarkStreaming(""))
	_, err := tr.AppendNode("agent", "one")
	require.NoError(t, err)

	snap := tr.Snapshot(1)
	_, err = tr.AppendNode("agent", " two")
	require.NoError(t, err)
	snap.Nodes[0].Content = "mutated"

	require.Equal(t, "one two", tr.Snapshot(2).Nodes[0].Content)
}

func TestTurn_ReplaceMayShrink(t *testing.T) {
	tr := New("s1", "hi", nil)
	require.NoError(t, tr.MarkStreaming(""))
	_, err := tr.AppendNode("agent", "a long draft")
	require.NoError(t, err)
	_, err = tr.ReplaceNode("agent", "short")
	require.NoError(t, err)
	content, ok := tr.NodeContent("agent")
	require.True(t, ok)
	require.Equal(t, "short", content)
}
