package snapshots

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/events"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

func snapshot(t *testing.T, version uint64) turn.Snapshot {
	t.Helper()
	tr := turn.New("s1", "hi", nil)
	require.NoError(t, tr.MarkStreaming("Thinking..."))
	_, err := tr.AppendNode("writer", "Hello")
	require.NoError(t, err)
	return tr.Snapshot(version)
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, b.Publish(ctx, snapshot(t, v)))
	}

	for v := uint64(1); v <= 3; v++ {
		select {
		case got := <-ch:
			require.Equal(t, v, got.Version)
			require.Equal(t, turn.PhaseStreaming, got.Phase)
			require.Equal(t, "Writer", got.Nodes[0].DisplayName)
			require.Equal(t, "Hello", got.Nodes[0].Content)
		case <-time.After(2 * time.Second):
			t.Fatalf("snapshot %d not delivered", v)
		}
	}
}

func TestEncode_Metadata(t *testing.T) {
	snap := snapshot(t, 7)
	msg, err := Encode(snap)
	require.NoError(t, err)
	require.Equal(t, snap.ID, msg.Metadata.Get(MetadataTurnID))
	require.Equal(t, "7", msg.Metadata.Get(MetadataVersion))
	require.Equal(t, "streaming", msg.Metadata.Get(MetadataPhase))

	got, err := Decode(msg)
	require.NoError(t, err)
	require.Equal(t, snap.Nodes, got.Nodes)

	_, err = Decode(message.NewMessage("x", []byte("not json")))
	require.Error(t, err)
}

func TestForwarder_CopiesToTarget(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer func() { _ = b.Close() }()
	target := gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(zerolog.Nop()))
	defer func() { _ = target.Close() }()

	fwd, err := NewForwarder(b, target, "remote.snapshots", 8)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := SubscribeMessages(ctx, target, "remote.snapshots")
	require.NoError(t, err)

	go func() { _ = fwd.Run(ctx) }()
	<-fwd.Running()

	snap := snapshot(t, 3)
	require.NoError(t, b.Publish(ctx, snap))

	select {
	case got := <-out:
		require.Equal(t, snap.ID, got.ID)
		require.Equal(t, uint64(3), got.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not forwarded")
	}
}

// stalledPublisher blocks every Publish until released, like a Redis that does not answer.
type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Publish(string, ...*message.Message) error {
	<-p.release
	return errors.New("redis unreachable")
}

func (p *stalledPublisher) Close() error { return nil }

func TestForwarder_StalledRemoteDoesNotBlockApply(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer func() { _ = b.Close() }()
	pub := &stalledPublisher{release: make(chan struct{})}
	defer close(pub.release)

	fwd, err := NewForwarder(b, pub, "remote.snapshots", 4)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fwd.Run(ctx) }()
	<-fwd.Running()

	a, err := aggregator.New(turn.New("s1", "hi", nil), aggregator.WithSink(b))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Begin(ctx)
		for i := 0; i < 50; i++ {
			a.Apply(ctx, events.Fragment{Stage: "writer", Text: "x"})
		}
		a.Apply(ctx, events.Final{})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn stalled on the remote publisher")
	}
	require.Equal(t, turn.PhaseComplete, a.Snapshot().Phase)
	require.GreaterOrEqual(t, fwd.Dropped(), int64(40))
}
