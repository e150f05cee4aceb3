// Package snapshots carries turn snapshots over watermill so renderers and observers are decoupled
// from the aggregator. The in-process bus is a gochannel pub/sub; Redis Streams can be added to fan
// snapshots out to other processes.
package snapshots

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

const (
	Topic = "turn.snapshots"

	MetadataTurnID  = "turn_id"
	MetadataVersion = "version"
	MetadataPhase   = "phase"

	defaultBuffer = 256
)

// Bus publishes snapshots on Topic and delivers them to local subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

var _ aggregator.Sink = &Bus{}

// NewBus creates the in-process bus. Publish returns once every subscriber acked the message,
// so subscribers see the snapshots of a turn in version order.
func NewBus(l zerolog.Logger) *Bus {
	wl := NewWatermillLogger(l)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            defaultBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, wl),
		logger: wl,
	}
}

// Publisher exposes the underlying publisher, for routers forwarding from the bus.
func (b *Bus) Publisher() message.Publisher { return b.pubsub }
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }
func (b *Bus) Logger() watermill.LoggerAdapter { return b.logger }

// Publish implements aggregator.Sink.
func (b *Bus) Publish(_ context.Context, snap turn.Snapshot) error {
	msg, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "publish snapshot")
	}
	return nil
}

// Subscribe returns decoded snapshots until ctx is done. Undecodable messages are logged and
// dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan turn.Snapshot, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe snapshots")
	}
	return decodeStream(ctx, msgs), nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Encode turns a snapshot into a watermill message.
func Encode(snap turn.Snapshot) (*message.Message, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataTurnID, snap.ID)
	msg.Metadata.Set(MetadataVersion, strconv.FormatUint(snap.Version, 10))
	msg.Metadata.Set(MetadataPhase, snap.Phase.String())
	return msg, nil
}

func Decode(msg *message.Message) (turn.Snapshot, error) {
	var snap turn.Snapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return turn.Snapshot{}, errors.Wrapf(err, "decode snapshot message %s", msg.UUID)
	}
	return snap, nil
}

func decodeStream(ctx context.Context, msgs <-chan *message.Message) <-chan turn.Snapshot {
	out := make(chan turn.Snapshot, defaultBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			snap, err := Decode(msg)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("component", "snapshots").Msg("dropping snapshot message")
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
