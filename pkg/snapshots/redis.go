package snapshots

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/llamachat/pkg/turn"
)

// RedisSettings holds Redis Streams fan-out configuration.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	Group    string `yaml:"group" mapstructure:"group"`
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
}

func DefaultRedisSettings() RedisSettings {
	return RedisSettings{
		Addr:     "localhost:6379",
		Stream:   "llamachat.snapshots",
		Group:    "llamachat-watch",
		Consumer: "watch-1",
	}
}

// NewRedisPublisher returns a Redis Streams publisher.
func NewRedisPublisher(s RedisSettings, l zerolog.Logger) (message.Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(l))
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher")
	}
	return pub, nil
}

// NewRedisSubscriber returns a Redis Streams subscriber bound to the configured consumer group.
func NewRedisSubscriber(s RedisSettings, l zerolog.Logger) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(l))
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group at the tail ($) of the stream if it doesn't exist,
// so a new watcher does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, s RedisSettings) error {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, s.Stream, s.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", s.Group, s.Stream)
	}
	log.Info().Str("stream", s.Stream).Str("group", s.Group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// DefaultForwardBuffer is how many snapshots may wait for the remote publisher.
const DefaultForwardBuffer = 256

// Forwarder copies every snapshot from the bus to a remote publisher. The bus side only
// enqueues; a separate goroutine publishes. When the queue is full the snapshot is dropped, so a
// slow or unreachable remote never holds up the turn.
type Forwarder struct {
	router  *message.Router
	pub     message.Publisher
	stream  string
	queue   chan *message.Message
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewForwarder(b *Bus, pub message.Publisher, stream string, buffer int) (*Forwarder, error) {
	if buffer <= 0 {
		buffer = DefaultForwardBuffer
	}
	router, err := message.NewRouter(message.RouterConfig{}, b.Logger())
	if err != nil {
		return nil, errors.Wrap(err, "snapshot router")
	}
	f := &Forwarder{
		router: router,
		pub:    pub,
		stream: stream,
		queue:  make(chan *message.Message, buffer),
		logger: log.Logger.With().Str("component", "snapshots").Str("stream", stream).Logger(),
	}
	router.AddNoPublisherHandler("snapshot-forward", Topic, b.Subscriber(), f.enqueue)
	return f, nil
}

func (f *Forwarder) enqueue(msg *message.Message) error {
	out := message.NewMessage(msg.UUID, msg.Payload)
	for k, v := range msg.Metadata {
		out.Metadata.Set(k, v)
	}
	select {
	case f.queue <- out:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Warn().Int64("dropped", n).Msg("forward queue full, dropping snapshots")
		}
	}
	return nil
}

// Run consumes the bus and publishes until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.router.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-f.queue:
				if err := f.pub.Publish(f.stream, msg); err != nil {
					f.logger.Warn().Err(err).
						Str("turn_id", msg.Metadata.Get(MetadataTurnID)).
						Msg("dropping snapshot, forward failed")
				}
			}
		}
	})
	return g.Wait()
}

// Running is closed once the forwarder receives snapshots from the bus.
func (f *Forwarder) Running() chan struct{} {
	return f.router.Running()
}

// Dropped returns how many snapshots were discarded because the queue was full.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// SubscribeMessages decodes snapshots from any watermill subscriber, for example the Redis one.
func SubscribeMessages(ctx context.Context, sub message.Subscriber, topic string) (<-chan turn.Snapshot, error) {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	return decodeStream(ctx, msgs), nil
}
