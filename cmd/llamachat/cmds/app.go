package cmds

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/capture"
	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/config"
	"github.com/go-go-golems/llamachat/pkg/preview"
	"github.com/go-go-golems/llamachat/pkg/snapshots"
)

// app wires the chat client to its collaborators: snapshot bus, preview server, record capture
// and Redis fan-out. Components that serve are started with start and stop with the context.
type app struct {
	settings config.Settings
	bus      *snapshots.Bus
	preview  *preview.Server
	capture  *capture.SQLiteStore
	redisPub message.Publisher
	client   *chatclient.Client
}

func newApp(s config.Settings, transcript *chatclient.Transcript, extra aggregator.Sink) (*app, error) {
	a := &app{settings: s, bus: snapshots.NewBus(log.Logger)}

	var refresher aggregator.Refresher
	if s.Preview.Enabled {
		srv, err := preview.NewServer(s.Preview)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.preview, refresher = srv, srv
	}

	opts := s.ClientOptions()
	if s.CaptureDB != "" {
		dsn, err := capture.DSNForFile(s.CaptureDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		store, err := capture.NewSQLiteStore(dsn)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.capture = store
		opts = append(opts, chatclient.WithRecorder(store))
	}

	if s.Redis.Enabled {
		pub, err := snapshots.NewRedisPublisher(s.Redis, log.Logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisPub = pub
	}

	endpoint, err := s.Endpoint()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts = append(opts,
		chatclient.WithSink(aggregator.Sinks(a.bus, extra)),
		chatclient.WithRefresher(refresher),
	)
	if transcript != nil {
		opts = append(opts, chatclient.WithTranscript(transcript))
	}
	client, err := chatclient.New(endpoint, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	log.Info().
		Str("component", "app").
		Str("endpoint", endpoint).
		Str("session_id", client.SessionID()).
		Bool("preview", a.preview != nil).
		Bool("capture", a.capture != nil).
		Bool("redis", a.redisPub != nil).
		Msg("llamachat ready")
	return a, nil
}

// start launches the serving components on g. They stop when ctx is done.
func (a *app) start(ctx context.Context, g *errgroup.Group) error {
	if a.preview != nil {
		srv := a.preview
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}
	if a.redisPub != nil {
		fwd, err := snapshots.NewForwarder(a.bus, a.redisPub, a.settings.Redis.Stream, snapshots.DefaultForwardBuffer)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := fwd.Run(ctx); err != nil {
				return errors.Wrap(err, "redis forwarder")
			}
			return nil
		})
		select {
		case <-fwd.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *app) Close() {
	if a.capture != nil {
		if err := a.capture.Close(); err != nil {
			log.Warn().Err(err).Msg("closing capture store")
		}
	}
	if a.redisPub != nil {
		_ = a.redisPub.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
}
