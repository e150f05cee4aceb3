// Package chatclient sends user messages to the agent backend and streams each response into a
// turn aggregator.
//
// A Client holds one session. At most one turn is in flight at a time: Submit while busy fails
// with ErrBusy and leaves everything untouched.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

const (
	DefaultBackendURL = "http://localhost:8000"
	DefaultChatPath   = "/api/chat"

	errorPreviewBytes = 512
)

var (
	// ErrBusy is returned by Submit while another turn is in flight.
	ErrBusy = errors.New("chatclient: a turn is already in flight")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("chatclient: empty message")
)

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client is nil")
		}
		c.http = hc
		return nil
	}
}

// WithSessionID resumes an existing backend thread instead of starting a new one.
func WithSessionID(id string) Option {
	return func(c *Client) error {
		if strings.TrimSpace(id) == "" {
			return errors.New("session id is empty")
		}
		c.sessionID = id
		return nil
	}
}

func WithAggregatorSettings(s aggregator.Settings) Option {
	return func(c *Client) error {
		if err := s.Validate(); err != nil {
			return err
		}
		c.settings = s
		return nil
	}
}

func WithDisplayNames(overrides map[string]string) Option {
	return func(c *Client) error {
		c.namer = turn.NewNamer(overrides)
		return nil
	}
}

func WithSink(s aggregator.Sink) Option {
	return func(c *Client) error {
		c.sink = s
		return nil
	}
}

func WithRefresher(r aggregator.Refresher) Option {
	return func(c *Client) error {
		c.refresher = r
		return nil
	}
}

// WithRecorder captures every raw record of every turn.
func WithRecorder(r Recorder) Option {
	return func(c *Client) error {
		c.recorder = r
		return nil
	}
}

func WithMaxRecordBytes(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return errors.Errorf("max record bytes must not be negative, got %d", n)
		}
		c.maxRecordBytes = n
		return nil
	}
}

// WithRequestTimeout bounds a whole turn, from dispatch to the terminal record. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.requestTimeout = d
		return nil
	}
}

func WithTranscript(t *Transcript) Option {
	return func(c *Client) error {
		if t == nil {
			return errors.New("transcript is nil")
		}
		c.transcript = t
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// Client talks to one backend endpoint on behalf of one session.
type Client struct {
	endpoint       string
	sessionID      string
	http           *http.Client
	settings       aggregator.Settings
	namer          *turn.Namer
	sink           aggregator.Sink
	refresher      aggregator.Refresher
	recorder       Recorder
	maxRecordBytes int
	requestTimeout time.Duration
	transcript     *Transcript
	logger         zerolog.Logger

	busy atomic.Bool

	mu      sync.Mutex
	current *aggregator.Aggregator
	cancel  context.CancelFunc
}

// Endpoint joins a backend base URL and a chat path.
func Endpoint(backendURL, chatPath string) (string, error) {
	if backendURL == "" {
		backendURL = DefaultBackendURL
	}
	if chatPath == "" {
		chatPath = DefaultChatPath
	}
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse backend url %q", backendURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("backend url %q must use http or https", backendURL)
	}
	if u.Host == "" {
		return "", errors.Errorf("backend url %q has no host", backendURL)
	}
	return u.JoinPath(chatPath).String(), nil
}

// New creates a client posting to endpoint, the full URL of the chat route.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("endpoint %q must use http or https", endpoint)
	}
	c := &Client{
		endpoint:  endpoint,
		sessionID: uuid.NewString(),
		http:      http.DefaultClient,
		settings:  aggregator.DefaultSettings(),
		logger:    log.Logger,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, errors.Wrap(err, "chatclient")
		}
	}
	if c.namer == nil {
		c.namer = turn.NewNamer(nil)
	}
	if c.transcript == nil {
		c.transcript = NewTranscript("")
	}
	c.logger = c.logger.With().
		Str("component", "chatclient").
		Str("session_id", c.sessionID).
		Logger()
	return c, nil
}

// NewHTTPClient returns an http.Client that gives up when response headers take longer than
// headerTimeout. The body itself is not bounded, streams stay open as long as the backend works.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if headerTimeout > 0 {
		tr.ResponseHeaderTimeout = headerTimeout
	}
	return &http.Client{Transport: tr}
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) Endpoint() string { return c.endpoint }
func (c *Client) Transcript() *Transcript { return c.transcript }

// Busy reports whether a turn is in flight.
func (c *Client) Busy() bool { return c.busy.Load() }

// Current returns the latest snapshot of the in-flight turn.
func (c *Client) Current() (turn.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return turn.Snapshot{}, false
	}
	return c.current.Snapshot(), true
}

// Cancel aborts the in-flight turn. It returns false when nothing was in flight.
func (c *Client) Cancel() bool {
	c.mu.Lock()
	agg, cancel := c.current, c.cancel
	c.mu.Unlock()
	if agg == nil {
		return false
	}
	agg.Cancel()
	if cancel != nil {
		cancel()
	}
	return true
}

// Submit sends message and blocks until its turn reaches a terminal phase. The returned snapshot
// is the last state of the turn. The error is nil only when the turn completed or the backend
// reported an error record; transport failures and cancellation return an error alongside the
// failed snapshot.
func (c *Client) Submit(ctx context.Context, message string) (turn.Snapshot, error) {
	if strings.TrimSpace(message) == "" {
		return turn.Snapshot{}, ErrEmptyMessage
	}
	if !c.busy.CompareAndSwap(false, true) {
		return turn.Snapshot{}, ErrBusy
	}
	defer c.busy.Store(false)

	t := turn.New(c.sessionID, message, c.namer)
	logger := c.logger.With().Str("turn_id", t.ID()).Logger()
	agg, err := aggregator.New(t,
		aggregator.WithSettings(c.settings),
		aggregator.WithSink(c.sink),
		aggregator.WithRefresher(c.refresher),
		aggregator.WithLogger(c.logger),
	)
	if err != nil {
		return turn.Snapshot{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.current, c.cancel = agg, cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current, c.cancel = nil, nil
		c.mu.Unlock()
	}()

	c.transcript.AddUser(message)
	if c.recorder != nil {
		if err := c.recorder.BeginTurn(runCtx, t.Snapshot(0)); err != nil {
			logger.Warn().Err(err).Msg("capture: begin turn failed")
		}
	}

	snap, runErr := c.run(runCtx, agg, t.ID(), message, logger)

	c.transcript.AddAssistant(snap)
	if c.recorder != nil {
		if err := c.recorder.EndTurn(context.Background(), snap); err != nil {
			logger.Warn().Err(err).Msg("capture: end turn failed")
		}
	}
	logger.Info().
		Str("phase", snap.Phase.String()).
		Int("records", snap.Records).
		Int("skipped", snap.Skipped).
		Dur("elapsed", time.Since(snap.StartedAt)).
		Msg("turn done")
	return snap, runErr
}

func (c *Client) run(ctx context.Context, agg *aggregator.Aggregator, turnID, message string, logger zerolog.Logger) (turn.Snapshot, error) {
	if err := agg.Begin(ctx); err != nil {
		return agg.Snapshot(), err
	}

	reqCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.post(reqCtx, message)
	if err != nil {
		if ctx.Err() != nil {
			agg.Cancel()
			return agg.Snapshot(), aggregator.ErrCancelled
		}
		agg.Fail(ctx, err)
		return agg.Snapshot(), err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorPreviewBytes))
		_ = resp.Body.Close()
		err := errors.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(preview)))
		agg.Fail(ctx, err)
		return agg.Snapshot(), err
	}
	logger.Debug().Str("content_type", resp.Header.Get("Content-Type")).Msg("stream opened")

	opts := []sse.Option{sse.WithLogger(logger)}
	if c.maxRecordBytes > 0 {
		opts = append(opts, sse.WithMaxRecordBytes(c.maxRecordBytes))
	}
	var src aggregator.Source = sse.NewDecoder(resp.Body, opts...)
	if c.recorder != nil {
		src = &recordingSource{Source: src, recorder: c.recorder, turnID: turnID, logger: logger}
	}
	return agg.Run(ctx, src)
}

func (c *Client) post(ctx context.Context, message string) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{Message: message, ThreadID: c.sessionID})
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "post chat request")
	}
	return resp, nil
}
