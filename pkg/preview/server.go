// Package preview serves the files the agent writes and reloads open pages whenever a turn
// may have changed them.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
)

const (
	DefaultAddr  = "localhost:3001"
	DefaultDir   = "public"
	DefaultIndex = "page.html"
	ReloadPath   = "/__livereload"

	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

const reloadScript = `<script>(function(){` +
	`var ws=new WebSocket((location.protocol==="https:"?"wss://":"ws://")+location.host+"` + ReloadPath + `");` +
	`ws.onmessage=function(){location.reload();};` +
	`})();</script>`

// Settings configure the preview server.
type Settings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	Index   string `yaml:"index" mapstructure:"index"`
}

func DefaultSettings() Settings {
	return Settings{Addr: DefaultAddr, Dir: DefaultDir, Index: DefaultIndex}
}

type reloadMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Server is an http.Handler for the preview directory plus a live-reload websocket.
type Server struct {
	settings Settings
	hub      *reloadHub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   zerolog.Logger
}

var _ aggregator.Refresher = &Server{}

func NewServer(s Settings) (*Server, error) {
	d := DefaultSettings()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.Dir == "" {
		s.Dir = d.Dir
	}
	if s.Index == "" {
		s.Index = d.Index
	}
	abs, err := filepath.Abs(s.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "preview dir %q", s.Dir)
	}
	s.Dir = abs

	srv := &Server{
		settings: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		logger: log.Logger.With().Str("component", "preview").Str("dir", abs).Logger(),
	}
	srv.hub = newReloadHub(srv.logger)
	srv.mux.HandleFunc(ReloadPath, srv.handleReload)
	srv.mux.HandleFunc("/", srv.handleFile)
	return srv, nil
}

func (s *Server) Settings() Settings { return s.settings }

// Clients returns the number of connected preview pages.
func (s *Server) Clients() int { return s.hub.count() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Refresh tells every open page to reload. It does not wait for the pages.
func (s *Server) Refresh(_ context.Context, reason string) {
	b, err := json.Marshal(reloadMessage{Type: "reload", Reason: reason})
	if err != nil {
		return
	}
	n := s.hub.notify(b)
	s.logger.Debug().Str("reason", reason).Int("clients", n).Msg("reload sent")
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.settings.Addr)
	if err != nil {
		return errors.Wrapf(err, "preview listen on %s", s.settings.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("preview server listening")

	select {
	case err := <-errCh:
		s.hub.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "preview server")
	case <-ctx.Done():
	}
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "preview shutdown")
	}
	return nil
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("live reload upgrade failed")
		return
	}
	p := s.hub.attach(conn)
	defer s.hub.detach(p)
	s.hub.serve(p)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/" + s.settings.Index
	}
	if !strings.EqualFold(path.Ext(name), ".html") {
		http.ServeFile(w, r, filepath.Join(s.settings.Dir, filepath.FromSlash(name)))
		return
	}

	b, err := os.ReadFile(filepath.Join(s.settings.Dir, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "no page written yet", http.StatusNotFound)
			return
		}
		http.Error(w, "could not read page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(InjectReloadScript(b))
}

// InjectReloadScript adds the live-reload client before </body>, or at the end when the page has
// no body close tag.
func InjectReloadScript(page []byte) []byte {
	i := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if i < 0 {
		return append(append([]byte{}, page...), reloadScript...)
	}
	out := make([]byte, 0, len(page)+len(reloadScript))
	out = append(out, page[:i]...)
	out = append(out, reloadScript...)
	return append(out, page[i:]...)
}
