package preview

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// page is one open preview tab. A page has at most one pending reload; further notices
// arriving before it was written are folded into it.
type page struct {
	conn    *websocket.Conn
	pending chan []byte
}

// reloadHub tracks the open preview pages. notify never blocks, each page is written to by its
// own handler goroutine.
type reloadHub struct {
	mu     sync.Mutex
	pages  map[*page]struct{}
	logger zerolog.Logger
}

func newReloadHub(logger zerolog.Logger) *reloadHub {
	return &reloadHub{pages: map[*page]struct{}{}, logger: logger}
}

func (h *reloadHub) attach(conn *websocket.Conn) *page {
	p := &page{conn: conn, pending: make(chan []byte, 1)}
	h.mu.Lock()
	h.pages[p] = struct{}{}
	h.mu.Unlock()
	return p
}

func (h *reloadHub) detach(p *page) {
	h.mu.Lock()
	delete(h.pages, p)
	h.mu.Unlock()
	_ = p.conn.Close()
}

// notify queues msg for every open page and returns how many pages will reload.
func (h *reloadHub) notify(msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.pages {
		select {
		case p.pending <- msg:
		default:
		}
	}
	return len(h.pages)
}

func (h *reloadHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

// closeAll drops every page. Their handlers see the read error and detach.
func (h *reloadHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.pages {
		_ = p.conn.Close()
	}
}

// serve writes pending reloads to p until the page goes away. The page never sends anything
// meaningful, reads only detect the close.
func (h *reloadHub) serve(p *page) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := p.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case msg := <-p.pending:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn().Err(err).Msg("reload write failed, dropping page")
				return
			}
		}
	}
}
