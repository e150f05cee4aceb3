package preview

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv, err := NewServer(Settings{Dir: dir})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts, dir
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_ServesPageWithReloadScript(t *testing.T) {
	_, ts, dir := newTestServer(t)

	status, _ := get(t, ts.URL+"/")
	require.Equal(t, http.StatusNotFound, status)

	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultIndex), []byte("<html><BODY><h1>hi</h1></BODY></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.css"), []byte("h1{color:red}"), 0o644))

	status, body := get(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "<h1>hi</h1>")
	require.Contains(t, body, ReloadPath)
	require.True(t, strings.Index(body, ReloadPath) < strings.Index(body, "</BODY>"))

	status, body = get(t, ts.URL+"/page.css")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "h1{color:red}", body)

	status, _ = get(t, ts.URL+"/../etc/passwd")
	require.Equal(t, http.StatusNotFound, status)
}

func TestInjectReloadScript_NoBody(t *testing.T) {
	out := string(InjectReloadScript([]byte("<p>fragment</p>")))
	require.True(t, strings.HasPrefix(out, "<p>fragment</p><script>"))
}

func TestServer_RefreshReachesOpenPages(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + ReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.Refresh(context.Background(), "tool write_html")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg reloadMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "reload", msg.Type)
	require.Equal(t, "tool write_html", msg.Reason)

	_ = conn.Close()
	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(Settings{Dir: t.TempDir()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestReloadHub_FoldsPendingReloads(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + ReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The page is not reading; refreshes must still return at once.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		srv.Refresh(context.Background(), "final")
	}
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
}

func TestReloadHub_NotifyWithoutPages(t *testing.T) {
	h := newReloadHub(zerolog.Nop())
	require.Equal(t, 0, h.notify([]byte("x")))
	require.Equal(t, 0, h.count())
}
