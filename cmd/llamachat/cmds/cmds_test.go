package cmds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/llamachat/pkg/capture"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func backend(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message  string `json:"message"`
			ThreadID string `json:"thread_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigCommand_PrintsEffectiveSettings(t *testing.T) {
	out, err := execute(t, "config", "--backend-url", "http://agent.internal:9000", "--snapshot-policy", "append")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Equal(t, "http://agent.internal:9000", got["backend-url"])
	require.Equal(t, "append", got["snapshot-policy"])
	require.Equal(t, "/api/chat", got["chat-path"])
}

func TestConfigCommand_RejectsBadPolicy(t *testing.T) {
	_, err := execute(t, "config", "--snapshot-policy", "merge")
	require.Error(t, err)
	require.Contains(t, err.Error(), "snapshot-policy")
}

func TestAskCommand_Completes(t *testing.T) {
	srv := backend(t,
		`{"type":"update","data":["messages",{"content":"Hel","response_metadata":{"langgraph_node":"writer"}},{}]}`,
		`{"type":"update","data":["messages",{"content":"lo","response_metadata":{"langgraph_node":"writer"}},{}]}`,
		`{"type":"final"}`,
	)
	out, err := execute(t, "ask", "--backend-url", srv.URL, "-v", "say", "hello")
	require.NoError(t, err)
	require.Contains(t, out, "== Writer ==\nHello\n")
	require.Contains(t, out, "I've processed your request.\n")
}

func TestAskCommand_FailsOnBackendError(t *testing.T) {
	srv := backend(t, `{"type":"error","error":"model overloaded"}`)
	out, err := execute(t, "ask", "--backend-url", srv.URL, "hi")
	require.Error(t, err)
	require.Contains(t, out, "[Error: model overloaded]")
}

func TestReplayCommand_FromCapture(t *testing.T) {
	srv := backend(t,
		`{"type":"start","request_id":"r-1"}`,
		`{"type":"update","data":["messages",{"content":"Hi there","response_metadata":{"langgraph_node":"writer"}},{}]}`,
		`{"type":"final"}`,
	)
	db := filepath.Join(t.TempDir(), "capture.db")
	_, err := execute(t, "ask", "--backend-url", srv.URL, "--capture-db", db, "hi")
	require.NoError(t, err)

	out, err := execute(t, "replay", "--capture-db", db, "--format", "json")
	require.NoError(t, err)
	var snap turn.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Equal(t, turn.PhaseComplete, snap.Phase)
	require.Equal(t, "r-1", snap.RequestID)
	n, ok := snap.Node("writer")
	require.True(t, ok)
	require.Equal(t, "Hi there", n.Content)

	out, err = execute(t, "replay", "--capture-db", db, "--list", "--format", "yaml")
	require.NoError(t, err)
	var turns []capture.TurnRecord
	require.NoError(t, yaml.Unmarshal([]byte(out), &turns))
	require.Len(t, turns, 1)
	require.Equal(t, 3, turns[0].Records)
	require.Equal(t, "hi", turns[0].Prompt)
}

func TestReplayCommand_NeedsCaptureDB(t *testing.T) {
	_, err := execute(t, "replay")
	require.Error(t, err)
}
