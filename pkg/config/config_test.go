package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	s, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", s.BackendURL)
	require.Equal(t, "/api/chat", s.ChatPath)
	require.Equal(t, 30*time.Second, s.HeaderTimeout)
	require.Equal(t, aggregator.DefaultSettings(), s.Aggregator())
	require.Equal(t, "Tools", s.DisplayNames["tools"])

	endpoint, err := s.Endpoint()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000/api/chat", endpoint)
}

func TestLoad_PrecedenceFlagsEnvFile(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
backend-url: http://file:9000
chat-path: /from-file
request-timeout: 2m
snapshot-policy: append
display-names:
  planner: The Planner
preview:
  enabled: true
  dir: ./site
`), 0o644))

	t.Setenv("LLAMACHAT_CHAT_PATH", "/from-env")
	t.Setenv("LLAMACHAT_PREVIEW_ADDR", "localhost:4000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--backend-url", "http://flag:7000"}))

	v := NewViper()
	require.NoError(t, BindFlags(v, fs))
	s, err := Load(v, file)
	require.NoError(t, err)

	require.Equal(t, "http://flag:7000", s.BackendURL)
	require.Equal(t, "/from-env", s.ChatPath)
	require.Equal(t, 2*time.Minute, s.RequestTimeout)
	require.Equal(t, aggregator.PolicyAppend, s.Aggregator().SnapshotPolicy)
	require.True(t, s.Preview.Enabled)
	require.Equal(t, "./site", s.Preview.Dir)
	require.Equal(t, "localhost:4000", s.Preview.Addr)
	require.Equal(t, "The Planner", s.DisplayNames["planner"])
	require.Equal(t, "Tools", s.DisplayNames["tools"])
}

func TestLoad_Invalid(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("final-text: llm\n"), 0o644))
	_, err := Load(NewViper(), file)
	require.Error(t, err)

	_, err = Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	t.Setenv("LLAMACHAT_BACKEND_URL", "not a url")
	_, err = Load(NewViper(), "")
	require.Error(t, err)
}

func TestDump_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, Defaults()))

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "http://localhost:8000", out["backend-url"])
	require.Equal(t, "30s", out["header-timeout"])
	require.Contains(t, out, "preview")
	require.NotContains(t, out, "thread-id")
}

func TestInitLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "llamachat.log")
	closer, err := InitLogger(LoggingSettings{Level: "debug", Format: "json", File: file})
	require.NoError(t, err)
	require.NoError(t, closer.Close())

	_, err = InitLogger(LoggingSettings{Level: "loud"})
	require.Error(t, err)
	_, err = InitLogger(LoggingSettings{Format: "xml"})
	require.Error(t, err)
}
