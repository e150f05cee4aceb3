// Package config loads llamachat settings from flags, environment, config file and defaults.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/preview"
	"github.com/go-go-golems/llamachat/pkg/snapshots"
	"github.com/go-go-golems/llamachat/pkg/sse"
	"github.com/go-go-golems/llamachat/pkg/turn"
)

const (
	AppName   = "llamachat"
	EnvPrefix = "LLAMACHAT"
)

type LoggingSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// Settings is the effective configuration of the client.
type Settings struct {
	BackendURL     string        `mapstructure:"backend-url" yaml:"backend-url"`
	ChatPath       string        `mapstructure:"chat-path" yaml:"chat-path"`
	ThreadID       string        `mapstructure:"thread-id" yaml:"thread-id,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	HeaderTimeout  time.Duration `mapstructure:"header-timeout" yaml:"header-timeout"`
	MaxRecordBytes int           `mapstructure:"max-record-bytes" yaml:"max-record-bytes"`

	FallbackNode   string            `mapstructure:"fallback-node" yaml:"fallback-node"`
	ClosingMessage string            `mapstructure:"closing-message" yaml:"closing-message"`
	FinalText      string            `mapstructure:"final-text" yaml:"final-text"`
	SnapshotPolicy string            `mapstructure:"snapshot-policy" yaml:"snapshot-policy"`
	RefreshTools   []string          `mapstructure:"refresh-tools" yaml:"refresh-tools"`
	DisplayNames   map[string]string `mapstructure:"display-names" yaml:"display-names"`

	Preview   preview.Settings        `mapstructure:"preview" yaml:"preview"`
	Redis     snapshots.RedisSettings `mapstructure:"redis" yaml:"redis"`
	CaptureDB string                  `mapstructure:"capture-db" yaml:"capture-db,omitempty"`
	Logging   LoggingSettings         `mapstructure:"logging" yaml:"logging"`
}

func Defaults() Settings {
	agg := aggregator.DefaultSettings()
	return Settings{
		BackendURL:     chatclient.DefaultBackendURL,
		ChatPath:       chatclient.DefaultChatPath,
		HeaderTimeout:  30 * time.Second,
		MaxRecordBytes: sse.DefaultMaxRecordBytes,
		FallbackNode:   agg.FallbackNode,
		ClosingMessage: agg.ClosingMessage,
		FinalText:      string(agg.FinalText),
		SnapshotPolicy: string(agg.SnapshotPolicy),
		RefreshTools:   agg.RefreshTools,
		DisplayNames:   turn.DefaultDisplayNames(),
		Preview:        preview.DefaultSettings(),
		Redis:          snapshots.DefaultRedisSettings(),
		Logging:        LoggingSettings{Level: "info", Format: "text"},
	}
}

// AddFlags registers the command line flags that override configuration keys.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "Config file (default $XDG_CONFIG_HOME/llamachat/config.yaml)")
	fs.String("backend-url", d.BackendURL, "Agent backend base URL")
	fs.String("chat-path", d.ChatPath, "Chat route on the backend")
	fs.String("thread-id", "", "Resume this backend thread instead of starting a new session")
	fs.Duration("request-timeout", d.RequestTimeout, "Bound on a whole turn (0 disables)")
	fs.Duration("header-timeout", d.HeaderTimeout, "Bound on waiting for response headers")
	fs.String("final-text", d.FinalText, "Final answer source: fixed or record")
	fs.String("snapshot-policy", d.SnapshotPolicy, "Stage snapshot merge: replace or append")
	fs.Bool("preview-enabled", d.Preview.Enabled, "Serve the preview directory with live reload")
	fs.String("preview-addr", d.Preview.Addr, "Preview server address")
	fs.String("preview-dir", d.Preview.Dir, "Directory the agent writes pages to")
	fs.Bool("redis-enabled", d.Redis.Enabled, "Fan snapshots out to Redis Streams")
	fs.String("redis-addr", d.Redis.Addr, "Redis address host:port")
	fs.String("capture-db", "", "Capture raw records into this sqlite file")
	fs.String("log-level", d.Logging.Level, "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", d.Logging.Format, "Log format (text or json)")
	fs.String("log-file", "", "Write logs to this file")
}

var flagKeys = map[string]string{
	"backend-url":     "backend-url",
	"chat-path":       "chat-path",
	"thread-id":       "thread-id",
	"request-timeout": "request-timeout",
	"header-timeout":  "header-timeout",
	"final-text":      "final-text",
	"snapshot-policy": "snapshot-policy",
	"preview-enabled": "preview.enabled",
	"preview-addr":    "preview.addr",
	"preview-dir":     "preview.dir",
	"redis-enabled":   "redis.enabled",
	"redis-addr":      "redis.addr",
	"capture-db":      "capture-db",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"log-file":        "logging.file",
}

// NewViper returns a viper instance with defaults registered and environment lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("backend-url", d.BackendURL)
	v.SetDefault("chat-path", d.ChatPath)
	v.SetDefault("thread-id", d.ThreadID)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("header-timeout", d.HeaderTimeout)
	v.SetDefault("max-record-bytes", d.MaxRecordBytes)
	v.SetDefault("fallback-node", d.FallbackNode)
	v.SetDefault("closing-message", d.ClosingMessage)
	v.SetDefault("final-text", d.FinalText)
	v.SetDefault("snapshot-policy", d.SnapshotPolicy)
	v.SetDefault("refresh-tools", d.RefreshTools)
	v.SetDefault("display-names", d.DisplayNames)
	v.SetDefault("preview.enabled", d.Preview.Enabled)
	v.SetDefault("preview.addr", d.Preview.Addr)
	v.SetDefault("preview.dir", d.Preview.Dir)
	v.SetDefault("preview.index", d.Preview.Index)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.stream", d.Redis.Stream)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.consumer", d.Redis.Consumer)
	v.SetDefault("capture-db", d.CaptureDB)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag registered by AddFlags that exists in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag --%s", flag)
		}
	}
	return nil
}

// DefaultConfigFile is $XDG_CONFIG_HOME/llamachat/config.yaml.
func DefaultConfigFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "user config dir")
	}
	return filepath.Join(dir, AppName, "config.yaml"), nil
}

// Load reads configFile (or the default one, when present) into v and decodes the result.
// An explicit configFile must exist.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	} else if def, err := DefaultConfigFile(); err == nil {
		if _, statErr := os.Stat(def); statErr == nil {
			v.SetConfigFile(def)
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, errors.Wrapf(err, "read config %s", def)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values that would otherwise only fail when the first turn starts.
func (s *Settings) Validate() error {
	if _, err := s.Endpoint(); err != nil {
		return err
	}
	if s.MaxRecordBytes < 0 {
		return errors.Errorf("max-record-bytes must not be negative, got %d", s.MaxRecordBytes)
	}
	if s.RequestTimeout < 0 || s.HeaderTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	agg := s.Aggregator()
	if err := agg.Validate(); err != nil {
		return err
	}
	switch s.Logging.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", s.Logging.Format)
	}
	return nil
}

func (s Settings) Endpoint() (string, error) {
	return chatclient.Endpoint(s.BackendURL, s.ChatPath)
}

func (s Settings) Aggregator() aggregator.Settings {
	return aggregator.Settings{
		FallbackNode:   s.FallbackNode,
		ClosingMessage: s.ClosingMessage,
		FinalText:      aggregator.FinalTextMode(s.FinalText),
		SnapshotPolicy: aggregator.SnapshotPolicy(s.SnapshotPolicy),
		RefreshTools:   s.RefreshTools,
	}
}

// ClientOptions translates the settings into chat client options.
func (s Settings) ClientOptions() []chatclient.Option {
	opts := []chatclient.Option{
		chatclient.WithAggregatorSettings(s.Aggregator()),
		chatclient.WithDisplayNames(s.DisplayNames),
		chatclient.WithMaxRecordBytes(s.MaxRecordBytes),
		chatclient.WithRequestTimeout(s.RequestTimeout),
		chatclient.WithHTTPClient(chatclient.NewHTTPClient(s.HeaderTimeout)),
	}
	if s.ThreadID != "" {
		opts = append(opts, chatclient.WithSessionID(s.ThreadID))
	}
	return opts
}

// Dump writes the settings as YAML.
func Dump(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return enc.Close()
}
