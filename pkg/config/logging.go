package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTUILogFile is where the full-screen UI logs when no log file is configured.
func DefaultTUILogFile() string {
	return filepath.Join(os.TempDir(), AppName+".log")
}

// InitLogger configures the global zerolog logger. The returned closer releases the log file,
// if any.
func InitLogger(s LoggingSettings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if s.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		}
		out, closer = rotator, rotator
	}

	switch s.Format {
	case "", "text":
		out = zerolog.ConsoleWriter{Out: out, NoColor: s.File != "", TimeFormat: "15:04:05.000"}
	case "json":
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
