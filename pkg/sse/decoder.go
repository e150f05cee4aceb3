// Package sse decodes a chunked, blank-line separated, "data:"-framed byte stream into JSON
// records.
//
// The decoder buffers raw bytes until a whole record has arrived, so framing never depends on
// how the transport happened to split the body, and multi-byte UTF-8 sequences are only
// interpreted once complete. A record whose payload is not valid JSON is logged and skipped;
// it never ends the stream.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMarker         = "data:"
	DefaultMaxRecordBytes = 4 << 20
	defaultChunkSize      = 4096
	previewBytes          = 120
)

var (
	// ErrRecordTooLarge is returned when a record grows past the configured limit without a separator.
	ErrRecordTooLarge = errors.New("sse: record exceeds size limit")
	// ErrClosed is returned by Next once Close was called.
	ErrClosed = errors.New("sse: decoder closed")
)

// Record is one well-formed payload taken from the stream.
type Record struct {
	// Index is the position of the record in the stream, counting skipped records.
	Index   int
	Payload json.RawMessage
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMarker changes the payload line prefix (default "data:").
func WithMarker(marker string) Option {
	return func(d *Decoder) {
		if marker != "" {
			d.marker = []byte(marker)
		}
	}
}

// WithMaxRecordBytes bounds how large a record may grow before ErrRecordTooLarge.
func WithMaxRecordBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxRecordBytes = n
		}
	}
}

// WithChunkSize sets how many bytes each read asks the source for.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// WithLogger sets the logger used to report skipped records.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) {
		d.logger = l
	}
}

// Decoder reads records from a byte source. Next must be called from a single goroutine;
// Close may be called from any goroutine to abort a pending read.
type Decoder struct {
	src            io.ReadCloser
	marker         []byte
	maxRecordBytes int
	chunk          []byte
	logger         zerolog.Logger

	buf       []byte
	lineStart int
	scanFrom  int
	eof       bool

	index   int
	skipped int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDecoder returns a decoder reading from src. Closing the decoder closes src.
func NewDecoder(src io.ReadCloser, opts ...Option) *Decoder {
	d := &Decoder{
		src:            src,
		marker:         []byte(DefaultMarker),
		maxRecordBytes: DefaultMaxRecordBytes,
		chunk:          make([]byte, defaultChunkSize),
		logger:         log.Logger.With().Str("component", "sse").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Skipped returns the number of malformed records dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next well-formed record. It returns io.EOF when the source is exhausted,
// ErrClosed after Close, ErrRecordTooLarge for a runaway record, and a wrapped read error
// when the transport fails.
func (d *Decoder) Next() (Record, error) {
	for {
		if d.closed.Load() {
			return Record{}, ErrClosed
		}
		if raw, ok := d.cutRecord(); ok {
			if rec, ok := d.parse(raw); ok {
				return rec, nil
			}
			continue
		}
		if d.eof {
			// The SSE dispatch rule: a trailing record without separator is still delivered.
			raw := d.buf
			d.buf = nil
			if len(bytes.TrimSpace(raw)) > 0 {
				if rec, ok := d.parse(raw); ok {
					return rec, nil
				}
			}
			return Record{}, io.EOF
		}
		if len(d.buf) > d.maxRecordBytes {
			return Record{}, errors.Wrapf(ErrRecordTooLarge, "%d bytes buffered", len(d.buf))
		}

		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err != nil {
			if d.closed.Load() {
				return Record{}, ErrClosed
			}
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return Record{}, errors.Wrap(err, "sse: read")
		}
	}
}

// Close stops decoding, discards anything not yet read and closes the source.
func (d *Decoder) Close() error {
	d.closed.Store(true)
	d.closeOnce.Do(func() {
		if d.src != nil {
			d.closeErr = d.src.Close()
		}
	})
	return d.closeErr
}

// cutRecord removes the first complete record (everything before a blank line) from the buffer.
// Scanning resumes where the previous call stopped so large records are not rescanned.
func (d *Decoder) cutRecord() ([]byte, bool) {
	for i := d.scanFrom; i < len(d.buf); i++ {
		if d.buf[i] != '\n' {
			continue
		}
		line := bytes.TrimSuffix(d.buf[d.lineStart:i], []byte{'\r'})
		if len(line) == 0 {
			raw := make([]byte, d.lineStart)
			copy(raw, d.buf[:d.lineStart])
			rest := d.buf[i+1:]
			d.buf = append(d.buf[:0], rest...)
			d.lineStart = 0
			d.scanFrom = 0
			return raw, true
		}
		d.lineStart = i + 1
	}
	d.scanFrom = len(d.buf)
	return nil, false
}

func (d *Decoder) parse(raw []byte) (Record, bool) {
	var (
		payload [][]byte
		found   bool
	)
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if !bytes.HasPrefix(line, d.marker) {
			// Comments, other SSE fields and stray lines carry nothing for us.
			continue
		}
		found = true
		payload = append(payload, bytes.TrimLeft(line[len(d.marker):], " \t"))
	}
	if !found {
		return Record{}, false
	}

	idx := d.index
	d.index++
	body := bytes.Join(payload, []byte{'\n'})
	if !utf8.Valid(body) || !json.Valid(body) {
		d.skipped++
		d.logger.Warn().
			Int("record", idx).
			Int("skipped", d.skipped).
			Str("payload", preview(body)).
			Msg("skipping malformed stream record")
		return Record{}, false
	}
	return Record{Index: idx, Payload: json.RawMessage(body)}, true
}

func preview(b []byte) string {
	if len(b) <= previewBytes {
		return string(b)
	}
	cut := previewBytes
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "…"
}
