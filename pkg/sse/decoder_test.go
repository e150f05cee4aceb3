package sse

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// chunkedBody hands out at most n bytes per Read and records Close.
type chunkedBody struct {
	r      io.Reader
	n      int
	closed bool
}

func newChunkedBody(s string, n int) *chunkedBody {
	return &chunkedBody{r: strings.NewReader(s), n: n}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func (c *chunkedBody) Close() error {
	c.closed = true
	return nil
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(rec.Payload))
	}
}

func TestDecoder_RecordsAreIndependentOfChunkBoundaries(t *testing.T) {
	stream := "data: {\"type\":\"update\",\"data\":[\"messages\",{\"content\":\"héllo 🚀\"}]}\n\n" +
		"data: {\"type\":\"final\"}\n\n"

	want := collect(t, NewDecoder(newChunkedBody(stream, len(stream))))
	require.Len(t, want, 2)
	require.Contains(t, want[0], "héllo 🚀")

	for n := 1; n <= 17; n++ {
		got := collect(t, NewDecoder(newChunkedBody(stream, n), WithChunkSize(n)))
		require.Equal(t, want, got, "chunk size %d", n)
	}
}

func TestDecoder_ManyRecordsInOneChunk(t *testing.T) {
	stream := "data: 1\n\ndata: 2\n\ndata: 3\n\n"
	require.Equal(t, []string{"1", "2", "3"}, collect(t, NewDecoder(newChunkedBody(stream, 1024))))
}

func TestDecoder_SkipsMalformedRecord(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {not json\n\ndata: {\"b\":2}\n\n"
	d := NewDecoder(newChunkedBody(stream, 5))
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`}, collect(t, d))
	require.Equal(t, 1, d.Skipped())
}

func TestDecoder_IndexCountsSkippedRecords(t *testing.T) {
	d := NewDecoder(newChunkedBody("data: 1\n\ndata: nope\n\ndata: 3\n\n", 64))
	first, err := d.Next()
	require.NoError(t, err)
	second, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, 0, first.Index)
	require.Equal(t, 2, second.Index)
}

func TestDecoder_IgnoresCommentsAndOtherFields(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: update\nid: 7\ndata: {\"x\":1}\n\n" +
		"retry: 100\n\n"
	require.Equal(t, []string{`{"x":1}`}, collect(t, NewDecoder(newChunkedBody(stream, 3))))
}

func TestDecoder_JoinsMultiLinePayload(t *testing.T) {
	stream := "data: {\"a\":\ndata: 1}\n\n"
	require.Equal(t, []string{"{\"a\":\n1}"}, collect(t, NewDecoder(newChunkedBody(stream, 4))))
}

func TestDecoder_CRLFLineEndings(t *testing.T) {
	stream := "data: {\"a\":1}\r\n\r\ndata:{\"b\":2}\r\n\r\n"
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`}, collect(t, NewDecoder(newChunkedBody(stream, 1))))
}

func TestDecoder_DispatchesTrailingRecordAtEOF(t *testing.T) {
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`},
		collect(t, NewDecoder(newChunkedBody("data: {\"a\":1}\n\ndata: {\"b\":2}\n", 8))))
}

func TestDecoder_RecordTooLarge(t *testing.T) {
	d := NewDecoder(newChunkedBody("data: \""+strings.Repeat("x", 100)+"\"", 16), WithMaxRecordBytes(32))
	_, err := d.Next()
	require.True(t, errors.Is(err, ErrRecordTooLarge))
}

func TestDecoder_CustomMarker(t *testing.T) {
	d := NewDecoder(newChunkedBody("payload: {\"a\":1}\n\ndata: {\"b\":2}\n\n", 64), WithMarker("payload:"))
	require.Equal(t, []string{`{"a":1}`}, collect(t, d))
}

func TestDecoder_CloseStopsAndClosesSource(t *testing.T) {
	body := newChunkedBody("data: 1\n\ndata: 2\n\n", 64)
	d := NewDecoder(body)
	rec, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "1", string(rec.Payload))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.True(t, body.closed)

	_, err = d.Next()
	require.True(t, errors.Is(err, ErrClosed))
}

func TestDecoder_CloseUnblocksPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	d := NewDecoder(pr)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Next()
		errCh <- err
	}()

	_, err := pw.Write([]byte("data: {\"partial\""))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestDecoder_ReadErrorIsReturned(t *testing.T) {
	pr, pw := io.Pipe()
	d := NewDecoder(pr)
	go func() {
		_, _ = pw.Write([]byte("data: 1\n\n"))
		_ = pw.CloseWithError(errors.New("connection reset"))
	}()

	rec, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "1", string(rec.Payload))

	_, err = d.Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}
