package stamplog

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"dmerg/pkg/timestamp"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFormatRecord(t *testing.T) {
	ts := time.Date(2025, 1, 7, 12, 34, 56, 789000000, time.UTC)

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"plain", "hello world", "2025-01-07T12:34:56.789000+0000 hello world"},
		{"empty message", "", "2025-01-07T12:34:56.789000+0000 "},
		{"embedded newline", "a\nb", "2025-01-07T12:34:56.789000+0000 a b"},
		{"crlf", "a\r\nb", "2025-01-07T12:34:56.789000+0000 a b"},
		{"leading spaces kept", "  indented", "2025-01-07T12:34:56.789000+0000   indented"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FormatRecord(Record{Timestamp: ts, Message: tt.msg}))
		})
	}
}

func TestParseRecord_KeepsMessageVerbatim(t *testing.T) {
	rec, err := ParseRecord("2025-01-07T12:34:56.789000+0000   indented  text")
	require.NoError(t, err)
	require.Equal(t, "  indented  text", rec.Message)

	rec, err = ParseRecord("2025-01-07T12:34:56.789000+0000")
	require.NoError(t, err)
	require.Equal(t, "", rec.Message)

	_, err = ParseRecord("not-a-timestamp message")
	require.True(t, errors.Is(err, timestamp.ErrParse))
}

func TestWriter_WritesLogAndEcho(t *testing.T) {
	var sink, echo bytes.Buffer
	w := NewWriter(&sink, &echo)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Record{Timestamp: ts, Message: "first"}))
	require.NoError(t, w.Write(Record{Timestamp: ts.Add(time.Second), Message: "second"}))
	require.NoError(t, w.Close())

	want := "2024-01-01T00:00:00.000000+0000 first\n2024-01-01T00:00:01.000000+0000 second\n"
	require.Equal(t, want, sink.String())
	require.Equal(t, sink.String(), echo.String())
	require.Equal(t, 2, w.Written())
}

func TestWriter_NoEcho(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, nil)
	require.NoError(t, w.Write(Record{Timestamp: time.Now(), Message: "x"}))
	require.NoError(t, w.Close())
	require.Equal(t, 1, strings.Count(sink.String(), "\n"))
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriter_SinkFailureSuppressesEcho(t *testing.T) {
	var echo bytes.Buffer
	w := NewWriter(failingWriter{}, &echo)

	_ = w.Write(Record{Timestamp: time.Now(), Message: "lost"})
	err := w.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Empty(t, echo.String())
	require.Equal(t, 0, w.Written())

	// Sticky error after close.
	require.Error(t, w.Write(Record{Message: "more"}))
}

func TestWriter_CloseTwice(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, nil)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWriter_LineWriter(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, nil)

	before := time.Now()
	lw := w.LineWriter()
	_, err := io.WriteString(lw, "one\ntw")
	require.NoError(t, err)
	_, err = io.WriteString(lw, "o\r\nthree")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd := NewReader(&sink)
	var msgs []string
	for {
		e := rd.Next()
		if e.State != HasNext {
			require.Equal(t, Exhausted, e.State)
			break
		}
		require.False(t, e.Record.Timestamp.Before(before.Truncate(time.Microsecond)))
		msgs = append(msgs, e.Record.Message)
	}
	// "three" has no newline yet and is not a line.
	require.Equal(t, []string{"one", "two"}, msgs)
}

func TestReader_States(t *testing.T) {
	input := strings.Join([]string{
		"2024-01-01T00:00:00.000000+0000 a",
		"garbage",
		"2024-01-01T00:00:02.000000+0000 c",
		"2024-01-01T00:00:03,500000+00:00 no trailing newline",
	}, "\n")

	rd := NewReader(strings.NewReader(input))

	e := rd.Next()
	require.Equal(t, HasNext, e.State)
	require.Equal(t, "a", e.Record.Message)

	e = rd.Next()
	require.Equal(t, Corrupt, e.State)
	require.Equal(t, "garbage", e.Raw)
	require.True(t, errors.Is(e.Err, timestamp.ErrParse))

	e = rd.Next()
	require.Equal(t, HasNext, e.State)
	require.Equal(t, "c", e.Record.Message)

	e = rd.Next()
	require.Equal(t, HasNext, e.State)
	require.Equal(t, "no trailing newline", e.Record.Message)
	require.Equal(t, 500000000, e.Record.Timestamp.Nanosecond())

	e = rd.Next()
	require.Equal(t, Exhausted, e.State)
	require.NoError(t, e.Err)

	// Stays exhausted.
	require.Equal(t, Exhausted, rd.Next().State)
	require.Equal(t, 4, rd.Lines())
}

func TestReader_Empty(t *testing.T) {
	rd := NewReader(strings.NewReader(""))
	require.Equal(t, Exhausted, rd.Next().State)
	_, ok, err := rd.NextRaw()
	require.False(t, ok)
	require.NoError(t, err)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("boom")
}

func TestReader_ReadErrorIsExhausted(t *testing.T) {
	rd := NewReader(errReader{})
	e := rd.Next()
	require.Equal(t, Exhausted, e.State)
	require.Error(t, e.Err)
}

func TestReader_NextRawKeepsLine(t *testing.T) {
	rd := NewReader(strings.NewReader("x y\r\n\nlast"))
	var got []string
	for {
		line, ok, err := rd.NextRaw()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, line)
	}
	require.Equal(t, []string{"x y", "", "last"}, got)
}
