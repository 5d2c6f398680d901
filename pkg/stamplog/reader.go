package stamplog

import (
	"bufio"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// State tags what Reader.Next found.
type State int

const (
	// HasNext means Entry.Record holds the next record.
	HasNext State = iota
	// Exhausted means there are no more lines. Entry.Err is set when the
	// end was caused by a read error rather than EOF.
	Exhausted
	// Corrupt means a line was read but its timestamp did not parse.
	// Entry.Raw holds the line and Entry.Err the parse error.
	Corrupt
)

func (s State) String() string {
	switch s {
	case HasNext:
		return "has-next"
	case Exhausted:
		return "exhausted"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Entry is one step of a Reader.
type Entry struct {
	State  State
	Record Record
	Raw    string // the line as read, without the trailing newline
	Err    error
}

// Reader reads a persisted log one line at a time. It holds at most one
// line in memory besides the bufio buffer.
type Reader struct {
	br    *bufio.Reader
	done  bool
	lines int
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads the next line and classifies it.
func (rd *Reader) Next() Entry {
	raw, ok, err := rd.readLine()
	if !ok {
		return Entry{State: Exhausted, Err: err}
	}
	rec, perr := ParseRecord(raw)
	if perr != nil {
		return Entry{State: Corrupt, Raw: raw, Err: perr}
	}
	return Entry{State: HasNext, Record: rec, Raw: raw}
}

// NextRaw reads the next line without looking at it.
func (rd *Reader) NextRaw() (string, bool, error) {
	return rd.readLine()
}

// Lines returns how many lines have been read so far.
func (rd *Reader) Lines() int {
	return rd.lines
}

func (rd *Reader) readLine() (string, bool, error) {
	if rd.done {
		return "", false, nil
	}
	line, err := rd.br.ReadString('\n')
	if err != nil {
		rd.done = true
		if line == "" {
			if err == io.EOF {
				return "", false, nil
			}
			return "", false, errors.Mark(errors.Wrap(err, "read persisted log"), ErrIO)
		}
		// A final line without newline still counts.
	}
	rd.lines++
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, true, nil
}
