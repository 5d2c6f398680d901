// Package stamplog defines the per-source persisted log format. See doc.go
// for docs.
package stamplog

import (
	"strings"
	"time"

	"dmerg/pkg/timestamp"

	"github.com/cockroachdb/errors"
)

// ErrIO marks failures to create, read or write a persisted log or the
// merged output.
var ErrIO = errors.New("log file i/o failure")

// Record is a single captured line and the instant it belongs to.
type Record struct {
	Timestamp time.Time
	Message   string
}

var newlineReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// FormatRecord formats a Record into one persisted line without the
// trailing newline.
// Format: "timestamp message"
func FormatRecord(r Record) string {
	return timestamp.Format(r.Timestamp) + " " + newlineReplacer.Replace(r.Message)
}

// ParseRecord parses one persisted line (without trailing newline).
// The returned error matches timestamp.ErrParse when the leading token is
// not a timestamp.
// Only the single separator space is consumed, leading spaces of the message
// survive a round trip.
func ParseRecord(line string) (Record, error) {
	token, msg, _ := strings.Cut(line, " ")
	ts, err := timestamp.Parse(token)
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: ts, Message: msg}, nil
}

func (r Record) String() string {
	return FormatRecord(r)
}
