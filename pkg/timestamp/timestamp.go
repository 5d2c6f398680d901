// Package timestamp parses and formats the leading timestamp token of a log line.
//
// Kernel facilities do not agree on the exact ISO-8601 flavour they print:
//
//	journalctl -o short-iso-precise: 2021-09-17T07:24:29.446013+0000
//	dmesg --time-format iso:         2021-09-17T07:24:23,364133+00:00
//
// Both are accepted. Lines written by dmerg always use Layout.
package timestamp

import (
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
)

// Layout is the canonical on-disk timestamp: microsecond precision and a
// numeric UTC offset without colon.
const Layout = "2006-01-02T15:04:05.000000-0700"

// ErrParse marks a token that does not resolve to a fixed-offset instant.
// Readers use it as the end-of-records signal.
var ErrParse = errors.New("timestamp parse failure")

// Fractional seconds are accepted by time.Parse even when the layout omits them.
var layouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07:00",
}

// Parse converts a single timestamp token into an instant. The offset found
// in the token is kept in the returned time's location.
func Parse(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, errors.Mark(errors.New("empty timestamp token"), ErrParse)
	}
	if strings.IndexFunc(token, unicode.IsSpace) >= 0 {
		return time.Time{}, errors.Mark(errors.Newf("timestamp token %q contains whitespace", token), ErrParse)
	}

	normalized := strings.ReplaceAll(token, ",", ".")

	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, normalized)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, errors.Mark(errors.Wrapf(firstErr, "timestamp %q", token), ErrParse)
}

// Format renders t in Layout, keeping t's own offset.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Split separates a raw line into its leading whitespace-delimited token and
// the rest of the line. Whitespace inside the message is preserved.
func Split(line string) (token, message string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	end := strings.IndexFunc(line, unicode.IsSpace)
	if end < 0 {
		return line, ""
	}
	return line[:end], strings.TrimLeftFunc(line[end:], unicode.IsSpace)
}

// ParseLine splits line and parses its leading token.
func ParseLine(line string) (time.Time, string, error) {
	token, message := Split(line)
	t, err := Parse(token)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, message, nil
}
