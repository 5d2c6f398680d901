// Package report renders a merged log as a standalone HTML page.
package report

import (
	"bufio"
	"fmt"
	"html"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// Summary describes a merged log.
type Summary struct {
	Lines    int
	Unparsed int // lines without a leading timestamp
	First    time.Time
	Last     time.Time
}

// Span is the time between the first and the last timestamped line.
func (s Summary) Span() time.Duration {
	if s.First.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Summarize reads a merged log once and describes it. Lines whose timestamp
// does not parse are counted.
func Summarize(r io.Reader) (Summary, error) {
	var sum Summary
	rd := stamplog.NewReader(r)
	for {
		e := rd.Next()
		if e.State == stamplog.Exhausted {
			if e.Err != nil {
				return sum, e.Err
			}
			break
		}
		sum.Lines++
		if e.State == stamplog.Corrupt {
			sum.Unparsed++
			continue
		}
		ts := e.Record.Timestamp
		if sum.First.IsZero() || ts.Before(sum.First) {
			sum.First = ts
		}
		if ts.After(sum.Last) {
			sum.Last = ts
		}
	}
	return sum, nil
}

// Markdown builds the report heading and summary table.
func Markdown(title string, sum Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Lines | %d |\n", sum.Lines)
	if !sum.First.IsZero() {
		fmt.Fprintf(&b, "| First | `%s` |\n", sum.First.Format(time.RFC3339Nano))
		fmt.Fprintf(&b, "| Last | `%s` |\n", sum.Last.Format(time.RFC3339Nano))
		fmt.Fprintf(&b, "| Span | %s |\n", sum.Span())
	}
	if sum.Unparsed > 0 {
		fmt.Fprintf(&b, "| Without timestamp | %d |\n", sum.Unparsed)
	}
	if sum.Lines == 0 {
		b.WriteString("\n*The log is empty.*\n")
	}
	return b.String()
}

// WriteLines copies the log in r into w as an escaped code block, one line
// at a time.
func WriteLines(w io.Writer, r io.Reader) error {
	if _, err := io.WriteString(w, "<pre><code>"); err != nil {
		return errors.Mark(errors.Wrap(err, "write report"), stamplog.ErrIO)
	}
	rd := stamplog.NewReader(r)
	for {
		line, ok, err := rd.NextRaw()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if _, err := io.WriteString(w, html.EscapeString(line)+"\n"); err != nil {
			return errors.Mark(errors.Wrap(err, "write report"), stamplog.ErrIO)
		}
	}
	if _, err := io.WriteString(w, "</code></pre>\n"); err != nil {
		return errors.Mark(errors.Wrap(err, "write report"), stamplog.ErrIO)
	}
	return nil
}

// RenderToHTML converts markdown text to sanitized HTML.
func RenderToHTML(markdown string) string {
	unsafeHTML := blackfriday.Run(
		[]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre")

	return string(policy.SanitizeBytes(unsafeHTML))
}

var (
	pageHead = template.Must(template.New("head").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1em; }
td { padding: 0.2em 1em 0.2em 0; }
pre { background: #f4f4f4; padding: 1em; overflow-x: auto; }
</style>
</head>
<body>
{{.Summary}}
`))
	pageTail = "</body>\n</html>\n"
)

// Write renders a full HTML page to w: the sanitized summary, then every
// line of log. log is read in a single pass.
func Write(w io.Writer, title string, sum Summary, log io.Reader) error {
	err := pageHead.Execute(w, struct {
		Title   string
		Summary template.HTML
	}{title, template.HTML(RenderToHTML(Markdown(title, sum)))})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "render report page"), stamplog.ErrIO)
	}
	if sum.Lines > 0 {
		if err := WriteLines(w, log); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, pageTail); err != nil {
		return errors.Mark(errors.Wrap(err, "write report"), stamplog.ErrIO)
	}
	return nil
}

// File renders the merged log at inPath into an HTML page at outPath. The
// log is read twice, first for the summary and then for the lines, so memory
// use does not grow with its size.
func File(inPath, outPath string) (Summary, error) {
	f, err := os.Open(inPath)
	if err != nil {
		return Summary{}, errors.Mark(errors.Wrap(err, "open merged log"), stamplog.ErrIO)
	}
	defer func() { _ = f.Close() }()

	sum, err := Summarize(f)
	if err != nil {
		return sum, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return sum, errors.Mark(errors.Wrap(err, "rewind merged log"), stamplog.ErrIO)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return sum, errors.Mark(errors.Wrap(err, "create report"), stamplog.ErrIO)
	}
	bw := bufio.NewWriterSize(out, 64*1024)
	title := "dmerg report: " + filepath.Base(inPath)
	if err := Write(bw, title, sum, f); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return sum, err
	}
	if err := bw.Flush(); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return sum, errors.Mark(errors.Wrap(err, "write report"), stamplog.ErrIO)
	}
	if err := out.Close(); err != nil {
		return sum, errors.Mark(errors.Wrap(err, "close report"), stamplog.ErrIO)
	}
	return sum, nil
}
