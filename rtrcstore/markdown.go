package rtrcstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/peterbourgon/rtrc"
)

// EncodeMarkdown writes the record as a human-readable markdown report.
func EncodeMarkdown(w io.Writer, rec *rtrc.Record) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# Route Trace: %s\n\n", rec.Route)
	fmt.Fprintf(bw, "**URI:** `%s`\n", rec.URI)
	fmt.Fprintf(bw, "**Method:** `%s`\n", rec.Method)
	fmt.Fprintf(bw, "**Controller:** `%s`\n", rec.Controller)
	fmt.Fprintf(bw, "**Execution Time:** %sms\n", formatFloat(rec.ExecutionTimeMS))
	fmt.Fprintf(bw, "**Memory Used:** %sMB\n", formatFloat(rec.MemoryUsedMB))
	fmt.Fprintf(bw, "**Timestamp:** %s\n\n", rec.Timestamp)

	if ex := rec.Exception; ex != nil {
		fmt.Fprintf(bw, "## Exception\n\n")
		fmt.Fprintf(bw, "**Message:** %s\n", ex.Message)
		fmt.Fprintf(bw, "**File:** %s:%d\n\n", ex.File, ex.Line)
	}

	fmt.Fprintf(bw, "## Files Loaded (%d)\n\n", rec.FilesLoadedCount)

	for _, category := range rec.FilesLoaded.Categories() {
		paths := rec.FilesLoaded[category]
		fmt.Fprintf(bw, "### %s (%d)\n\n", title(category), len(paths))
		for _, p := range paths {
			fmt.Fprintf(bw, "- `%s`\n", p)
		}
		fmt.Fprintf(bw, "\n")
	}

	return bw.Flush()
}

// scanRawLines is [bufio.ScanLines] without dropping carriage returns.
func scanRawLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// endsWithLocation returns true if the exception lines end with a location
// followed by a blank line, i.e. the end of the exception section.
func endsWithLocation(lines []string) bool {
	n := len(lines)
	return n >= 3 &&
		strings.TrimSuffix(lines[n-1], "\r") == "" &&
		strings.HasPrefix(lines[n-2], "**File:** ")
}

// DecodeMarkdown parses a report written by [EncodeMarkdown]. Any failure wraps
// [ErrCorruptRecord].
//
// Exception messages may span lines. The message ends at the exception
// location which directly precedes the files section, so message lines that
// look like a location are kept. Carriage returns are dropped everywhere but
// in the message.
func DecodeMarkdown(r io.Reader) (*rtrc.Record, error) {
	var (
		rec      = &rtrc.Record{FilesLoaded: rtrc.Files{}}
		s        = bufio.NewScanner(r)
		category string
		message  []string // raw lines, while in the exception message
		lineno   int
	)

	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	s.Split(scanRawLines)

	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: line %d: %s", ErrCorruptRecord, lineno, fmt.Sprintf(format, args...))
	}

	for s.Scan() {
		lineno++
		var (
			raw  = s.Text()
			line = strings.TrimSuffix(raw, "\r")
		)

		if message != nil {
			if !strings.HasPrefix(line, "## Files Loaded ") || !endsWithLocation(message) {
				message = append(message, raw)
				continue
			}
			n := len(message)
			rest := strings.TrimPrefix(strings.TrimSuffix(message[n-2], "\r"), "**File:** ")
			idx := strings.LastIndex(rest, ":")
			if idx < 0 {
				return nil, corrupt("invalid exception location %q", rest)
			}
			at, err := strconv.Atoi(rest[idx+1:])
			if err != nil {
				return nil, corrupt("invalid exception line: %v", err)
			}
			rec.Exception.Message = strings.Join(message[:n-2], "\n")
			rec.Exception.File = rest[:idx]
			rec.Exception.Line = at
			message = nil
		}

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "# Route Trace: "):
			rec.Route = strings.TrimPrefix(line, "# Route Trace: ")

		case strings.HasPrefix(line, "**URI:** "):
			rec.URI = unquote(strings.TrimPrefix(line, "**URI:** "))

		case strings.HasPrefix(line, "**Method:** "):
			rec.Method = unquote(strings.TrimPrefix(line, "**Method:** "))

		case strings.HasPrefix(line, "**Controller:** "):
			rec.Controller = unquote(strings.TrimPrefix(line, "**Controller:** "))

		case strings.HasPrefix(line, "**Execution Time:** "):
			f, err := parseFloat(strings.TrimPrefix(line, "**Execution Time:** "), "ms")
			if err != nil {
				return nil, corrupt("execution time: %v", err)
			}
			rec.ExecutionTimeMS = f

		case strings.HasPrefix(line, "**Memory Used:** "):
			f, err := parseFloat(strings.TrimPrefix(line, "**Memory Used:** "), "MB")
			if err != nil {
				return nil, corrupt("memory used: %v", err)
			}
			rec.MemoryUsedMB = f

		case strings.HasPrefix(line, "**Timestamp:** "):
			rec.Timestamp = strings.TrimPrefix(line, "**Timestamp:** ")

		case line == "## Exception":
			rec.Exception = &rtrc.Exception{}

		case strings.HasPrefix(line, "**Message:** "):
			if rec.Exception == nil {
				return nil, corrupt("exception message outside of exception section")
			}
			message = []string{strings.TrimPrefix(raw, "**Message:** ")}

		case strings.HasPrefix(line, "## Files Loaded "):
			n, err := parseCount(strings.TrimPrefix(line, "## Files Loaded "))
			if err != nil {
				return nil, corrupt("files loaded: %v", err)
			}
			rec.FilesLoadedCount = n

		case strings.HasPrefix(line, "### "):
			heading := strings.TrimPrefix(line, "### ")
			idx := strings.LastIndex(heading, " (")
			if idx < 0 {
				return nil, corrupt("invalid category heading %q", heading)
			}
			category = strings.ToLower(heading[:idx])
			if _, ok := rec.FilesLoaded[category]; ok {
				return nil, corrupt("duplicate category %q", category)
			}
			rec.FilesLoaded[category] = []string{}

		case strings.HasPrefix(line, "- "):
			if category == "" {
				return nil, corrupt("file outside of category")
			}
			rec.FilesLoaded[category] = append(rec.FilesLoaded[category], unquote(strings.TrimPrefix(line, "- ")))

		default:
			return nil, corrupt("unexpected content %q", line)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if message != nil {
		return nil, corrupt("incomplete exception")
	}

	for c, paths := range rec.FilesLoaded {
		if len(paths) <= 0 {
			delete(rec.FilesLoaded, c)
		}
	}

	if err := check(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

//
//
//

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s, unit string) (float64, error) {
	s, ok := strings.CutSuffix(s, unit)
	if !ok {
		return 0, fmt.Errorf("missing unit %s", unit)
	}
	return strconv.ParseFloat(s, 64)
}

func parseCount(s string) (int, error) {
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return strconv.Atoi(s[1 : len(s)-1])
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "`") && strings.HasSuffix(s, "`") {
		return s[1 : len(s)-1]
	}
	return s
}

func title(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
