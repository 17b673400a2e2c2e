package rtrc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
)

// Record is the immutable result of tracing a single request. Its JSON form is
// the structured trace format persisted by the store.
type Record struct {
	Route            string     `json:"route"`
	URI              string     `json:"uri"`
	Controller       string     `json:"controller"`
	Method           string     `json:"method"`
	FilesLoadedCount int        `json:"files_loaded_count"`
	FilesLoaded      Files      `json:"files_loaded"`
	MemoryUsedMB     float64    `json:"memory_used_mb"`
	ExecutionTimeMS  float64    `json:"execution_time_ms"`
	Timestamp        string     `json:"timestamp"`
	Exception        *Exception `json:"exception"`
}

// Errored returns true if the traced request failed.
func (rec *Record) Errored() bool {
	return rec.Exception != nil
}

// Exception describes the failure of a traced request.
type Exception struct {
	Message string `json:"message"`
	File    string `json:"file"`
	Line    int    `json:"line"`
}

// NewException converts err to an exception. If err wraps a [LocatedError], its
// file and line are used. Otherwise, file is empty and line is zero.
func NewException(err error) *Exception {
	if err == nil {
		return nil
	}

	ex := &Exception{Message: err.Error()}

	var located *LocatedError
	if errors.As(err, &located) {
		ex.File, ex.Line = located.File, located.Line
	}

	return ex
}

// LocatedError annotates an error with the source location where it was raised.
type LocatedError struct {
	Err  error
	File string
	Line int
}

// Locate wraps err with the file and line of the caller. It returns nil if err
// is nil.
func Locate(err error) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &LocatedError{Err: err, File: file, Line: line}
}

// Error implements error. The location is deliberately not part of the message.
func (e *LocatedError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *LocatedError) Unwrap() error { return e.Err }

// PanicError is the failure recorded when a traced handler panics.
type PanicError struct {
	Value any
}

// Error implements error.
func (e *PanicError) Error() string { return fmt.Sprint(e.Value) }

//
//
//

// Files maps category names to the relative paths of the files in that
// category. Categories without files are never present, and paths within a
// category are sorted.
type Files map[string][]string

// Count returns the total number of paths across all categories.
func (f Files) Count() int {
	var n int
	for _, paths := range f {
		n += len(paths)
	}
	return n
}

// Categories returns the non-empty categories in priority order, followed by
// any unknown categories in lexical order.
func (f Files) Categories() []string {
	var (
		known   = map[string]bool{}
		ordered []string
		unknown []string
	)
	for _, c := range Categories() {
		known[c] = true
		if len(f[c]) > 0 {
			ordered = append(ordered, c)
		}
	}
	for c, paths := range f {
		if !known[c] && len(paths) > 0 {
			unknown = append(unknown, c)
		}
	}
	sort.Strings(unknown)
	return append(ordered, unknown...)
}

// MarshalJSON implements json.Marshaler, emitting categories in priority order
// rather than the lexical order used for maps by package encoding/json.
func (f Files) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range f.Categories() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		v, err := marshalNoEscape(f[c])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
