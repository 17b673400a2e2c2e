package rtrcstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterbourgon/rtrc"
)

// EncodeJSON writes the record in the structured format: indented JSON, with
// slashes and HTML characters written literally.
func EncodeJSON(w io.Writer, rec *rtrc.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	return enc.Encode(rec)
}

// DecodeJSON reads a record in the structured format. Any failure wraps
// [ErrCorruptRecord].
func DecodeJSON(r io.Reader) (*rtrc.Record, error) {
	var rec rtrc.Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if err := check(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func check(rec *rtrc.Record) error {
	if rec.Route == "" {
		return fmt.Errorf("%w: missing route", ErrCorruptRecord)
	}
	if rec.Timestamp == "" {
		return fmt.Errorf("%w: missing timestamp", ErrCorruptRecord)
	}
	if want, have := rec.FilesLoadedCount, rec.FilesLoaded.Count(); want != have {
		return fmt.Errorf("%w: files loaded count %d, but %d files", ErrCorruptRecord, want, have)
	}
	if rec.FilesLoaded == nil {
		rec.FilesLoaded = rtrc.Files{}
	}
	return nil
}
