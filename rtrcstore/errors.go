package rtrcstore

import "errors"

var (
	// ErrPersistence is returned when a record can't be written to the trace
	// directory.
	ErrPersistence = errors.New("trace persistence failed")

	// ErrCorruptRecord is returned when a trace file exists but can't be
	// decoded.
	ErrCorruptRecord = errors.New("corrupt trace record")

	// ErrNotFound is returned when a trace file doesn't exist, or its name
	// isn't a valid trace file name.
	ErrNotFound = errors.New("trace not found")
)
