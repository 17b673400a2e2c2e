// Package rtrcstore persists route trace records as files in a directory, and
// provides ways to list and load them again.
package rtrcstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/internal/rtrcpubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	filePrefix      = "route-trace-"
	timestampLayout = "2006-01-02-150405"
	loadConcurrency = 8
)

// StoreConfig collects the dependencies of a store.
type StoreConfig struct {
	// Dir is the trace directory. Required. It's created if it doesn't exist.
	Dir string

	// Now returns the current time, used for file names. Optional.
	Now func() time.Time

	// Logger is optional. By default, nothing is logged.
	Logger *zap.Logger

	// Broker receives every successfully saved entry. Optional.
	Broker *rtrcpubsub.Broker[Entry]
}

// Store is a directory of trace files. It's safe for concurrent use.
type Store struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
	broker *rtrcpubsub.Broker[Entry]
}

var _ rtrc.Saver = (*Store)(nil)

// NewStore returns a store over the configured directory, creating it if
// necessary.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("trace directory is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create trace directory: %w", ErrPersistence, err)
	}

	return &Store{
		dir:    cfg.Dir,
		now:    cfg.Now,
		logger: cfg.Logger,
		broker: cfg.Broker,
	}, nil
}

// Dir returns the trace directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the record to a new trace file in the given format. The file is
// written atomically. A record saved for the same route within the same second
// replaces the earlier file.
func (s *Store) Save(ctx context.Context, rec *rtrc.Record, format rtrc.Format) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var buf bytes.Buffer
	switch format {
	case rtrc.FormatMarkdown:
		if err := EncodeMarkdown(&buf, rec); err != nil {
			return fmt.Errorf("%w: encode markdown: %w", ErrPersistence, err)
		}
	default:
		format = rtrc.FormatJSON
		if err := EncodeJSON(&buf, rec); err != nil {
			return fmt.Errorf("%w: encode JSON: %w", ErrPersistence, err)
		}
	}

	name := Filename(rec.Route, s.now(), format)
	if err := s.writeFile(name, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Debug("saved route trace", zap.String("file", name))

	if s.broker != nil {
		ref, err := s.Stat(ctx, name)
		if err != nil {
			s.logger.Warn("stat saved trace failed", zap.String("file", name), zap.Error(err))
			return nil
		}
		s.broker.Publish(Entry{Ref: ref, Record: rec})
	}

	return nil
}

func (s *Store) writeFile(name string, data []byte) (err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}

	tmp := filepath.Join(s.dir, "."+ulid.Make().String()+".tmp")
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Query selects trace files.
type Query struct {
	// Route, if set, selects files whose name contains it, either as given or
	// in its file name form.
	Route string `json:"route,omitempty"`

	// Latest selects only the most recent matching file.
	Latest bool `json:"latest,omitempty"`
}

// Ref identifies a single trace file.
type Ref struct {
	Name    string      `json:"name"`
	Format  rtrc.Format `json:"format"`
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"mod_time"`
}

// Entry is a trace file and its decoded record. If the file couldn't be loaded,
// the record is nil, and Err describes the problem.
type Entry struct {
	Ref
	Record *rtrc.Record `json:"record,omitempty"`
	Err    string       `json:"error,omitempty"`
}

// List returns the trace files matching the query, most recently modified
// first. A missing directory, or one without matching files, produces an empty
// result, not an error.
func (s *Store) List(ctx context.Context, q Query) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trace directory: %w", err)
	}

	var refs []Ref
	for _, de := range dirents {
		if de.IsDir() || !q.Matches(de.Name()) {
			continue
		}
		format, ok := parseFilename(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed concurrently
		}
		refs = append(refs, Ref{
			Name:    de.Name(),
			Format:  format,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].ModTime.Equal(refs[j].ModTime) {
			return refs[i].ModTime.After(refs[j].ModTime)
		}
		return refs[i].Name > refs[j].Name
	})

	if q.Latest && len(refs) > 1 {
		refs = refs[:1]
	}

	return refs, nil
}

// Matches returns true if the named trace file is selected by the query's route
// filter. Latest is not considered.
func (q Query) Matches(name string) bool {
	if q.Route == "" {
		return true
	}
	return strings.Contains(name, q.Route) || strings.Contains(name, sanitizeRoute(q.Route))
}

// Stat returns the ref for the named trace file.
func (s *Store) Stat(ctx context.Context, name string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	format, ok := parseFilename(name)
	if !ok {
		return Ref{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	info, err := os.Stat(filepath.Join(s.dir, name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Ref{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	case err != nil:
		return Ref{}, fmt.Errorf("%s: %w", name, err)
	case info.IsDir():
		return Ref{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	return Ref{
		Name:    name,
		Format:  format,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Load reads and decodes the referenced trace file.
func (s *Store) Load(ctx context.Context, ref Ref) (*rtrc.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, ok := parseFilename(ref.Name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ref.Name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", ref.Name, err)
	}

	var rec *rtrc.Record
	switch format {
	case rtrc.FormatMarkdown:
		rec, err = DecodeMarkdown(bytes.NewReader(data))
	default:
		rec, err = DecodeJSON(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref.Name, err)
	}

	return rec, nil
}

// LoadAll loads the referenced trace files concurrently. Entries are returned
// in the order of refs. Files which can't be loaded produce entries with an
// error rather than failing the whole operation.
func (s *Store) LoadAll(ctx context.Context, refs []Ref) ([]Entry, error) {
	entries := make([]Entry, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i := range refs {
		i := i
		g.Go(func() error {
			rec, err := s.Load(ctx, refs[i])
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			entries[i] = Entry{Ref: refs[i], Record: rec}
			if err != nil {
				s.logger.Debug("load trace failed", zap.String("file", refs[i].Name), zap.Error(err))
				entries[i].Err = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}

//
//
//

// Filename returns the name of the trace file for a record of the given route,
// saved at time t in the given format.
func Filename(route string, t time.Time, format rtrc.Format) string {
	return fmt.Sprintf("%s%s-%s.%s", filePrefix, sanitizeRoute(route), t.Format(timestampLayout), format.Ext())
}

// sanitizeRoute replaces dots, path separators, and other characters which
// don't belong in a file name with dashes.
func sanitizeRoute(route string) string {
	if route == "" {
		route = "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, route)
}

func parseFilename(name string) (rtrc.Format, bool) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, filePrefix) {
		return "", false
	}
	switch filepath.Ext(name) {
	case ".json":
		return rtrc.FormatJSON, true
	case ".md":
		return rtrc.FormatMarkdown, true
	default:
		return "", false
	}
}
