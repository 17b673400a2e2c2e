package rtrc

import (
	"context"
	"math"
	"runtime"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestInfo describes an inbound request, as provided by the host.
type RequestInfo struct {
	Route      string // route name, empty if the route is unnamed
	URI        string
	Method     string
	Controller string // handler identifier, empty if unknown
}

// Saver persists records. Implementations must be safe for concurrent use.
type Saver interface {
	Save(ctx context.Context, rec *Record, format Format) error
}

// Observer is notified of every finished trace, along with the error, if any,
// returned by the saver.
type Observer interface {
	ObserveRecord(rec *Record, saveErr error)
}

// RecorderConfig collects the dependencies of a recorder.
type RecorderConfig struct {
	// Gate makes the admission check. Required.
	Gate *Gate

	// Snapshotter captures loaded files. Optional. By default, the snapshotter
	// of the gate is used.
	Snapshotter Snapshotter

	// Saver persists finished records. Optional. By default, records are
	// produced but not persisted.
	Saver Saver

	// Config is the resolved configuration. Unset fields take defaults.
	Config Config

	// Logger receives trace summaries and tracing errors, under the name
	// Config.LogChannel. Optional. By default, nothing is logged.
	Logger *zap.Logger

	// Observers are notified of every finished trace. Optional.
	Observers []Observer

	// Now returns the current time. Optional, for tests.
	Now func() time.Time

	// Memory returns the current memory use of the process, in bytes.
	// Optional. By default, live heap object bytes are used.
	Memory func() uint64
}

// Recorder traces requests. It takes snapshots of loaded files around each
// traced request, and assembles and persists a record when the request
// finishes. Requests which fail the admission check cost a single read of the
// gate.
type Recorder struct {
	gate        *Gate
	snapshotter Snapshotter
	saver       Saver
	config      Config
	logger      *zap.Logger
	observers   []Observer
	now         func() time.Time
	memory      func() uint64
}

// NewRecorder returns a recorder with the given configuration.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Gate == nil {
		cfg.Gate = NewGate(cfg.Snapshotter)
	}
	if cfg.Snapshotter == nil {
		cfg.Snapshotter = cfg.Gate.snapshotter
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Memory == nil {
		cfg.Memory = heapBytes
	}
	cfg.Config.sanitize()

	return &Recorder{
		gate:        cfg.Gate,
		snapshotter: cfg.Snapshotter,
		saver:       cfg.Saver,
		config:      cfg.Config,
		logger:      cfg.Logger.Named(cfg.Config.LogChannel),
		observers:   cfg.Observers,
		now:         cfg.Now,
		memory:      cfg.Memory,
	}
}

// Gate returns the gate used by the recorder.
func (r *Recorder) Gate() *Gate {
	return r.gate
}

// Config returns the resolved configuration used by the recorder.
func (r *Recorder) Config() Config {
	return r.config
}

// Start is the request-start hook. If the request should be traced, it
// captures the initial state and returns a capture, which must be finished
// when the request completes. Otherwise, it returns nil, which is safe to
// finish.
func (r *Recorder) Start(info RequestInfo) *Capture {
	ok, initial := r.gate.admit(info.Route, r.config.EnabledByDefault)
	if !ok {
		return nil
	}

	if len(initial) <= 0 {
		initial = r.snapshotter.Snapshot()
	}

	return &Capture{
		recorder:      r,
		info:          info,
		initialFiles:  initial,
		initialMemory: r.memory(),
		start:         r.now(),
	}
}

// Do runs fn as a traced request. The error returned by fn is recorded, and
// returned unchanged. If fn panics, the panic is recorded, and fn's panic
// value is re-panicked.
func (r *Recorder) Do(ctx context.Context, info RequestInfo, fn func(context.Context) error) error {
	c := r.Start(info)
	if c == nil {
		return fn(ctx)
	}

	var returned bool
	defer func() {
		if returned {
			return
		}
		x := recover()
		if x == nil {
			c.Finish(ctx, nil) // runtime.Goexit
			return
		}
		file, line := panicSite()
		c.Finish(ctx, &LocatedError{Err: &PanicError{Value: x}, File: file, Line: line})
		panic(x)
	}()

	err := fn(ctx)
	returned = true
	c.Finish(ctx, err)
	return err
}

// Capture is an in-flight trace of a single request.
type Capture struct {
	recorder      *Recorder
	info          RequestInfo
	initialFiles  []string
	initialMemory uint64
	start         time.Time

	once   sync.Once
	record *Record
}

// Finish is the request-end hook. It takes the final snapshot, assembles the
// record, and persists it. Failure should be the error which ended the request,
// or nil if the request succeeded. Failures to persist the record are logged
// and otherwise ignored.
//
// Finish returns the assembled record. Subsequent calls return the same record
// without doing any work. Finish on a nil capture returns nil.
func (c *Capture) Finish(ctx context.Context, failure error) *Record {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		c.record = c.recorder.finish(ctx, c, failure)
	})
	return c.record
}

func (r *Recorder) finish(ctx context.Context, c *Capture, failure error) *Record {
	var (
		finalFiles  = r.snapshotter.Snapshot()
		newFiles    = difference(finalFiles, c.initialFiles)
		files       = Classify(Filter(newFiles, r.config.BaseDir, r.config.ExcludePatterns), r.config.BaseDir)
		finalMemory = r.memory()
		end         = r.now()
		took        = max(end.Sub(c.start), 0)
	)

	rec := &Record{
		Route:            orDefault(c.info.Route, "unnamed"),
		URI:              c.info.URI,
		Controller:       orDefault(c.info.Controller, "unknown"),
		Method:           c.info.Method,
		FilesLoadedCount: files.Count(),
		FilesLoaded:      files,
		MemoryUsedMB:     round2(float64(int64(finalMemory)-int64(c.initialMemory)) / (1024 * 1024)),
		ExecutionTimeMS:  round2(float64(took) / float64(time.Millisecond)),
		Timestamp:        end.Format(time.RFC3339),
		Exception:        NewException(failure),
	}

	var saveErr error
	if r.saver != nil {
		saveErr = r.saver.Save(context.WithoutCancel(ctx), rec, r.config.OutputFormat)
		if saveErr != nil {
			r.logger.Warn("save route trace failed", zap.String("route", rec.Route), zap.Error(saveErr))
		}
	}

	r.logger.Debug("route trace completed",
		zap.String("route", rec.Route),
		zap.Int("files_count", rec.FilesLoadedCount),
		zap.Float64("memory_mb", rec.MemoryUsedMB),
		zap.Float64("time_ms", rec.ExecutionTimeMS),
	)

	for _, o := range r.observers {
		o.ObserveRecord(rec, saveErr)
	}

	return rec
}

//
//
//

// difference returns the elements of final which aren't in initial.
func difference(final, initial []string) []string {
	index := make(map[string]struct{}, len(initial))
	for _, p := range initial {
		index[p] = struct{}{}
	}

	var res []string
	for _, p := range final {
		if _, ok := index[p]; !ok {
			res = append(res, p)
		}
	}
	return res
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// panicSite returns the location of the panic currently being handled by the
// deferred function which called panicSite.
func panicSite() (string, int) {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !ignorePanicFrame(fr.Function) {
			return fr.File, fr.Line
		}
		if !more {
			return "", 0
		}
	}
}

func ignorePanicFrame(function string) bool {
	return strings.HasPrefix(function, "runtime.") ||
		strings.HasPrefix(function, "github.com/peterbourgon/rtrc.(*Recorder).")
}
