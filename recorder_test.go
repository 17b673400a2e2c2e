package rtrc_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/rtrc"
)

type memorySaver struct {
	mtx     sync.Mutex
	records []*rtrc.Record
	formats []rtrc.Format
	err     error
}

func (s *memorySaver) Save(ctx context.Context, rec *rtrc.Record, format rtrc.Format) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	s.formats = append(s.formats, format)
	return nil
}

func (s *memorySaver) Records() []*rtrc.Record {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*rtrc.Record(nil), s.records...)
}

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

type fakeMemory struct {
	mtx sync.Mutex
	n   uint64
}

func (m *fakeMemory) Bytes() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.n
}

func (m *fakeMemory) Set(n uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.n = n
}

type recorderFixture struct {
	base     string
	registry *rtrc.Registry
	gate     *rtrc.Gate
	saver    *memorySaver
	clock    *fakeClock
	memory   *fakeMemory
	recorder *rtrc.Recorder
}

func newRecorderFixture(t *testing.T, cfg rtrc.Config) *recorderFixture {
	t.Helper()

	f := &recorderFixture{
		base:     filepath.FromSlash("/srv/app"),
		registry: rtrc.NewRegistry(),
		saver:    &memorySaver{},
		clock:    &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		memory:   &fakeMemory{n: 10 << 20},
	}
	f.gate = rtrc.NewGate(f.registry)

	if cfg.BaseDir == "" {
		cfg.BaseDir = f.base
	}

	f.recorder = rtrc.NewRecorder(rtrc.RecorderConfig{
		Gate:   f.gate,
		Saver:  f.saver,
		Config: cfg,
		Now:    f.clock.Now,
		Memory: f.memory.Bytes,
	})

	return f
}

func (f *recorderFixture) path(rel string) string {
	return filepath.Join(f.base, filepath.FromSlash(rel))
}

func TestRecorderNotTraced(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{})

	c := f.recorder.Start(rtrc.RequestInfo{Route: "home"})
	if c != nil {
		t.Fatalf("untraced request should have nil capture")
	}
	if rec := c.Finish(context.Background(), nil); rec != nil {
		t.Errorf("nil capture should finish with nil record")
	}

	var called bool
	err := f.recorder.Do(context.Background(), rtrc.RequestInfo{Route: "home"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if !called {
		t.Errorf("handler wasn't called")
	}
	if want, have := 0, len(f.saver.Records()); want != have {
		t.Errorf("want %d records, have %d", want, have)
	}
}

func TestRecorderRecord(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{})
	f.registry.Load(f.path("main.go"))
	f.gate.EnableForRoutes("checkout.show")

	var (
		ctx  = context.Background()
		info = rtrc.RequestInfo{Route: "checkout.show", URI: "/checkout/1", Method: "GET", Controller: "Checkout.Show"}
	)

	err := f.recorder.Do(ctx, info, func(ctx context.Context) error {
		f.registry.Load(
			f.path("http/Controllers/checkout.go"),
			f.path("Models/cart.go"),
			f.path("Models/order.go"),
			f.path("vendor/lib/x.go"),
			"/usr/lib/go/src/fmt/print.go",
		)
		f.clock.Advance(1234567 * time.Nanosecond)
		f.memory.Set(f.memory.Bytes() + 3<<19)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	records := f.saver.Records()
	if want, have := 1, len(records); want != have {
		t.Fatalf("want %d record, have %d", want, have)
	}

	want := &rtrc.Record{
		Route:            "checkout.show",
		URI:              "/checkout/1",
		Controller:       "Checkout.Show",
		Method:           "GET",
		FilesLoadedCount: 3,
		FilesLoaded: rtrc.Files{
			rtrc.CategoryControllers: {filepath.FromSlash("http/Controllers/checkout.go")},
			rtrc.CategoryModels:      {filepath.FromSlash("Models/cart.go"), filepath.FromSlash("Models/order.go")},
		},
		MemoryUsedMB:    1.5,
		ExecutionTimeMS: 1.23,
		Timestamp:       "2024-01-02T03:04:05Z",
	}
	if have := records[0]; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}

	if want, have := rtrc.FormatJSON, f.saver.formats[0]; want != have {
		t.Errorf("format: want %s, have %s", want, have)
	}
}

func TestRecorderBaseline(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{})
	f.registry.Load(f.path("a.go"))
	f.gate.Enable()

	// Loaded after the baseline, but before the request.
	f.registry.Load(f.path("b.go"))
	ctx := context.Background()

	c := f.recorder.Start(rtrc.RequestInfo{})
	f.registry.Load(f.path("c.go"))
	rec := c.Finish(ctx, nil)

	if want, have := []string{"b.go", "c.go"}, rec.FilesLoaded[rtrc.CategoryOther]; !cmp.Equal(want, have) {
		t.Errorf("baseline diff: %s", cmp.Diff(want, have))
	}
	if want, have := "unnamed", rec.Route; want != have {
		t.Errorf("route: want %q, have %q", want, have)
	}
	if want, have := "unknown", rec.Controller; want != have {
		t.Errorf("controller: want %q, have %q", want, have)
	}

	if again := c.Finish(ctx, errors.New("ignored")); again != rec {
		t.Errorf("second Finish should return the first record")
	}
	if want, have := 1, len(f.saver.Records()); want != have {
		t.Errorf("want %d saved record, have %d", want, have)
	}

	f.gate.Disable()
	f.gate.EnableForRoutes("r")
	c = f.recorder.Start(rtrc.RequestInfo{Route: "r"}) // fresh snapshot, no baseline
	f.registry.Load(f.path("d.go"))
	rec = c.Finish(ctx, nil)
	if want, have := []string{"d.go"}, rec.FilesLoaded[rtrc.CategoryOther]; !cmp.Equal(want, have) {
		t.Errorf("fresh snapshot diff: %s", cmp.Diff(want, have))
	}
}

func TestRecorderZeroFiles(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{EnabledByDefault: true})

	rec := f.recorder.Start(rtrc.RequestInfo{Route: "any"}).Finish(context.Background(), nil)
	if want, have := 0, rec.FilesLoadedCount; want != have {
		t.Errorf("FilesLoadedCount: want %d, have %d", want, have)
	}
	if want, have := (rtrc.Files{}), rec.FilesLoaded; !cmp.Equal(want, have) {
		t.Errorf("FilesLoaded: %s", cmp.Diff(want, have))
	}
	if rec.Exception != nil {
		t.Errorf("unexpected exception %+v", rec.Exception)
	}
}

func TestRecorderNegativeMemory(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{EnabledByDefault: true})

	c := f.recorder.Start(rtrc.RequestInfo{})
	f.memory.Set(f.memory.Bytes() - 1<<20)
	rec := c.Finish(context.Background(), nil)

	if want, have := -1.0, rec.MemoryUsedMB; want != have {
		t.Errorf("MemoryUsedMB: want %v, have %v", want, have)
	}
}

func TestRecorderFailure(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{})
	f.gate.EnableForRoutes("checkout")

	var (
		file = f.path("http/Controllers/checkout.go")
		boom = &rtrc.LocatedError{Err: errors.New("boom"), File: file, Line: 42}
	)

	err := f.recorder.Do(context.Background(), rtrc.RequestInfo{Route: "checkout"}, func(ctx context.Context) error {
		f.registry.Load(file)
		return boom
	})
	if want, have := error(boom), err; want != have {
		t.Fatalf("error not passed through: want %v, have %v", want, have)
	}

	records := f.saver.Records()
	if want, have := 1, len(records); want != have {
		t.Fatalf("want %d record, have %d", want, have)
	}

	rec := records[0]
	if want, have := (&rtrc.Exception{Message: "boom", File: file, Line: 42}), rec.Exception; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := 1, rec.FilesLoadedCount; want != have {
		t.Errorf("FilesLoadedCount: want %d, have %d", want, have)
	}
}

func TestRecorderPanic(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{EnabledByDefault: true})

	x := func() (x any) {
		defer func() { x = recover() }()
		f.recorder.Do(context.Background(), rtrc.RequestInfo{Route: "p"}, func(ctx context.Context) error {
			panic("kaboom")
		})
		return nil
	}()

	if want, have := any("kaboom"), x; want != have {
		t.Fatalf("panic value not propagated: want %v, have %v", want, have)
	}

	records := f.saver.Records()
	if want, have := 1, len(records); want != have {
		t.Fatalf("want %d record, have %d", want, have)
	}

	ex := records[0].Exception
	if ex == nil {
		t.Fatalf("want exception")
	}
	if want, have := "kaboom", ex.Message; want != have {
		t.Errorf("message: want %q, have %q", want, have)
	}
	if !strings.HasSuffix(ex.File, "recorder_test.go") {
		t.Errorf("file: want recorder_test.go, have %s:%d", ex.File, ex.Line)
	}
}

func TestRecorderSaveError(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{EnabledByDefault: true})
	f.saver.err = errors.New("disk full")

	obs := &recordingObserver{}
	rec := rtrc.NewRecorder(rtrc.RecorderConfig{
		Gate:      f.gate,
		Saver:     f.saver,
		Config:    rtrc.Config{EnabledByDefault: true},
		Observers: []rtrc.Observer{obs},
	})

	err := rec.Do(context.Background(), rtrc.RequestInfo{}, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Errorf("save errors must not reach the caller, have %v", err)
	}

	if want, have := 1, len(obs.errs); want != have {
		t.Fatalf("want %d observation, have %d", want, have)
	}
	if obs.errs[0] == nil {
		t.Errorf("observer should see the save error")
	}
}

type recordingObserver struct {
	mtx  sync.Mutex
	recs []*rtrc.Record
	errs []error
}

func (o *recordingObserver) ObserveRecord(rec *rtrc.Record, err error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.recs = append(o.recs, rec)
	o.errs = append(o.errs, err)
}

func TestRecorderCountInvariant(t *testing.T) {
	t.Parallel()

	f := newRecorderFixture(t, rtrc.Config{EnabledByDefault: true, ExcludePatterns: []string{}})

	for i, batch := range [][]string{
		{},
		{"Models/a.go"},
		{"Services/b.go", "Policies/c.go", "other.go", "vendor/d.go"},
	} {
		c := f.recorder.Start(rtrc.RequestInfo{})
		for _, rel := range batch {
			f.registry.Load(f.path(rel))
		}
		rec := c.Finish(context.Background(), nil)
		if want, have := rec.FilesLoaded.Count(), rec.FilesLoadedCount; want != have {
			t.Errorf("batch %d: want %d, have %d", i, want, have)
		}
		if want, have := len(batch), rec.FilesLoadedCount; want != have {
			t.Errorf("batch %d: want %d files, have %d", i, want, have)
		}
	}
}
