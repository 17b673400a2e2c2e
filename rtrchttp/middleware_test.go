package rtrchttp_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("Should trace enabled route and pass response through", func(t *testing.T) {
		f := newFixture(t)
		f.gate.EnableForRoutes("/checkout/{id}")

		req := httptest.NewRequest("GET", "/checkout/42?coupon=x", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "checkout 42", w.Body.String())

		recs := f.saver.records()
		require.Len(t, recs, 1)
		rec := recs[0]
		assert.Equal(t, "/checkout/{id}", rec.Route)
		assert.Equal(t, "/checkout/42?coupon=x", rec.URI)
		assert.Equal(t, "GET", rec.Method)
		assert.Equal(t, "unknown", rec.Controller)
		assert.Equal(t, 2, rec.FilesLoadedCount)
		assert.Equal(t, []string{filepath.FromSlash("app/Http/Controllers/CheckoutController.go")}, rec.FilesLoaded[rtrc.CategoryControllers])
		assert.Equal(t, []string{filepath.FromSlash("app/Models/Cart.go")}, rec.FilesLoaded[rtrc.CategoryModels])
		assert.Nil(t, rec.Exception)
	})

	t.Run("Should not trace other routes", func(t *testing.T) {
		f := newFixture(t)
		f.gate.EnableForRoutes("/checkout/{id}")

		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest("GET", "/cart", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.saver.records())
	})

	t.Run("Should trace every route when enabled globally", func(t *testing.T) {
		f := newFixture(t)
		f.gate.Enable()

		f.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/cart", nil))
		f.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nowhere", nil))

		recs := f.saver.records()
		require.Len(t, recs, 2)
		assert.Equal(t, "/cart", recs[0].Route)
		assert.Equal(t, "unnamed", recs[1].Route)
	})

	t.Run("Should record and re-panic", func(t *testing.T) {
		f := newFixture(t)
		f.gate.Enable()

		assert.PanicsWithValue(t, "kaboom", func() {
			f.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/panic", nil))
		})

		recs := f.saver.records()
		require.Len(t, recs, 1)
		require.NotNil(t, recs[0].Exception)
		assert.Equal(t, "kaboom", recs[0].Exception.Message)
		assert.Equal(t, "middleware_test.go", filepath.Base(recs[0].Exception.File))
		assert.Positive(t, recs[0].Exception.Line)
	})

	t.Run("Should record reported errors", func(t *testing.T) {
		f := newFixture(t)
		f.gate.Enable()

		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest("POST", "/checkout/1", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		recs := f.saver.records()
		require.Len(t, recs, 1)
		require.NotNil(t, recs[0].Exception)
		assert.Equal(t, "invalid cart", recs[0].Exception.Message)
		assert.Equal(t, "middleware_test.go", filepath.Base(recs[0].Exception.File))
	})

	t.Run("Should record server errors", func(t *testing.T) {
		f := newFixture(t)
		f.gate.Enable()

		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest("GET", "/unavailable", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		recs := f.saver.records()
		require.Len(t, recs, 1)
		require.NotNil(t, recs[0].Exception)
		assert.Equal(t, "HTTP 503 Service Unavailable", recs[0].Exception.Message)
		assert.Empty(t, recs[0].Exception.File)
	})
}

func TestRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.EnableForRoutes("checkout.show")

	handler := rtrchttp.Route(f.recorder, "checkout.show", "CheckoutController@show")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/checkout/7", nil))

	assert.Equal(t, "ok", w.Body.String())
	recs := f.saver.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "checkout.show", recs[0].Route)
	assert.Equal(t, "CheckoutController@show", recs[0].Controller)
}

func TestChiRouteNames(t *testing.T) {
	t.Parallel()

	var (
		names = map[string]string{
			"GET /checkout/{id}": "checkout.show",
			"/cart":              "cart.index",
		}
		have = map[string]string{}
		mtx  sync.Mutex
	)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, _ := rtrchttp.ChiRouteNames(names)(r)
			mtx.Lock()
			have[r.Method+" "+r.URL.Path] = route
			mtx.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	router.Get("/checkout/{id}", func(w http.ResponseWriter, r *http.Request) {})
	router.Post("/checkout/{id}", func(w http.ResponseWriter, r *http.Request) {})
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {})

	for _, target := range []string{"GET /checkout/1", "POST /checkout/1", "GET /cart", "GET /missing"} {
		method, path, _ := strings.Cut(target, " ")
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
	}

	assert.Equal(t, map[string]string{
		"GET /checkout/1":  "checkout.show",
		"POST /checkout/1": "/checkout/{id}",
		"GET /cart":        "cart.index",
		"GET /missing":     "",
	}, have)
}

func TestReportErrorOutsideMiddleware(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		rtrchttp.ReportError(context.Background(), errors.New("ignored"))
	})
}

//
//
//

type fixture struct {
	registry *rtrc.Registry
	gate     *rtrc.Gate
	saver    *memorySaver
	recorder *rtrc.Recorder
	router   chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var (
		base     = filepath.FromSlash("/srv/app")
		registry = rtrc.NewRegistry()
		gate     = rtrc.NewGate(registry)
		saver    = &memorySaver{}
		recorder = rtrc.NewRecorder(rtrc.RecorderConfig{
			Gate:   gate,
			Saver:  saver,
			Config: rtrc.Config{BaseDir: base},
		})
		router = chi.NewRouter()
	)

	load := func(rel string) {
		registry.Load(filepath.Join(base, filepath.FromSlash(rel)))
	}

	load("main.go")

	router.Use(rtrchttp.Middleware(recorder, nil))

	router.Get("/checkout/{id}", func(w http.ResponseWriter, r *http.Request) {
		load("app/Http/Controllers/CheckoutController.go")
		load("app/Models/Cart.go")
		load("vendor/chi/mux.go")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "checkout %s", chi.URLParam(r, "id"))
	})

	router.Post("/checkout/{id}", func(w http.ResponseWriter, r *http.Request) {
		rtrchttp.ReportError(r.Context(), errors.New("invalid cart"))
		http.Error(w, "invalid cart", http.StatusBadRequest)
	})

	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "cart")
	})

	router.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	router.Get("/unavailable", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return &fixture{
		registry: registry,
		gate:     gate,
		saver:    saver,
		recorder: recorder,
		router:   router,
	}
}

type memorySaver struct {
	mtx  sync.Mutex
	recs []*rtrc.Record
}

func (s *memorySaver) Save(ctx context.Context, rec *rtrc.Record, format rtrc.Format) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memorySaver) records() []*rtrc.Record {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*rtrc.Record(nil), s.recs...)
}
