// Package ezrtrc provides a process-wide default tracer, for programs that
// don't need to construct and wire their own.
//
// The default registry and gate live for the lifetime of the process. The
// recorder and store are built from [rtrc.DefaultConfig] when first used, or
// from the config passed to [Configure].
package ezrtrc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/internal/rtrcpubsub"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	registry = rtrc.NewRegistry()
	gate     = rtrc.NewGate(registry)
	broker   = rtrcpubsub.NewBroker[rtrcstore.Entry]()
	metrics  = sync.OnceValue(func() *rtrchttp.Metrics { return rtrchttp.NewMetrics(prometheus.DefaultRegisterer) })

	mtx     sync.Mutex
	current *instance
	failure error
)

type instance struct {
	recorder *rtrc.Recorder
	store    *rtrcstore.Store
	handler  http.Handler
}

// Configure (re)builds the default recorder and store from cfg. Gate state,
// and the files in the default registry, are unaffected. A nil logger logs
// nothing.
func Configure(cfg rtrc.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	inst, err := newInstance(cfg, logger)
	if err != nil {
		return err
	}

	mtx.Lock()
	defer mtx.Unlock()
	current, failure = inst, nil
	return nil
}

func newInstance(cfg rtrc.Config, logger *zap.Logger) (*instance, error) {
	cfg = cfg.WithDefaults()

	store, err := rtrcstore.NewStore(rtrcstore.StoreConfig{
		Dir:    cfg.OutputDir,
		Logger: logger.Named("store"),
		Broker: broker,
	})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	saver := rtrcstore.NewBreakerSaver(store, rtrcstore.BreakerConfig{
		Logger: logger.Named("breaker"),
	})

	recorder := rtrc.NewRecorder(rtrc.RecorderConfig{
		Gate:      gate,
		Saver:     saver,
		Config:    cfg,
		Logger:    logger,
		Observers: []rtrc.Observer{metrics()},
	})

	server, err := rtrchttp.NewServer(rtrchttp.ServerConfig{
		Gate:   gate,
		Store:  store,
		Broker: broker,
		Logger: logger.Named("server"),
	})
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", server)

	return &instance{
		recorder: recorder,
		store:    store,
		handler:  router,
	}, nil
}

// get returns the current instance, building it from the default config if
// Configure was never called. A failed build is remembered, and logged once to
// the global zap logger, until the next successful Configure.
func get() (*instance, error) {
	mtx.Lock()
	defer mtx.Unlock()

	if current == nil && failure == nil {
		inst, err := newInstance(rtrc.DefaultConfig(), zap.L().Named("ezrtrc"))
		if err != nil {
			failure = fmt.Errorf("default configuration: %w", err)
			zap.L().Named("ezrtrc").Error("tracing unavailable, call Configure", zap.Error(failure))
		}
		current = inst
	}

	return current, failure
}

// Enable tracing for every route, using the currently loaded files as the
// baseline.
func Enable() { gate.Enable() }

// Disable tracing. Routes enabled individually remain enabled.
func Disable() { gate.Disable() }

// EnableForRoutes enables tracing for the named routes.
func EnableForRoutes(names ...string) { gate.EnableForRoutes(names...) }

// IsEnabled returns true if tracing is enabled for every route.
func IsEnabled() bool { return gate.IsEnabled() }

// Touch marks the caller's source file as loaded in the default registry.
// Call it from the code paths you want to show up in traces.
func Touch() { registry.TouchDepth(1) }

// Load marks the given source files as loaded in the default registry.
func Load(paths ...string) { registry.Load(paths...) }

// Registry returns the default registry.
func Registry() *rtrc.Registry { return registry }

// Gate returns the default gate.
func Gate() *rtrc.Gate { return gate }

// Recorder returns the default recorder, or nil if it couldn't be built.
func Recorder() *rtrc.Recorder {
	inst, err := get()
	if err != nil {
		return nil
	}
	return inst.recorder
}

// Store returns the default store, or nil if it couldn't be built.
func Store() *rtrcstore.Store {
	inst, err := get()
	if err != nil {
		return nil
	}
	return inst.store
}

// Middleware traces requests with the default recorder. The routeInfo function
// may be nil, see [rtrchttp.Middleware]. If the default recorder can't be
// built, requests are served untraced.
func Middleware(routeInfo rtrchttp.RouteInfoFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		var wrapped atomic.Pointer[wrappedHandler]
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			inst, err := get()
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			h := wrapped.Load()
			if h == nil || h.inst != inst {
				h = &wrappedHandler{
					inst:    inst,
					Handler: rtrchttp.Middleware(inst.recorder, routeInfo)(next),
				}
				wrapped.Store(h)
			}

			h.ServeHTTP(w, r)
		})
	}
}

// wrappedHandler is next, wrapped by the middleware of a specific instance.
// It's rebuilt when Configure replaces the instance.
type wrappedHandler struct {
	http.Handler
	inst *instance
}

// Route traces requests to a single route with the default recorder.
func Route(name, controller string) func(http.Handler) http.Handler {
	return Middleware(func(*http.Request) (string, string) { return name, controller })
}

// Handler serves the default gate and store, see [rtrchttp.Server], along with
// Prometheus metrics at /metrics. If the default store can't be built, every
// request gets a 503 with a JSON error.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst, err := get()
		if err != nil {
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(struct {
				Error string `json:"error"`
			}{
				Error: err.Error(),
			})
			return
		}
		inst.handler.ServeHTTP(w, r)
	})
}
