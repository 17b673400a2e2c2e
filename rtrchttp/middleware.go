package rtrchttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/peterbourgon/rtrc"
)

// RouteInfoFunc returns the route name and controller of a request. Either may
// be empty, in which case the record uses "unnamed" and "unknown" respectively.
type RouteInfoFunc func(*http.Request) (route, controller string)

// Middleware decorates an HTTP handler so that requests admitted by the
// recorder's gate are traced. The route name and controller are determined by
// the routeInfo function, which defaults to [ChiRouteInfo].
//
// A request fails if its handler panics, reports an error via [ReportError], or
// responds with a 5xx status code. Panics are recorded and then re-panicked with
// the same value.
func Middleware(rec *rtrc.Recorder, routeInfo RouteInfoFunc) func(http.Handler) http.Handler {
	if routeInfo == nil {
		routeInfo = ChiRouteInfo
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, controller := routeInfo(r)

			info := rtrc.RequestInfo{
				Route:      route,
				URI:        r.URL.RequestURI(),
				Method:     r.Method,
				Controller: controller,
			}

			report := &failureReport{}
			ctx := context.WithValue(r.Context(), failureReportKey{}, report)
			iw := newInterceptor(w)

			rec.Do(ctx, info, func(ctx context.Context) error {
				next.ServeHTTP(iw, r.WithContext(ctx))
				if err := report.get(); err != nil {
					return err
				}
				if code := iw.Code(); code >= 500 {
					return fmt.Errorf("HTTP %d %s", code, http.StatusText(code))
				}
				return nil
			})
		})
	}
}

// Route returns a middleware which traces requests with a fixed route name and
// controller. It's meant for mounting on individual routes.
func Route(rec *rtrc.Recorder, name, controller string) func(http.Handler) http.Handler {
	return Middleware(rec, func(*http.Request) (string, string) {
		return name, controller
	})
}

// ChiRouteInfo uses the chi route pattern matching the request as the route
// name, e.g. "/users/{id}". It works for middlewares installed via Use, which
// run before routing is complete. The controller is always empty.
func ChiRouteInfo(r *http.Request) (string, string) {
	return chiRoutePattern(r), ""
}

// ChiRouteNames is like [ChiRouteInfo], but maps route patterns to names. Keys
// are either a pattern, e.g. "/users/{id}", or a method and pattern separated
// by a space, e.g. "GET /users/{id}". The latter takes precedence. Patterns
// without a name use the pattern itself.
func ChiRouteNames(names map[string]string) RouteInfoFunc {
	return func(r *http.Request) (string, string) {
		pattern := chiRoutePattern(r)
		if pattern == "" {
			return "", ""
		}
		if name, ok := names[r.Method+" "+pattern]; ok {
			return name, ""
		}
		if name, ok := names[pattern]; ok {
			return name, ""
		}
		return pattern, ""
	}
}

func chiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}

	if rctx.Routes == nil {
		return rctx.RoutePattern()
	}

	path := rctx.RoutePath
	if path == "" {
		if r.URL.RawPath != "" {
			path = r.URL.RawPath
		} else {
			path = r.URL.Path
		}
	}

	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, path) {
		return ""
	}

	return tctx.RoutePattern()
}

//
//
//

// ReportError marks the traced request in ctx as failed with err. The source
// location of the caller is recorded, unless err already carries one. It's a
// no-op if ctx doesn't belong to a request handled by [Middleware].
func ReportError(ctx context.Context, err error) {
	report, ok := ctx.Value(failureReportKey{}).(*failureReport)
	if !ok || err == nil {
		return
	}

	var located *rtrc.LocatedError
	if !errors.As(err, &located) {
		_, file, line, _ := runtime.Caller(1)
		err = &rtrc.LocatedError{Err: err, File: file, Line: line}
	}

	report.set(err)
}

type failureReportKey struct{}

type failureReport struct {
	mtx sync.Mutex
	err error
}

func (f *failureReport) set(err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *failureReport) get() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.err
}

//
//
//

type interceptor struct {
	http.ResponseWriter

	flush func()
	code  int
}

func newInterceptor(w http.ResponseWriter) *interceptor {
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return &interceptor{ResponseWriter: w, flush: flush}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 {
		i.code = code
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) Flush() {
	i.flush()
}

func (i *interceptor) Unwrap() http.ResponseWriter {
	return i.ResponseWriter
}
