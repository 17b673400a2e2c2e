package rtrc

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Snapshotter captures the set of source files currently loaded by the
// process. Snapshot should return absolute paths in load order, and must be
// safe for concurrent use.
type Snapshotter interface {
	Snapshot() []string
}

// Registry is an append-only record of loaded source files. A file is loaded
// the first time it's registered, and stays loaded for the lifetime of the
// registry. The zero value is ready to use.
type Registry struct {
	mtx    sync.Mutex
	loaded map[string]struct{}
	order  []string
}

var _ Snapshotter = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Touch registers the source file of the caller.
func (r *Registry) Touch() {
	r.TouchDepth(1)
}

// TouchDepth registers the source file of the function depth frames above the
// caller of TouchDepth. TouchDepth(0) registers the caller's own file, and is
// meant for helpers which call it on behalf of their callers.
func (r *Registry) TouchDepth(depth int) {
	if _, file, _, ok := runtime.Caller(1 + depth); ok {
		r.Load(file)
	}
}

// Load registers the provided paths, in order. Paths that are already loaded
// are ignored.
func (r *Registry) Load(paths ...string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.loaded == nil {
		r.loaded = map[string]struct{}{}
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := r.loaded[p]; ok {
			continue
		}
		r.loaded[p] = struct{}{}
		r.order = append(r.order, p)
	}
}

// Len returns the number of loaded files.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.order)
}

// Snapshot implements Snapshotter.
func (r *Registry) Snapshot() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	res := make([]string, len(r.order))
	copy(res, r.order)
	return res
}

//
//
//

// BuildInfo is a fallback snapshotter for programs that don't register files
// with a registry. It reports the main module and its dependencies as they're
// recorded in the binary, which never change over the life of a process, so
// traces taken with it never contain any files.
type BuildInfo struct{}

var _ Snapshotter = BuildInfo{}

var buildInfoPaths = sync.OnceValue(func() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	res := []string{info.Main.Path}
	for _, dep := range info.Deps {
		res = append(res, dep.Path)
	}
	return res
})

// Snapshot implements Snapshotter.
func (BuildInfo) Snapshot() []string {
	paths := buildInfoPaths()
	res := make([]string, len(paths))
	copy(res, paths)
	return res
}
