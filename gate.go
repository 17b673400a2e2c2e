package rtrc

import (
	"sort"
	"sync"
)

// Gate decides, per request, whether tracing applies. Tracing is armed for all
// requests via Enable, or for specific named routes via EnableForRoutes.
//
// Mutations are serialized, and readers always observe the enabled flag and
// the baseline snapshot as a consistent pair. A request which reads the gate
// just before a concurrent Disable can still be traced against the old
// baseline; that race is accepted.
type Gate struct {
	snapshotter Snapshotter

	mtx      sync.RWMutex
	enabled  bool
	baseline []string
	routes   map[string]struct{}
}

// GateState is a point-in-time copy of the state of a gate.
type GateState struct {
	Enabled  bool     `json:"enabled"`
	Baseline []string `json:"baseline,omitempty"`
	Routes   []string `json:"routes"`
}

// NewGate returns a disabled gate which takes baseline snapshots from s. If s
// is nil, [BuildInfo] is used.
func NewGate(s Snapshotter) *Gate {
	if s == nil {
		s = BuildInfo{}
	}
	return &Gate{
		snapshotter: s,
		routes:      map[string]struct{}{},
	}
}

// Enable arms tracing for every request, and captures the current snapshot as
// the baseline for subsequent traces. Repeated calls re-capture the baseline.
func (g *Gate) Enable() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	// Under the lock, so concurrent calls install their baselines in order.
	g.enabled = true
	g.baseline = g.snapshotter.Snapshot()
}

// Disable disarms global tracing and clears the baseline. Routes enabled via
// EnableForRoutes remain enabled.
func (g *Gate) Disable() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	g.enabled = false
	g.baseline = nil
}

// EnableForRoutes arms tracing for the named routes, in addition to any routes
// that were previously enabled. Routes are never removed.
func (g *Gate) EnableForRoutes(names ...string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	for _, name := range names {
		if name == "" {
			continue
		}
		g.routes[name] = struct{}{}
	}
}

// IsEnabled returns true if global tracing is armed. It doesn't reflect
// per-route tracing.
func (g *Gate) IsEnabled() bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.enabled
}

// ShouldTrace is the admission check for a request to the given route. It
// returns true if global tracing is armed, if the route was enabled via
// EnableForRoutes, or if configDefault is true. An empty route never matches
// enabled routes.
func (g *Gate) ShouldTrace(route string, configDefault bool) bool {
	ok, _ := g.admit(route, configDefault)
	return ok
}

// admit is ShouldTrace, which also returns the baseline snapshot observed
// under the same lock. The returned slice must not be modified.
func (g *Gate) admit(route string, configDefault bool) (bool, []string) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	switch {
	case g.enabled, configDefault:
		return true, g.baseline
	case route == "":
		return false, nil
	}

	_, ok := g.routes[route]
	return ok, g.baseline
}

// Routes returns the enabled route names, sorted.
func (g *Gate) Routes() []string {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.routesLocked()
}

func (g *Gate) routesLocked() []string {
	res := make([]string, 0, len(g.routes))
	for name := range g.routes {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// State returns a copy of the complete state of the gate.
func (g *Gate) State() GateState {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	return GateState{
		Enabled:  g.enabled,
		Baseline: append([]string(nil), g.baseline...),
		Routes:   g.routesLocked(),
	}
}
