// Package rtrc provides request-scoped dependency tracing for HTTP routes. For a
// selected subset of routes, it records which source files were loaded while
// handling a request, how much memory and time the request consumed, and
// whether it failed, and hands the resulting [Record] to a [Saver] for
// persistence.
//
// The basic idea is to keep tracing off by default, and to arm it explicitly,
// either for the next requests in general via [Gate.Enable], or for specific
// named routes via [Gate.EnableForRoutes]. The admission check performed by the
// [Recorder] for every request is a cheap map lookup, so untraced requests pay
// essentially nothing.
//
// Go programs are statically linked, so there's no runtime list of "included
// files" to inspect. Instead, code registers itself with a [Registry], usually
// by calling [Registry.Touch] from the code paths of interest. The registry
// records the caller's source file the first time it's seen, and the recorder
// diffs the registry before and after each traced request.
//
// Most applications should not wire these types together directly, and should
// instead use [github.com/peterbourgon/rtrc/ezrtrc], which provides process
// default instances and an easy-to-use API for common use cases.
package rtrc
