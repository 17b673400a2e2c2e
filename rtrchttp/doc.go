// Package rtrchttp connects route tracing to net/http: a middleware which traces
// requests, a server exposing the gate and stored traces as a JSON API and an
// event stream, a client for that server, and Prometheus metrics.
package rtrchttp
