package rtrchttp

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/internal/rtrcpubsub"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"go.uber.org/zap"
)

// ServerConfig collects the dependencies of a server.
type ServerConfig struct {
	// Gate serves the administrative operations. Optional. Without a gate, the
	// server is read-only, and the enable and disable endpoints don't exist.
	Gate *rtrc.Gate

	// Store serves trace queries. Required.
	Store *rtrcstore.Store

	// Broker serves the stream of newly saved traces. Optional. Without a
	// broker, the stream endpoint doesn't exist.
	Broker *rtrcpubsub.Broker[rtrcstore.Entry]

	// Logger is optional. By default, nothing is logged.
	Logger *zap.Logger
}

// Server exposes the gate and store over HTTP. Responses are JSON, except for
// individual traces requested with Accept: text/markdown, and the stream.
//
//	GET  /               status
//	POST /enable         enable globally, or for each ?route=NAME
//	POST /disable        disable
//	GET  /traces         list and load traces, filtered by ?route=R and ?latest
//	GET  /traces/{name}  a single trace
//	GET  /stream         server-sent events of newly saved traces
type Server struct {
	gate   *rtrc.Gate
	store  *rtrcstore.Store
	broker *rtrcpubsub.Broker[rtrcstore.Entry]
	logger *zap.Logger
	router chi.Router
}

// NewServer returns a server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		gate:   cfg.Gate,
		store:  cfg.Store,
		broker: cfg.Broker,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Get("/", s.handleStatus)
	if s.gate != nil {
		r.Post("/enable", s.handleEnable)
		r.Post("/disable", s.handleDisable)
	}
	r.Get("/traces", s.handleTraces)
	r.Get("/traces/{name}", s.handleTrace)
	if s.broker != nil {
		r.Get("/stream", s.handleStream)
	}
	s.router = r

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Status describes the state of the gate and store.
type Status struct {
	Admin         bool     `json:"admin"`
	Enabled       bool     `json:"enabled"`
	Routes        []string `json:"routes"`
	BaselineCount int      `json:"baseline_count"`
	Dir           string   `json:"dir"`
}

func (s *Server) status() Status {
	status := Status{
		Dir:    s.store.Dir(),
		Routes: []string{},
	}
	if s.gate != nil {
		state := s.gate.State()
		status.Admin = true
		status.Enabled = state.Enabled
		status.BaselineCount = len(state.Baseline)
		if len(state.Routes) > 0 {
			status.Routes = state.Routes
		}
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	routes := r.Form["route"]
	switch {
	case len(routes) > 0:
		s.gate.EnableForRoutes(routes...)
		s.logger.Info("route tracing enabled for routes", zap.Strings("routes", routes))
	default:
		s.gate.Enable()
		s.logger.Info("route tracing enabled globally")
	}

	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.gate.Disable()
	s.logger.Info("route tracing disabled")
	respondJSON(w, http.StatusOK, s.status())
}

// TracesResponse is returned by the traces endpoint.
type TracesResponse struct {
	Dir    string            `json:"dir"`
	Query  rtrcstore.Query   `json:"query"`
	Traces []rtrcstore.Entry `json:"traces"`
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	var (
		ctx      = r.Context()
		urlquery = r.URL.Query()
		query    = rtrcstore.Query{
			Route:  urlquery.Get("route"),
			Latest: parseDefault(urlquery.Get("latest"), strconv.ParseBool, urlquery.Has("latest")),
		}
	)

	refs, err := s.store.List(ctx, query)
	if err != nil {
		s.logger.Warn("list traces failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	entries, err := s.store.LoadAll(ctx, refs)
	if err != nil {
		s.logger.Warn("load traces failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if entries == nil {
		entries = []rtrcstore.Entry{}
	}

	respondJSON(w, http.StatusOK, TracesResponse{
		Dir:    s.store.Dir(),
		Query:  query,
		Traces: entries,
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		name = chi.URLParam(r, "name")
	)

	ref, err := s.store.Stat(ctx, name)
	if err != nil {
		respondError(w, errorCode(err), err)
		return
	}

	rec, err := s.store.Load(ctx, ref)
	if err != nil {
		s.logger.Debug("load trace failed", zap.String("name", name), zap.Error(err))
		respondError(w, errorCode(err), err)
		return
	}

	if RequestExplicitlyAccepts(r, "text/markdown") {
		var buf bytes.Buffer
		if err := rtrcstore.EncodeMarkdown(&buf, rec); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("content-type", "text/markdown; charset=utf-8")
		w.Write(buf.Bytes())
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, rtrcstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rtrcstore.ErrCorruptRecord):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseDefault[T any](s string, parse func(string) (T, error), def T) T {
	if v, err := parse(s); err == nil {
		return v
	}
	return def
}
