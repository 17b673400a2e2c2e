package rtrchttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"go.uber.org/zap"
)

const (
	streamBufferDefault = 16
	streamBufferMax     = 1024
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !RequestExplicitlyAccepts(r, "text/event-stream") {
		http.Error(w, "request must Accept: text/event-stream", http.StatusPreconditionRequired)
		return
	}

	var (
		ctx      = r.Context()
		urlquery = r.URL.Query()
		query    = rtrcstore.Query{Route: urlquery.Get("route")}
		buf      = min(max(parseDefault(urlquery.Get("buf"), strconv.Atoi, streamBufferDefault), 1), streamBufferMax)
		entries  = make(chan rtrcstore.Entry, buf)
		logger   = s.logger.With(zap.String("remote_addr", r.RemoteAddr))
	)

	allow := func(e rtrcstore.Entry) bool { return query.Matches(e.Name) }
	if err := s.broker.Subscribe(allow, entries); err != nil {
		http.Error(w, fmt.Sprintf("subscribe: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		stats, err := s.broker.Unsubscribe(entries)
		switch {
		case err == nil:
			logger.Debug("stream unsubscribed", zap.Stringer("stats", stats))
		case err != nil:
			logger.Warn("stream unsubscribe failed", zap.Error(err))
		}
	}()

	logger.Debug("stream subscribed", zap.String("route", query.Route), zap.Int("buf", buf))

	eventsource.Handler(func(lastID string, enc *eventsource.Encoder, stop <-chan bool) {
		status, _ := json.Marshal(s.status())
		if err := enc.Encode(eventsource.Event{Type: "init", Data: status}); err != nil {
			logger.Debug("encode init event failed", zap.Error(err))
			return
		}

		var seq uint64
		for {
			select {
			case e := <-entries:
				data, err := json.Marshal(e)
				if err != nil {
					logger.Warn("marshal trace failed", zap.String("name", e.Name), zap.Error(err))
					continue
				}
				seq++
				if err := enc.Encode(eventsource.Event{
					Type: "trace",
					ID:   strconv.FormatUint(seq, 10),
					Data: data,
				}); err != nil {
					logger.Debug("encode trace event failed", zap.Error(err))
					return
				}

			case <-ctx.Done():
				return

			case <-stop:
				return
			}
		}
	}).ServeHTTP(w, r)
}

//
//
//

// StreamConfig parameterizes [Client.Stream].
type StreamConfig struct {
	// Route, if set, streams only traces whose file name matches it.
	Route string

	// Retry is the delay before reconnecting a dropped stream. Default 3s.
	Retry time.Duration

	// OnInit is called with the server status whenever the stream connects.
	// Optional.
	OnInit func(Status)
}

// Stream newly saved traces from the server to ch, until the context is
// canceled or a non-recoverable error occurs.
func (c *Client) Stream(ctx context.Context, cfg StreamConfig, ch chan<- rtrcstore.Entry) error {
	// The request deliberately has no context. EventSource treats context
	// cancelation as a recoverable error, and re-uses the request across
	// reconnects. The stream is stopped by closing it instead.
	req, err := http.NewRequest("GET", c.baseurl+"/stream", nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	req.Header.Set("accept", "text/event-stream")

	if cfg.Route != "" {
		urlquery := req.URL.Query()
		urlquery.Set("route", cfg.Route)
		req.URL.RawQuery = urlquery.Encode()
	}

	if cfg.Retry <= 0 {
		cfg.Retry = 3 * time.Second
	}

	var (
		es          = eventsource.New(req, cfg.Retry)
		closeStream = sync.OnceFunc(es.Close)
		done        = make(chan struct{})
	)
	defer closeStream()
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			closeStream()
		case <-done:
		}
	}()

	for {
		ev, err := es.Read()
		if errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read server-sent event: %w", err)
		}

		switch ev.Type {
		case "init":
			if cfg.OnInit != nil {
				var status Status
				if err := json.Unmarshal(ev.Data, &status); err == nil {
					cfg.OnInit(status)
				}
			}

		case "trace":
			var e rtrcstore.Entry
			if err := json.Unmarshal(ev.Data, &e); err != nil {
				return fmt.Errorf("decode trace event: %w", err)
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
