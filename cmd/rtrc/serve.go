package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/rtrc/internal/rtrcpubsub"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"github.com/peterbourgon/unixtransport/unixproxy"
	"go.uber.org/zap"
)

type serveConfig struct {
	*rootConfig

	dir        string
	listenAddr string
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'd',
		LongName:    "dir",
		Value:       ffval.NewValueDefault(&cfg.dir, "traces"),
		Usage:       "trace directory",
		Placeholder: "DIR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "listen",
		Value:       ffval.NewValueDefault(&cfg.listenAddr, "localhost:8002"),
		Usage:       "HTTP listen address, or unix:// socket path",
		Placeholder: "ADDR",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	broker := rtrcpubsub.NewBroker[rtrcstore.Entry]()

	store, err := rtrcstore.NewStore(rtrcstore.StoreConfig{
		Dir:    cfg.dir,
		Logger: cfg.logger.Named("store"),
	})
	if err != nil {
		return err
	}

	watcher, err := newTraceWatcher(store, broker, cfg.logger.Named("watcher"))
	if err != nil {
		return err
	}

	server, err := rtrchttp.NewServer(rtrchttp.ServerConfig{
		Store:  store,
		Broker: broker,
		Logger: cfg.logger.Named("server"),
	})
	if err != nil {
		return err
	}

	ln, err := unixproxy.ListenURI(ctx, cfg.listenAddr)
	if err != nil {
		watcher.close()
		return fmt.Errorf("listen: %w", err)
	}

	cfg.logger.Info("serving", zap.String("dir", store.Dir()), zap.String("listen", cfg.listenAddr))

	var g run.Group

	{
		httpServer := &http.Server{
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			return httpServer.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			httpServer.Shutdown(ctx)
			ln.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return watcher.run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

//
//
//

// traceWatcher publishes traces which appear in the store's directory, whoever
// writes them. The store writes each trace to a temporary file and renames it
// into place, so the trace is complete when its name first appears.
type traceWatcher struct {
	store   *rtrcstore.Store
	broker  *rtrcpubsub.Broker[rtrcstore.Entry]
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

func newTraceWatcher(store *rtrcstore.Store, broker *rtrcpubsub.Broker[rtrcstore.Entry], logger *zap.Logger) (*traceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(store.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}

	return &traceWatcher{
		store:   store,
		broker:  broker,
		logger:  logger,
		watcher: watcher,
	}, nil
}

func (w *traceWatcher) run(ctx context.Context) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			w.publish(ctx, filepath.Base(ev.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *traceWatcher) publish(ctx context.Context, name string) {
	ref, err := w.store.Stat(ctx, name)
	if errors.Is(err, rtrcstore.ErrNotFound) {
		return // temporary file, or removed already
	}
	if err != nil {
		w.logger.Warn("stat trace", zap.String("name", name), zap.Error(err))
		return
	}

	e := rtrcstore.Entry{Ref: ref}
	if rec, err := w.store.Load(ctx, ref); err != nil {
		e.Err = err.Error()
	} else {
		e.Record = rec
	}

	w.logger.Debug("new trace", zap.String("name", ref.Name))
	w.broker.Publish(e)
}

func (w *traceWatcher) close() {
	w.watcher.Close()
}
