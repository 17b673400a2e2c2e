package main

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/rtrc/internal/rtrcutil"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"go.uber.org/zap"
)

type tailConfig struct {
	*rootConfig

	route         string
	files         bool
	recvBuf       int
	retryInterval time.Duration
}

func (cfg *tailConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'r', LongName: "route" /*          */, Value: ffval.NewValue(&cfg.route) /*                                */, Usage: "only traces whose file name contains this route", Placeholder: "ROUTE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'f', LongName: "files" /*          */, Value: ffval.NewValue(&cfg.files) /*                                */, Usage: "show the loaded files of each trace", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "recv-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.recvBuf, 100) /*                  */, Usage: "local receive buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "retry-interval" /* */, Value: ffval.NewValueDefault(&cfg.retryInterval, 1*time.Second) /*  */, Usage: "connection retry interval"})
}

func (cfg *tailConfig) Exec(ctx context.Context, args []string) error {
	client, err := cfg.requireClient()
	if err != nil {
		return err
	}

	entries := make(chan rtrcstore.Entry, cfg.recvBuf)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return client.Stream(ctx, rtrchttp.StreamConfig{
				Route: cfg.route,
				Retry: cfg.retryInterval,
				OnInit: func(status rtrchttp.Status) {
					cfg.logger.Info("connected", zap.String("dir", status.Dir), zap.Strings("routes", status.Routes), zap.Bool("enabled", status.Enabled))
				},
			}, entries)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			for {
				select {
				case e := <-entries:
					writeTailLine(cfg.stdout, e)
					if cfg.files && e.Record != nil {
						writeFiles(cfg.stdout, e.Record.FilesLoaded)
						fmt.Fprintln(cfg.stdout)
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func writeTailLine(w io.Writer, e rtrcstore.Entry) {
	rec := e.Record
	if rec == nil {
		errorColor.Fprintf(w, "%s: %s\n", e.Name, e.Err)
		return
	}

	headingColor.Fprintf(w, "%s", rec.Timestamp)
	fmt.Fprintf(w, " %s %s %s (%s) %s %s %s MB",
		rec.Route,
		rec.Method,
		rec.URI,
		rec.Controller,
		rtrcutil.Plural(rec.FilesLoadedCount, "file", "files"),
		rtrcutil.HumanizeDuration(rtrcutil.Milliseconds(rec.ExecutionTimeMS)),
		formatNumber(rec.MemoryUsedMB),
	)
	if rec.Exception != nil {
		errorColor.Fprintf(w, " exception: %s", rec.Exception.Message)
	}
	fmt.Fprintln(w)
}
