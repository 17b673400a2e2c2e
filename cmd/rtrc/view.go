package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/internal/rtrcutil"
	"github.com/peterbourgon/rtrc/rtrcstore"
	"go.uber.org/zap"
)

var (
	errNoTraces         = errors.New("no trace files found")
	errNoMatchingTraces = errors.New("no matching trace files found")
)

var (
	headingColor  = color.New(color.FgCyan, color.Bold)
	errorColor    = color.New(color.FgRed)
	categoryColor = color.New(color.FgYellow)
)

const rule = "═══════════════════════════════════════════════════════════"

type viewConfig struct {
	*rootConfig

	dir    string
	route  string
	latest bool
	files  bool
}

func (cfg *viewConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'd', LongName: "dir" /*    */, Value: ffval.NewValue(&cfg.dir) /*    */, Usage: "read traces from this local directory, instead of a server", Placeholder: "DIR"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'r', LongName: "route" /*  */, Value: ffval.NewValue(&cfg.route) /*  */, Usage: "only traces whose file name contains this route", Placeholder: "ROUTE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "latest" /* */, Value: ffval.NewValue(&cfg.latest) /* */, Usage: "only the newest matching trace", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'f', LongName: "files" /*  */, Value: ffval.NewValue(&cfg.files) /*  */, Usage: "show the loaded files of each trace", NoDefault: true})
}

// traceSource returns loaded traces matching the query, newest first.
type traceSource func(ctx context.Context, q rtrcstore.Query) ([]rtrcstore.Entry, error)

func (cfg *viewConfig) Exec(ctx context.Context, args []string) error {
	source, err := cfg.source()
	if err != nil {
		return err
	}

	q := rtrcstore.Query{Route: cfg.route, Latest: cfg.latest}
	entries, err := source(ctx, q)
	if err != nil {
		return err
	}

	if len(entries) <= 0 {
		if q == (rtrcstore.Query{}) {
			return errNoTraces
		}
		all, err := source(ctx, rtrcstore.Query{Latest: true})
		if err != nil {
			return err
		}
		if len(all) <= 0 {
			return errNoTraces
		}
		return errNoMatchingTraces
	}

	cfg.logger.Debug("viewing traces", zap.Int("count", len(entries)))

	for _, e := range entries {
		writeEntry(cfg.stdout, e, cfg.files)
	}

	return nil
}

func (cfg *viewConfig) source() (traceSource, error) {
	switch {
	case cfg.dir != "" && cfg.client != nil:
		return nil, fmt.Errorf("--dir and --uri are mutually exclusive")

	case cfg.dir != "":
		// Viewing shouldn't create the directory, which opening a store does.
		if _, err := os.Stat(cfg.dir); errors.Is(err, os.ErrNotExist) {
			return nil, errNoTraces
		}
		store, err := rtrcstore.NewStore(rtrcstore.StoreConfig{
			Dir:    cfg.dir,
			Logger: cfg.logger.Named("store"),
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, q rtrcstore.Query) ([]rtrcstore.Entry, error) {
			refs, err := store.List(ctx, q)
			if err != nil {
				return nil, err
			}
			return store.LoadAll(ctx, refs)
		}, nil

	case cfg.client != nil:
		return func(ctx context.Context, q rtrcstore.Query) ([]rtrcstore.Entry, error) {
			res, err := cfg.client.Traces(ctx, q)
			if err != nil {
				return nil, err
			}
			return res.Traces, nil
		}, nil

	default:
		return nil, fmt.Errorf("either --dir or --uri is required")
	}
}

func writeEntry(w io.Writer, e rtrcstore.Entry, files bool) {
	fmt.Fprintf(w, "\n%s\n", rule)
	headingColor.Fprintf(w, "📄 %s (%s)\n", e.Name, rtrcutil.HumanizeBytes(e.Size))
	fmt.Fprintf(w, "%s\n", rule)

	if e.Err != "" || e.Record == nil {
		errorColor.Fprintf(w, "Failed to parse trace file: %s\n", e.Err)
		return
	}

	rec := e.Record

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "METRIC\tVALUE\n")
	fmt.Fprintf(tw, "Route\t%s\n", rec.Route)
	fmt.Fprintf(tw, "URI\t%s\n", rec.URI)
	fmt.Fprintf(tw, "Method\t%s\n", rec.Method)
	fmt.Fprintf(tw, "Controller\t%s\n", rec.Controller)
	fmt.Fprintf(tw, "Files Loaded\t%d\n", rec.FilesLoadedCount)
	fmt.Fprintf(tw, "Memory Used\t%s MB\n", formatNumber(rec.MemoryUsedMB))
	fmt.Fprintf(tw, "Execution Time\t%s ms\n", formatNumber(rec.ExecutionTimeMS))
	fmt.Fprintf(tw, "Timestamp\t%s\n", rec.Timestamp)
	tw.Flush()

	if rec.Exception != nil {
		errorColor.Fprintf(w, "Exception: %s\n", rec.Exception.Message)
	}

	if files {
		writeFiles(w, rec.FilesLoaded)
	}
}

func writeFiles(w io.Writer, files rtrc.Files) {
	for _, category := range files.Categories() {
		paths := files[category]
		categoryColor.Fprintf(w, "\n%s (%d):\n", capitalize(category), len(paths))
		for _, p := range paths {
			fmt.Fprintf(w, "  • %s\n", p)
		}
	}
}

func formatNumber(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
