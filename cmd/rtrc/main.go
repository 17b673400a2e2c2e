// rtrc is a CLI tool for controlling route tracing in a running program, and
// for viewing the traces it saves.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.uber.org/zap"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("rtrc")
	rootConfig.register(rootFlags)

	rootCommand := &ff.Command{
		Name:      "rtrc",
		ShortHelp: "control route tracing, and view saved route traces",
		Flags:     rootFlags,
	}

	// Config for `rtrc enable`.
	enableConfig := &enableConfig{rootConfig: rootConfig}
	enableFlags := ff.NewFlagSet("enable").SetParent(rootFlags)
	enableCommand := &ff.Command{
		Name:      "enable",
		Usage:     "rtrc enable [FLAGS] [ROUTE ...]",
		ShortHelp: "enable tracing globally, or for specific routes",
		LongHelp:  "With no routes, trace every route. Otherwise, trace only the named routes.",
		Flags:     enableFlags,
		Exec:      enableConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, enableCommand)

	// Config for `rtrc disable`.
	disableConfig := &disableConfig{rootConfig: rootConfig}
	disableFlags := ff.NewFlagSet("disable").SetParent(rootFlags)
	disableCommand := &ff.Command{
		Name:      "disable",
		ShortHelp: "disable global tracing",
		Flags:     disableFlags,
		Exec:      disableConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, disableCommand)

	// Config for `rtrc status`.
	statusConfig := &statusConfig{rootConfig: rootConfig}
	statusFlags := ff.NewFlagSet("status").SetParent(rootFlags)
	statusCommand := &ff.Command{
		Name:      "status",
		ShortHelp: "show which routes are traced, and where traces are saved",
		Flags:     statusFlags,
		Exec:      statusConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, statusCommand)

	// Config for `rtrc view`.
	viewConfig := &viewConfig{rootConfig: rootConfig}
	viewFlags := ff.NewFlagSet("view").SetParent(rootFlags)
	viewConfig.register(viewFlags)
	viewCommand := &ff.Command{
		Name:      "view",
		ShortHelp: "view saved route traces, newest first",
		LongHelp:  "Read traces from a local directory with --dir, or from a server with --uri.",
		Flags:     viewFlags,
		Exec:      viewConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, viewCommand)

	// Config for `rtrc tail`.
	tailConfig := &tailConfig{rootConfig: rootConfig}
	tailFlags := ff.NewFlagSet("tail").SetParent(rootFlags)
	tailConfig.register(tailFlags)
	tailCommand := &ff.Command{
		Name:      "tail",
		ShortHelp: "continuously print route traces as they're saved",
		Flags:     tailFlags,
		Exec:      tailConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, tailCommand)

	// Config for `rtrc serve`.
	serveConfig := &serveConfig{rootConfig: rootConfig}
	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	serveConfig.register(serveFlags)
	serveCommand := &ff.Command{
		Name:      "serve",
		ShortHelp: "serve a trace directory over HTTP, read-only",
		LongHelp:  "Serve the query API and stream for a directory of saved traces, watching it for new ones.",
		Flags:     serveFlags,
		Exec:      serveConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, serveCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("RTRC")); err != nil {
		return err
	}

	// Validation and set-up.
	logger, err := newLogger(stderr, rootConfig.logLevel)
	if err != nil {
		return err
	}
	rootConfig.logger = logger
	defer logger.Sync()

	if rootConfig.uri != "" {
		rootConfig.client = newClient(rootConfig.uri)
		logger.Debug("server", zap.String("uri", rootConfig.uri))
	}

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
