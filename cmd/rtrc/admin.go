package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/peterbourgon/rtrc/internal/rtrcutil"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"go.uber.org/zap"
)

var (
	okColor   = color.New(color.FgGreen)
	noteColor = color.New(color.FgYellow)
)

type enableConfig struct {
	*rootConfig
}

func (cfg *enableConfig) Exec(ctx context.Context, args []string) error {
	client, err := cfg.requireClient()
	if err != nil {
		return err
	}

	status, err := client.Enable(ctx, args...)
	if err != nil {
		return fmt.Errorf("enable: %w", err)
	}

	cfg.logger.Debug("enabled", zap.Strings("routes", args), zap.Int("baseline_count", status.BaselineCount))

	if len(args) <= 0 {
		okColor.Fprintf(cfg.stdout, "✔ Route tracing enabled globally for next request\n")
	} else {
		okColor.Fprintf(cfg.stdout, "✔ Route tracing enabled for: %s\n", strings.Join(args, ", "))
	}
	noteColor.Fprintf(cfg.stdout, "Traces will be saved to: %s\n", status.Dir)

	return nil
}

type disableConfig struct {
	*rootConfig
}

func (cfg *disableConfig) Exec(ctx context.Context, args []string) error {
	client, err := cfg.requireClient()
	if err != nil {
		return err
	}

	status, err := client.Disable(ctx)
	if err != nil {
		return fmt.Errorf("disable: %w", err)
	}

	okColor.Fprintf(cfg.stdout, "✔ Route tracing disabled\n")
	if len(status.Routes) > 0 {
		noteColor.Fprintf(cfg.stdout, "Still enabled for: %s\n", strings.Join(status.Routes, ", "))
	}

	return nil
}

type statusConfig struct {
	*rootConfig
}

func (cfg *statusConfig) Exec(ctx context.Context, args []string) error {
	client, err := cfg.requireClient()
	if err != nil {
		return err
	}

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	writeStatus(cfg.stdout, status)
	return nil
}

func writeStatus(w io.Writer, status rtrchttp.Status) {
	switch {
	case !status.Admin:
		fmt.Fprintf(w, "Tracing:   not controllable (read-only server)\n")
	case status.Enabled:
		fmt.Fprintf(w, "Tracing:   enabled globally, baseline of %s\n", rtrcutil.Plural(status.BaselineCount, "file", "files"))
	default:
		fmt.Fprintf(w, "Tracing:   disabled globally\n")
	}

	if len(status.Routes) > 0 {
		fmt.Fprintf(w, "Routes:    %s\n", strings.Join(status.Routes, ", "))
	} else {
		fmt.Fprintf(w, "Routes:    none\n")
	}

	fmt.Fprintf(w, "Directory: %s\n", status.Dir)
}
