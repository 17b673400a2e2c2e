package main

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/peterbourgon/unixtransport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uri      string
	logLevel string

	logger *zap.Logger
	client *rtrchttp.Client
}

func (cfg *rootConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewValue(&cfg.uri),
		Usage:       "admin server URI e.g. 'localhost:8080/rtrc' or 'http+unix:///tmp/app.sock:/rtrc'",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n"),
		Usage:       "log level: i/info, d/debug, n/none",
		Placeholder: "LEVEL",
	})
}

func (cfg *rootConfig) requireClient() (*rtrchttp.Client, error) {
	if cfg.client == nil {
		return nil, fmt.Errorf("server URI (--uri) is required")
	}
	return cfg.client, nil
}

// Log output is for the operator, and goes to stderr. Command output goes to
// stdout.
func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "n", "none":
		return zap.NewNop(), nil
	case "i", "info":
		lvl = zapcore.InfoLevel
	case "d", "debug":
		lvl = zapcore.DebugLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// The stream client uses the default HTTP client, so unix socket support is
// registered with the default transport.
var registerUnixTransport = sync.OnceFunc(func() {
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		unixtransport.Register(t)
	}
})

func newClient(uri string) *rtrchttp.Client {
	registerUnixTransport()
	return rtrchttp.NewClient(http.DefaultClient, uri)
}
