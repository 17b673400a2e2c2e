package rtrc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a serialization format for persisted records.
type Format string

const (
	// FormatJSON is the structured format, reproducing the record exactly.
	FormatJSON Format = "json"

	// FormatMarkdown is the human-readable report format.
	FormatMarkdown Format = "markdown"
)

// Ext returns the file extension, without a leading dot, used for records
// persisted in the format.
func (f Format) Ext() string {
	switch f {
	case FormatMarkdown:
		return "md"
	default:
		return "json"
	}
}

// ParseFormat parses a format name or file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json", "structured":
		return FormatJSON, nil
	case "markdown", "md", "readable":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// Config is the resolved configuration consumed by the recorder and store. It
// is read-only once the recorder is constructed.
type Config struct {
	// EnabledByDefault traces every request, regardless of the gate.
	EnabledByDefault bool `yaml:"enabled" validate:"-"`

	// LogChannel names the logger that receives trace summaries and tracing
	// errors. The default is "stack".
	LogChannel string `yaml:"log_channel" validate:"omitempty,max=64"`

	// ExcludePatterns are substrings which exclude a loaded file from traces.
	// The default is [DefaultExcludePatterns].
	ExcludePatterns []string `yaml:"exclude_patterns" validate:"dive,required"`

	// OutputFormat is the format used to persist records. The default is
	// [FormatJSON].
	OutputFormat Format `yaml:"output_format" validate:"omitempty,oneof=json markdown"`

	// BaseDir is the application root. Only files under it are traced, and
	// traced paths are reported relative to it. The default is the working
	// directory. Use "/" to trace every file.
	BaseDir string `yaml:"base_dir"`

	// OutputDir is where records are persisted. The default is "traces".
	OutputDir string `yaml:"output_dir"`
}

const (
	defaultLogChannel = "stack"
	defaultOutputDir  = "traces"
)

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.sanitize()
	return cfg
}

// WithDefaults returns a copy of the config with defaults applied to unset
// fields.
func (cfg Config) WithDefaults() Config {
	cfg.sanitize()
	return cfg
}

func (cfg *Config) sanitize() {
	if cfg.LogChannel == "" {
		cfg.LogChannel = defaultLogChannel
	}
	if cfg.ExcludePatterns == nil {
		cfg.ExcludePatterns = append([]string(nil), DefaultExcludePatterns...)
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = FormatJSON
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	if cfg.BaseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.BaseDir = wd
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns an error describing every invalid field in the config.
func (cfg Config) Validate() error {
	err := validate.Struct(cfg)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	problems := make([]string, len(verrs))
	for i, fe := range verrs {
		problems[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// ParseConfig reads a YAML config, applies defaults to unset fields, and
// validates the result. Empty input produces the default config.
func ParseConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg.sanitize()
	return cfg, nil
}
