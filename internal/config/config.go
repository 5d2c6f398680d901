// Package config holds dmerg settings. Values come from built-in defaults,
// an optional YAML file, and command line flags, in increasing priority.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names a config file when --config is not given.
const EnvConfigPath = "DMERG_CONFIG"

// Config represents a dmerg.yaml file.
type Config struct {
	Full       bool   `yaml:"full"`        // capture the kernel log backlog too
	Output     string `yaml:"output"`      // merged output path, generated when empty
	ConsoleOff bool   `yaml:"console_off"` // no live echo
	Dmesg      bool   `yaml:"dmesg"`       // dmesg instead of journald

	TempDir   string `yaml:"temp_dir"`
	OutputDir string `yaml:"output_dir"` // where generated output names go
	KeepTemp  bool   `yaml:"keep_temp"`

	LogLevel  string `yaml:"log_level"`  // debug|info|warn|error
	LogFormat string `yaml:"log_format"` // text|json

	CorruptPolicy string `yaml:"corrupt_policy"` // truncate|skip

	// Replace the built-in facility commands, e.g. ["sudo", "dmesg", ...].
	JournalCommand []string `yaml:"journal_command,omitempty"`
	DmesgCommand   []string `yaml:"dmesg_command,omitempty"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		TempDir:       os.TempDir(),
		OutputDir:     ".",
		LogLevel:      "warn",
		LogFormat:     "text",
		CorruptPolicy: "truncate",
	}
}

// Parse decodes YAML on top of the defaults. Unknown keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// Load reads the config file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// Path returns flagValue, or the DMERG_CONFIG environment variable when the
// flag is empty.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Validate checks the config for values dmerg cannot use.
func (c Config) Validate() []error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, errors.Newf("log_level must be debug, info, warn or error; got %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, errors.Newf("log_format must be text or json; got %q", c.LogFormat))
	}
	switch c.CorruptPolicy {
	case "truncate", "skip":
	default:
		errs = append(errs, errors.Newf("corrupt_policy must be truncate or skip; got %q", c.CorruptPolicy))
	}
	if c.TempDir == "" {
		errs = append(errs, errors.New("temp_dir must not be empty"))
	} else if info, err := os.Stat(c.TempDir); err != nil || !info.IsDir() {
		errs = append(errs, errors.Newf("temp_dir %q is not a directory", c.TempDir))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if c.JournalCommand != nil && len(c.JournalCommand) == 0 {
		errs = append(errs, errors.New("journal_command must not be an empty list"))
	}
	if c.DmesgCommand != nil && len(c.DmesgCommand) == 0 {
		errs = append(errs, errors.New("dmesg_command must not be an empty list"))
	}

	return errs
}
