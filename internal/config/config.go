// Package config reads the tessera configuration file
// (~/.config/tessera/config.yaml) and merges it under command-line flags.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPath overrides the configuration file location.
const EnvPath = "TESSERA_CONFIG"

// Config is the configuration file. Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Device
	Device  string `yaml:"device"`
	Workers *int   `yaml:"workers"`

	// Instance table override; empty uses the built-in table.
	Instances string `yaml:"instances"`

	// Runs
	Verify *bool   `yaml:"verify"`
	Init   string  `yaml:"init"`
	Warmup *int    `yaml:"warmup"`
	Repeat *int    `yaml:"repeat"`
	Seed   *uint64 `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// Path is the configuration file location, or "" when no user config
// directory exists.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tessera", "config.yaml")
}

// Load reads the configuration file at Path. A missing file is an empty
// Config; a malformed one is an error.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads and validates one configuration file. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "config %s", path)
	}
	if cfg.Instances != "" && !filepath.IsAbs(cfg.Instances) {
		cfg.Instances = filepath.Join(filepath.Dir(path), cfg.Instances)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers != nil && *c.Workers < 0 {
		return errors.Errorf("workers must be >= 0, got %d", *c.Workers)
	}
	if c.Warmup != nil && *c.Warmup < 0 {
		return errors.Errorf("warmup must be >= 0, got %d", *c.Warmup)
	}
	if c.Repeat != nil && *c.Repeat < 1 {
		return errors.Errorf("repeat must be >= 1, got %d", *c.Repeat)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "pretty", "json", "text":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// FlagSet reports whether a flag was given explicitly on the command line.
// *cli.Command satisfies it.
type FlagSet interface {
	IsSet(name string) bool
}

// Settings are the values commands run with once the file and flags are
// merged. Field names follow the flag names in the comments.
type Settings struct {
	Device    string // device
	Workers   int    // workers
	Instances string // instances
	Verify    bool   // verify
	Init      string // init
	Warmup    int    // warmup
	Repeat    int    // repeat
	Seed      uint64 // seed
	LogLevel  string // log-level
	LogFormat string // log-format
	Address   string // addr
}

// Apply copies config values into s for every flag that was not set
// explicitly. s holds the flag values (or their defaults) on entry.
func (c Config) Apply(flags FlagSet, s *Settings) {
	setString(flags, "device", c.Device, &s.Device)
	setString(flags, "instances", c.Instances, &s.Instances)
	setString(flags, "init", c.Init, &s.Init)
	setString(flags, "log-level", c.LogLevel, &s.LogLevel)
	setString(flags, "log-format", c.LogFormat, &s.LogFormat)
	setString(flags, "addr", c.ServerAddress, &s.Address)
	setPtr(flags, "workers", c.Workers, &s.Workers)
	setPtr(flags, "verify", c.Verify, &s.Verify)
	setPtr(flags, "warmup", c.Warmup, &s.Warmup)
	setPtr(flags, "repeat", c.Repeat, &s.Repeat)
	setPtr(flags, "seed", c.Seed, &s.Seed)
}

func setString(flags FlagSet, name, v string, dst *string) {
	if v != "" && !flags.IsSet(name) {
		*dst = v
	}
}

func setPtr[T any](flags FlagSet, name string, v *T, dst *T) {
	if v != nil && !flags.IsSet(name) {
		*dst = *v
	}
}
