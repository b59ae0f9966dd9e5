// Package config loads node settings. Precedence, lowest first: built-in
// defaults, the YAML file, MLSNET_* environment variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MLSNET_"

type Config struct {
	Listen           []string      `yaml:"listen"`
	Bootnodes        []string      `yaml:"bootnodes"`
	NAT              bool          `yaml:"nat"`
	MDNS             bool          `yaml:"mdns"`
	Rendezvous       string        `yaml:"rendezvous"`
	Monitoring       string        `yaml:"monitoring"` // empty disables the HTTP endpoint
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	PresenceInterval time.Duration `yaml:"presence_interval"`
	LogLevel         string        `yaml:"log_level"`
	FailFast         bool          `yaml:"fail_fast"`
}

func Default() Config {
	return Config{
		Listen:           []string{"/ip4/0.0.0.0/tcp/0"},
		MDNS:             true,
		Rendezvous:       "mlsnet",
		Monitoring:       "127.0.0.1:4620",
		JoinTimeout:      30 * time.Second,
		PresenceInterval: 10 * time.Second,
		LogLevel:         "info",
	}
}

// Load returns defaults overlaid with the YAML file at path. An empty path
// or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays MLSNET_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = SplitList(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	list("LISTEN", &c.Listen)
	list("BOOTNODES", &c.Bootnodes)
	str("RENDEZVOUS", &c.Rendezvous)
	str("MONITORING", &c.Monitoring)
	str("LOG_LEVEL", &c.LogLevel)
	return multierr.Combine(
		boolean("NAT", &c.NAT),
		boolean("MDNS", &c.MDNS),
		boolean("FAIL_FAST", &c.FailFast),
		duration("JOIN_TIMEOUT", &c.JoinTimeout),
		duration("PRESENCE_INTERVAL", &c.PresenceInterval),
	)
}

// Validate checks multiaddrs and durations.
func (c Config) Validate() error {
	var errs error
	if len(c.Listen) == 0 {
		errs = multierr.Append(errs, errors.New("listen: at least one address required"))
	}
	for _, a := range c.Listen {
		if _, err := ma.NewMultiaddr(a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listen %q: %w", a, err))
		}
	}
	for _, a := range c.Bootnodes {
		if _, err := ma.NewMultiaddr(a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bootnode %q: %w", a, err))
		}
	}
	if c.JoinTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("join_timeout must be positive, got %s", c.JoinTimeout))
	}
	if c.PresenceInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("presence_interval must be positive, got %s", c.PresenceInterval))
	}
	return errs
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseBootnodes accepts a comma separated list or the path of a file with
// one multiaddr per line. A file that exists but cannot be read is an error.
func ParseBootnodes(v string) ([]string, error) {
	fi, err := os.Stat(v)
	if err != nil || fi.IsDir() {
		return SplitList(v), nil
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("read bootnodes: %w", err)
	}
	var out []string
	for _, ln := range strings.Split(string(b), "\n") {
		if ln = strings.TrimSpace(ln); ln != "" && !strings.HasPrefix(ln, "#") {
			out = append(out, ln)
		}
	}
	return out, nil
}
