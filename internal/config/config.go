// Package config loads the dcfsync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/readiness"
	"github.com/szaher/dcfsync/internal/reconcile"
	"github.com/szaher/dcfsync/internal/state"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultFile is the configuration file read when none is given.
const DefaultFile = "dcfsync.yaml"

const (
	DefaultPolicy      = "end-of-polling"
	DefaultSchedule    = "@every 30s"
	DefaultMetricsAddr = ":9090"
	DefaultHostDriver  = "memory"
)

// Config is the dcfsync configuration file.
type Config struct {
	// Local is the key of the element the engine runs for.
	Local      string        `yaml:"local"`
	Policy     string        `yaml:"policy"`
	Slots      Slots         `yaml:"slots"`
	Startup    Startup       `yaml:"startup"`
	Backend    state.Config  `yaml:"backend"`
	Host       host.Config   `yaml:"host"`
	Schedule   string        `yaml:"schedule"`
	Metrics    Metrics       `yaml:"metrics"`
	Tracing    Tracing       `yaml:"tracing"`
	AddTimeout time.Duration `yaml:"add_timeout"`
}

// Slots names the persisted slots. An empty current slot disables its
// category; an empty pending slot is kept in memory only.
type Slots struct {
	Connections                 string `yaml:"connections"`
	PendingConnections          string `yaml:"pending_connections"`
	InterfaceProperties         string `yaml:"interface_properties"`
	PendingInterfaceProperties  string `yaml:"pending_interface_properties"`
	ConnectionProperties        string `yaml:"connection_properties"`
	PendingConnectionProperties string `yaml:"pending_connection_properties"`
	// Startup holds the checked set of the cached startup mode.
	Startup string `yaml:"startup"`
}

// DefaultSlots is used when no slot is named.
var DefaultSlots = Slots{
	Connections:                 "dcf_connections",
	PendingConnections:          "dcf_pending_connections",
	InterfaceProperties:         "dcf_interface_properties",
	PendingInterfaceProperties:  "dcf_pending_interface_properties",
	ConnectionProperties:        "dcf_connection_properties",
	PendingConnectionProperties: "dcf_pending_connection_properties",
	Startup:                     "dcf_startup_checked",
}

func (s Slots) isZero() bool { return s == Slots{} }

// Pairs returns the slot pair of every category with a current slot.
func (s Slots) Pairs() map[mapping.Category]reconcile.SlotPair {
	all := map[mapping.Category]reconcile.SlotPair{
		mapping.Connections:          {Current: s.Connections, Pending: s.PendingConnections},
		mapping.InterfaceProperties:  {Current: s.InterfaceProperties, Pending: s.PendingInterfaceProperties},
		mapping.ConnectionProperties: {Current: s.ConnectionProperties, Pending: s.PendingConnectionProperties},
	}
	out := make(map[mapping.Category]reconcile.SlotPair, len(all))
	for cat, p := range all {
		if p.Current != "" {
			out[cat] = p
		}
	}
	return out
}

// Names returns every non-empty slot name, for status output.
func (s Slots) Names() []string {
	var out []string
	for _, n := range []string{
		s.Connections, s.PendingConnections,
		s.InterfaceProperties, s.PendingInterfaceProperties,
		s.ConnectionProperties, s.PendingConnectionProperties,
		s.Startup,
	} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Startup configures the readiness checks run before each cycle.
type Startup struct {
	Mode         string                `yaml:"mode"`
	LocalTimeout time.Duration         `yaml:"local_timeout"`
	External     []readiness.Target    `yaml:"external"`
	DVEs         []readiness.DVEColumn `yaml:"dves"`
}

// Metrics configures the Prometheus endpoint of the serve command. A
// non-empty Token requires it as a bearer token on /metrics.
type Metrics struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// Tracing enables span export to stdout.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied and no
// local element.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = DefaultPolicy
	}
	if c.Slots.isZero() {
		c.Slots = DefaultSlots
	}
	if c.Startup.Mode == "" {
		c.Startup.Mode = string(readiness.ModeAlways)
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "file"
	}
	if c.Host.Driver == "" {
		c.Host.Driver = DefaultHostDriver
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.AddTimeout == 0 {
		c.AddTimeout = reconcile.DefaultAddTimeout
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Local == "" {
		errs = append(errs, errors.New("local: element key is required"))
	} else if _, err := dcf.ParseElementKey(c.Local); err != nil {
		errs = append(errs, fmt.Errorf("local: %w", err))
	}
	if _, err := reconcile.ParsePolicy(c.Policy); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	errs = append(errs, c.Slots.validate()...)

	mode, err := readiness.ParseMode(c.Startup.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("startup: %w", err))
	}
	if mode == readiness.ModeCached && c.Slots.Startup == "" {
		errs = append(errs, errors.New("startup: cached mode needs slots.startup"))
	}
	for i, t := range c.Startup.External {
		if t.Element.IsZero() {
			errs = append(errs, fmt.Errorf("startup.external[%d]: element is required", i))
		}
	}

	if !slices.Contains(state.Drivers(), c.Backend.Type) {
		errs = append(errs, fmt.Errorf("backend: %w: %q", state.ErrUnknownBackend, c.Backend.Type))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if c.AddTimeout < 0 {
		errs = append(errs, errors.New("add_timeout: must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (s Slots) validate() []error {
	var errs []error
	pending := map[string]string{
		"connections":           s.PendingConnections,
		"interface_properties":  s.PendingInterfaceProperties,
		"connection_properties": s.PendingConnectionProperties,
	}
	current := map[string]string{
		"connections":           s.Connections,
		"interface_properties":  s.InterfaceProperties,
		"connection_properties": s.ConnectionProperties,
	}
	for name, p := range pending {
		if p != "" && current[name] == "" {
			errs = append(errs, fmt.Errorf("slots.pending_%s: set without slots.%s", name, name))
		}
	}
	if len(s.Pairs()) == 0 {
		errs = append(errs, errors.New("slots: every category is disabled"))
	}

	seen := make(map[string]bool)
	for _, n := range s.Names() {
		if seen[n] {
			errs = append(errs, fmt.Errorf("slots: %q is used twice", n))
		}
		seen[n] = true
	}
	return errs
}

// SecretFields returns the fields that may hold an env() or file()
// reference, for secrets.Expand.
func (c *Config) SecretFields() []*string {
	return []*string{
		&c.Backend.Redis.URL,
		&c.Backend.Postgres.DSN,
		&c.Metrics.Token,
	}
}

// LocalKey returns the parsed local element key.
func (c *Config) LocalKey() dcf.ElementKey {
	k, _ := dcf.ParseElementKey(c.Local)
	return k
}

// HostConfig returns the host configuration with the local key filled in.
func (c *Config) HostConfig() host.Config {
	h := c.Host
	h.Local = c.LocalKey()
	return h
}

// Engine converts the configuration for reconcile.New. policy overrides
// the configured policy when non-empty.
func (c *Config) Engine(policy string) (reconcile.Config, error) {
	if policy == "" {
		policy = c.Policy
	}
	p, err := reconcile.ParsePolicy(policy)
	if err != nil {
		return reconcile.Config{}, err
	}
	mode, err := readiness.ParseMode(c.Startup.Mode)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		Policy: p,
		Slots:  c.Slots.Pairs(),
		Startup: readiness.Config{
			Mode:         mode,
			LocalTimeout: c.Startup.LocalTimeout,
			External:     c.Startup.External,
			DVEs:         c.Startup.DVEs,
			Slot:         c.Slots.Startup,
		},
		AddTimeout: c.AddTimeout,
	}, nil
}
