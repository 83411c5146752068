// Package config loads the app property bag from YAML and
// exposes it both as a typed struct and as a generic value.Value object so
// extensions can read app:-scoped keys at runtime.
package config

import (
	"encoding/json"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataflowrt/core/graph"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

const (
	// LogLevelDebug is the log_level threshold at or above which debug
	// severity is emitted.
	LogLevelDebug = 2

	// DefaultPathCheckIntervalUs is the sweep cadence used when
	// path_check_interval is unset.
	DefaultPathCheckIntervalUs = int64(10 * time.Second / time.Microsecond)
	// DefaultPathTimeoutUs is the entry lifetime used when path_timeout is
	// unset.
	DefaultPathTimeoutUs = int64(5 * time.Minute / time.Microsecond)
)

// App is the recognized app property bag.
// Interval keys are microseconds, matching the wire-level convention the
// timer subsystem uses (timeout_in_us).
type App struct {
	URI                   string `yaml:"uri" json:"uri"`
	LogLevel              int    `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	LogFile               string `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	LongRunningMode       bool   `yaml:"long_running_mode,omitempty" json:"long_running_mode,omitempty"`
	OneEventLoopPerEngine bool   `yaml:"one_event_loop_per_engine,omitempty" json:"one_event_loop_per_engine,omitempty"`
	PathCheckIntervalUs   int64  `yaml:"path_check_interval,omitempty" json:"path_check_interval,omitempty"`
	PathTimeoutUs         int64  `yaml:"path_timeout,omitempty" json:"path_timeout,omitempty"`

	PredefinedGraphs []PredefinedGraph `yaml:"predefined_graphs,omitempty" json:"predefined_graphs,omitempty"`

	// HealthAddr, when set, serves grpc.health.v1.Health on a dedicated
	// listener for process supervisors.
	HealthAddr string `yaml:"health_addr,omitempty" json:"health_addr,omitempty"`

	// RedisAddr, when set, backs singleton-graph locking with a shared
	// Redis instead of the in-process lock.
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`

	// MongoURI, when set, persists the start/stop-graph audit ledger.
	MongoURI      string `yaml:"mongo_uri,omitempty" json:"mongo_uri,omitempty"`
	MongoDatabase string `yaml:"mongo_database,omitempty" json:"mongo_database,omitempty"`

	// TemporalHostPort, when set, makes tenappd dial Temporal and run the
	// control-plane worker (StartGraphWorkflow and its activities).
	// Controller.StartGraph still forwards remote subsets synchronously.
	TemporalHostPort  string `yaml:"temporal_host_port,omitempty" json:"temporal_host_port,omitempty"`
	TemporalNamespace string `yaml:"temporal_namespace,omitempty" json:"temporal_namespace,omitempty"`

	// AddonRegistryEndpoint, when set, is the remote addon catalog
	// consulted for addon types not registered in-process.
	AddonRegistryEndpoint string `yaml:"addon_registry_endpoint,omitempty" json:"addon_registry_endpoint,omitempty"`
	AddonRegistryToken    string `yaml:"addon_registry_token,omitempty" json:"addon_registry_token,omitempty"`
}

// PredefinedGraph is one entry of predefined_graphs.
type PredefinedGraph struct {
	Name       string `yaml:"name" json:"name"`
	AutoStart  bool   `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	Singleton  bool   `yaml:"singleton,omitempty" json:"singleton,omitempty"`
	graph.Spec `yaml:",inline"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (*App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "reading config %s", path)
	}
	return Parse(raw)
}

// Parse decodes YAML config bytes, applies defaults, and validates.
func Parse(raw []byte) (*App, error) {
	var cfg App
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "parsing config yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *App) applyDefaults() {
	if c.PathCheckIntervalUs <= 0 {
		c.PathCheckIntervalUs = DefaultPathCheckIntervalUs
	}
	if c.PathTimeoutUs <= 0 {
		c.PathTimeoutUs = DefaultPathTimeoutUs
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "dataflowrt"
	}
	if c.TemporalNamespace == "" {
		c.TemporalNamespace = "default"
	}
}

// Validate rejects configs no app could run with.
func (c *App) Validate() error {
	if c.URI == "" {
		return tenerr.InvalidArgumentf("config: uri is required")
	}
	seen := make(map[string]struct{}, len(c.PredefinedGraphs))
	for _, g := range c.PredefinedGraphs {
		if g.Name == "" {
			return tenerr.InvalidArgumentf("config: predefined graph with empty name")
		}
		if _, dup := seen[g.Name]; dup {
			return tenerr.InvalidArgumentf("config: predefined graph %q declared twice", g.Name)
		}
		seen[g.Name] = struct{}{}
		if err := g.Spec.Validate(c.URI); err != nil {
			return tenerr.Wrap(tenerr.InvalidArgument, err, "config: predefined graph %q", g.Name)
		}
	}
	return nil
}

// PathCheckInterval returns path_check_interval as a duration.
func (c *App) PathCheckInterval() time.Duration {
	return time.Duration(c.PathCheckIntervalUs) * time.Microsecond
}

// PathTimeout returns path_timeout as a duration.
func (c *App) PathTimeout() time.Duration {
	return time.Duration(c.PathTimeoutUs) * time.Microsecond
}

// Predefined returns the predefined graph declared under name, if any.
func (c *App) Predefined(name string) (PredefinedGraph, bool) {
	for _, g := range c.PredefinedGraphs {
		if g.Name == name {
			return g, true
		}
	}
	return PredefinedGraph{}, false
}

// ToValue projects the config into the generic property value system, for
// app:-prefixed reads from extensions.
func (c *App) ToValue() (value.Value, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return value.Value{}, tenerr.Wrap(tenerr.InvalidArgument, err, "projecting config")
	}
	return value.UnmarshalJSONBytes(raw)
}
