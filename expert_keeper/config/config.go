// Package config holds the settings of the expert_keeper binaries. Values come
// from a yaml file and are overridden by the flags set on the command line.
package config

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/updator"
	"gopkg.in/yaml.v3"
)

const (
	StoreNone = "none"
	StoreFile = "file"
	StoreZk   = "zk"

	TransportLocal = "local"
	TransportGrpc  = "grpc"
)

type ServerConfig struct {
	HttpPort  int `yaml:"http_port"`
	DebugPort int `yaml:"debug_port"`
}

type StoreConfig struct {
	Backend          string        `yaml:"backend"`
	ExpertMapPath    string        `yaml:"expert_map_path"`
	ZkHosts          []string      `yaml:"zk_hosts"`
	ZkRoot           string        `yaml:"zk_root"`
	ZkSessionTimeout time.Duration `yaml:"zk_session_timeout"`
	ZkHistoryLimit   int           `yaml:"zk_history_limit"`
}

// PlannerConfig is used by the offline planner.
type PlannerConfig struct {
	Devices       int    `yaml:"devices"`
	Redundancy    int    `yaml:"redundancy"`
	Parallelism   int    `yaml:"parallelism"`
	Log2PhyPolicy string `yaml:"log2phy_policy"`
}

// SimConfig drives the simulated serving loop.
type SimConfig struct {
	WorldSize     int           `yaml:"world_size"`
	Steps         int           `yaml:"steps"`
	StepInterval  time.Duration `yaml:"step_interval"`
	TokensPerStep int           `yaml:"tokens_per_step"`
	TopK          int           `yaml:"top_k"`
	HotExperts    int           `yaml:"hot_experts"`
	HotRatio      float64       `yaml:"hot_ratio"`
	Seed          int64         `yaml:"seed"`
	Transport     string        `yaml:"transport"`
	GrpcBasePort  int           `yaml:"grpc_base_port"`
}

type LogConfig struct {
	Backend string `yaml:"backend"`
	Level   string `yaml:"level"`
	Verbose int32  `yaml:"verbose"`
}

type Config struct {
	Updator updator.Options `yaml:"updator"`
	Planner PlannerConfig   `yaml:"planner"`
	Server  ServerConfig    `yaml:"server"`
	Store   StoreConfig     `yaml:"store"`
	Sim     SimConfig       `yaml:"sim"`
	Log     LogConfig       `yaml:"log"`
}

func Default() *Config {
	opts := updator.DefaultOptions()
	opts.NumMoeLayers = 4
	opts.NumExperts = 16
	opts.FirstDenseLayers = 3
	return &Config{
		Updator: opts,
		Planner: PlannerConfig{
			Log2PhyPolicy: migration.PolicyRandom.String(),
		},
		Server: ServerConfig{
			HttpPort:  30200,
			DebugPort: 30201,
		},
		Store: StoreConfig{
			Backend:          StoreNone,
			ZkRoot:           "/expert_keeper",
			ZkSessionTimeout: 10 * time.Second,
			ZkHistoryLimit:   16,
		},
		Sim: SimConfig{
			WorldSize:     4,
			StepInterval:  10 * time.Millisecond,
			TokensPerStep: 64,
			TopK:          2,
			HotExperts:    2,
			HotRatio:      0.6,
			Seed:          1,
			Transport:     TransportLocal,
			GrpcBasePort:  30300,
		},
		Log: LogConfig{
			Backend: "std",
			Level:   "info",
		},
	}
}

// Load decodes path over the defaults. An empty path gives the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	output := Default()
	if path == "" {
		return output, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configurationf("read config %s: %v", path, err)
	}
	if err := output.decode(data); err != nil {
		return nil, errs.Configurationf("parse config %s: %v", path, err)
	}
	return output, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

type override func(c *Config, value string) error

func intOverride(set func(c *Config, v int)) override {
	return func(c *Config, value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func boolOverride(set func(c *Config, v bool)) override {
	return func(c *Config, value string) error {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func durationOverride(set func(c *Config, v time.Duration)) override {
	return func(c *Config, value string) error {
		v, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func stringOverride(set func(c *Config, v string)) override {
	return func(c *Config, value string) error {
		set(c, value)
		return nil
	}
}

func listOverride(set func(c *Config, v []string)) override {
	return func(c *Config, value string) error {
		var items []string
		for _, item := range strings.Split(strings.Trim(value, "[]"), ",") {
			for _, field := range strings.Fields(item) {
				items = append(items, field)
			}
		}
		set(c, items)
		return nil
	}
}

// overrides maps a command line flag name to the field it replaces.
var overrides = map[string]override{
	"http_port":  intOverride(func(c *Config, v int) { c.Server.HttpPort = v }),
	"debug_port": intOverride(func(c *Config, v int) { c.Server.DebugPort = v }),

	"num_iterations":             intOverride(func(c *Config, v int) { c.Updator.NumIterations = v }),
	"num_wait_worker_iterations": intOverride(func(c *Config, v int) { c.Updator.NumWaitWorkerIterations = v }),
	"gate":                       boolOverride(func(c *Config, v bool) { c.Updator.Gate = v }),
	"eager":                      boolOverride(func(c *Config, v bool) { c.Updator.Eager = v }),
	"num_redundancy_experts":     intOverride(func(c *Config, v int) { c.Updator.NumRedundancyExperts = v }),
	"buffer_tensor_num":          intOverride(func(c *Config, v int) { c.Updator.BufferTensorNum = v }),
	"first_dense_layers":         intOverride(func(c *Config, v int) { c.Updator.FirstDenseLayers = v }),
	"num_moe_layers":             intOverride(func(c *Config, v int) { c.Updator.NumMoeLayers = v }),
	"num_experts":                intOverride(func(c *Config, v int) { c.Updator.NumExperts = v }),
	"log2phy_policy":             stringOverride(func(c *Config, v string) { c.Updator.Log2PhyPolicy = v }),
	"shutdown_timeout":           durationOverride(func(c *Config, v time.Duration) { c.Updator.ShutdownTimeout = v }),
	"persist_expert_map":         boolOverride(func(c *Config, v bool) { c.Updator.PersistExpertMap = v }),

	"store_backend":      stringOverride(func(c *Config, v string) { c.Store.Backend = v }),
	"expert_map_path":    stringOverride(func(c *Config, v string) { c.Store.ExpertMapPath = v }),
	"zk_hosts":           listOverride(func(c *Config, v []string) { c.Store.ZkHosts = v }),
	"zk_root":            stringOverride(func(c *Config, v string) { c.Store.ZkRoot = v }),
	"zk_session_timeout": durationOverride(func(c *Config, v time.Duration) { c.Store.ZkSessionTimeout = v }),

	"world_size":    intOverride(func(c *Config, v int) { c.Sim.WorldSize = v }),
	"steps":         intOverride(func(c *Config, v int) { c.Sim.Steps = v }),
	"step_interval": durationOverride(func(c *Config, v time.Duration) { c.Sim.StepInterval = v }),
	"transport":     stringOverride(func(c *Config, v string) { c.Sim.Transport = v }),

	"log_backend": stringOverride(func(c *Config, v string) { c.Log.Backend = v }),
	"log_level":   stringOverride(func(c *Config, v string) { c.Log.Level = v }),
}

// ApplyFlags copies the flags explicitly set on fs into c. Flags that are
// not set keep the file values, and flags without a config field are
// ignored.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	var output error
	fs.Visit(func(f *flag.Flag) {
		apply, ok := overrides[f.Name]
		if !ok || output != nil {
			return
		}
		if err := apply(c, f.Value.String()); err != nil {
			output = errs.Configurationf("flag -%s=%s: %v", f.Name, f.Value.String(), err)
		}
	})
	return output
}

func (c *Config) Validate() error {
	if err := c.Updator.Validate(); err != nil {
		return err
	}
	if _, err := migration.ParsePolicy(c.Planner.Log2PhyPolicy); err != nil {
		return err
	}
	if c.Planner.Redundancy < 0 || c.Planner.Devices < 0 {
		return errs.Configurationf("planner devices and redundancy can't be negative")
	}
	for name, port := range map[string]int{"http_port": c.Server.HttpPort, "debug_port": c.Server.DebugPort} {
		if port < 0 || port > 65535 {
			return errs.Configurationf("invalid %s %d", name, port)
		}
	}
	switch c.Store.Backend {
	case "", StoreNone:
	case StoreFile:
		if c.Store.ExpertMapPath == "" {
			return errs.Configurationf("file store needs expert_map_path")
		}
	case StoreZk:
		if len(c.Store.ZkHosts) == 0 || c.Store.ZkRoot == "" {
			return errs.Configurationf("zk store needs zk_hosts and zk_root")
		}
	default:
		return errs.Configurationf("unknown store backend %q", c.Store.Backend)
	}
	if c.Updator.PersistExpertMap && (c.Store.Backend == "" || c.Store.Backend == StoreNone) {
		return errs.Configurationf("persist_expert_map needs a store backend")
	}
	if err := c.Sim.validate(c.Updator.NumExperts); err != nil {
		return err
	}
	switch c.Log.Backend {
	case "std", "zap":
	default:
		return errs.Configurationf("unknown log backend %q, expect std or zap", c.Log.Backend)
	}
	return nil
}

func (s *SimConfig) validate(experts int) error {
	if s.WorldSize <= 0 {
		return errs.Configurationf("world_size should be positive, got %d", s.WorldSize)
	}
	if s.Steps < 0 || s.TokensPerStep < 0 || s.StepInterval < 0 {
		return errs.Configurationf("steps, tokens_per_step and step_interval can't be negative")
	}
	if s.TopK <= 0 || s.TopK > experts {
		return errs.Configurationf("top_k %d should be in [1, %d]", s.TopK, experts)
	}
	if s.HotExperts < 0 || s.HotExperts > experts {
		return errs.Configurationf("hot_experts %d should be in [0, %d]", s.HotExperts, experts)
	}
	if s.HotRatio < 0 || s.HotRatio > 1 {
		return errs.Configurationf("hot_ratio %v should be in [0, 1]", s.HotRatio)
	}
	switch s.Transport {
	case TransportLocal, TransportGrpc:
	default:
		return errs.Configurationf("unknown transport %q", s.Transport)
	}
	return nil
}
