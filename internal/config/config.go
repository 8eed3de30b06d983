package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/workerd/internal/demux"
	"github.com/loykin/workerd/internal/logger"
	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/pool"
)

// Config is the top-level TOML structure. Pools are declared in code with
// their callbacks; [[pools]] entries override the tunable fields by name.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	API        APIConfig        `toml:"api" mapstructure:"api"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Pools      []PoolConfig     `toml:"pools" mapstructure:"pools"`

	path string
}

type SupervisorConfig struct {
	PIDFile      string        `toml:"pid_file" mapstructure:"pid_file"`
	StatusFile   string        `toml:"status_file" mapstructure:"status_file"`
	Backend      string        `toml:"backend" mapstructure:"backend"`
	KillTimeout  time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	RespawnDelay time.Duration `toml:"respawn_delay" mapstructure:"respawn_delay"`
	// WatchConfig reloads the workers when the config file changes.
	WatchConfig bool     `toml:"watch_config" mapstructure:"watch_config"`
	Env         []string `toml:"env" mapstructure:"env"`
	EnvFiles    []string `toml:"env_files" mapstructure:"env_files"`
}

type MetricsConfig struct {
	Enabled bool                        `toml:"enabled" mapstructure:"enabled"`
	Workers metrics.WorkerMetricsConfig `toml:"workers" mapstructure:"workers"`
}

type APIConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Sinks are DSNs: sqlite path, postgres://, clickhouse://, opensearch://.
	Sinks  []string `toml:"sinks" mapstructure:"sinks"`
	Buffer int      `toml:"buffer" mapstructure:"buffer"`
}

// PoolConfig overrides a code-declared pool; nil fields keep the code value.
type PoolConfig struct {
	Name           string   `toml:"name" mapstructure:"name"`
	Endpoint       *string  `toml:"endpoint" mapstructure:"endpoint"`
	Count          *int     `toml:"count" mapstructure:"count"`
	User           *string  `toml:"user" mapstructure:"user"`
	Group          *string  `toml:"group" mapstructure:"group"`
	Reloadable     *bool    `toml:"reloadable" mapstructure:"reloadable"`
	ReusePort      *bool    `toml:"reuse_port" mapstructure:"reuse_port"`
	Listen         *bool    `toml:"listen" mapstructure:"listen"`
	HighWaterMark  *int     `toml:"high_water_mark" mapstructure:"high_water_mark"`
	MaxPackageSize *int     `toml:"max_package_size" mapstructure:"max_package_size"`
	Env            []string `toml:"env" mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.pid_file", filepath.Join(os.TempDir(), "workerd.pid"))
	v.SetDefault("supervisor.status_file", filepath.Join(os.TempDir(), "workerd.status"))
	v.SetDefault("supervisor.backend", demux.BackendAuto)
	v.SetDefault("supervisor.kill_timeout", "5s")
	v.SetDefault("supervisor.respawn_delay", "1s")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.workers.interval", "5s")
	v.SetDefault("metrics.workers.max_history", 100)
	v.SetDefault("api.listen", "127.0.0.1:8090")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("history.buffer", 256)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return c
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("WORKERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.API.BasePath != "" && !strings.HasPrefix(c.API.BasePath, "/") {
		c.API.BasePath = "/" + c.API.BasePath
	}
	return &c, nil
}

// Load reads a TOML file; an empty path yields the defaults. WORKERD_*
// environment variables override scalar settings (WORKERD_SUPERVISOR_PID_FILE).
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	c.path = path
	return c, nil
}

// Path is the absolute path the config was loaded from, empty for defaults.
func (c *Config) Path() string { return c.path }

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("config: [[pools]] entry requires name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: pool %s listed twice", p.Name)
		}
		seen[p.Name] = true
		if p.Count != nil && *p.Count < 0 {
			return fmt.Errorf("config: pool %s: negative count", p.Name)
		}
	}
	if c.Supervisor.KillTimeout < 0 || c.Supervisor.RespawnDelay < 0 {
		return fmt.Errorf("config: negative supervisor timeout")
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return fmt.Errorf("config: history enabled without sinks")
	}
	return nil
}

// Apply overrides the declared pools with the [[pools]] entries. Every entry
// must name a declared pool.
func (c *Config) Apply(specs []*pool.Spec) error {
	byName := make(map[string]*pool.Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	for _, pc := range c.Pools {
		s, ok := byName[pc.Name]
		if !ok {
			return fmt.Errorf("config: %w: %s", pool.ErrNotFound, pc.Name)
		}
		if pc.Endpoint != nil {
			s.Endpoint = *pc.Endpoint
		}
		if pc.Count != nil {
			s.Count = *pc.Count
		}
		if pc.User != nil {
			s.User = *pc.User
		}
		if pc.Group != nil {
			s.Group = *pc.Group
		}
		if pc.Reloadable != nil {
			s.Reloadable = *pc.Reloadable
		}
		if pc.ReusePort != nil {
			s.ReusePort = *pc.ReusePort
		}
		if pc.Listen != nil {
			s.Listen = *pc.Listen
		}
		if pc.HighWaterMark != nil {
			s.HighWaterMark = *pc.HighWaterMark
		}
		if pc.MaxPackageSize != nil {
			s.MaxPackageSize = *pc.MaxPackageSize
		}
	}
	return nil
}

// WorkerEnv composes the extra environment of a pool's workers:
// env_files in order, then [supervisor] env, then the pool's env.
func (c *Config) WorkerEnv(poolName string) ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Supervisor.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	apply := func(kvs []string) {
		for _, kv := range kvs {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				m[k] = v
			}
		}
	}
	apply(c.Supervisor.Env)
	for _, pc := range c.Pools {
		if pc.Name == poolName {
			apply(pc.Env)
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
