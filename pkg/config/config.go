// Package config loads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/ingress"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/proxy"
	"github.com/CreepyPvP/nanocl/pkg/runtime"
)

const (
	DefaultDataDir       = "/var/lib/nanocl"
	DefaultSocket        = "/run/nanocl/nanocl.sock"
	DefaultMetricsAddr   = "127.0.0.1:9090"
	DefaultConfDir       = "/etc/nginx"
	DefaultReloadCommand = "nginx -s reload"
)

// Config is the daemon configuration
type Config struct {
	DataDir string
	API     APIConfig
	Metrics MetricsConfig
	Log     LogConfig
	Events  events.Options
	Proxy   ProxyConfig
	Runtime RuntimeConfig
}

// APIConfig selects where the control API listens. Address (host:port)
// takes precedence over Socket.
type APIConfig struct {
	Socket  string
	Address string
}

// MetricsConfig configures the metrics and health endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Address string
}

// LogConfig configures the global logger
type LogConfig struct {
	Level log.Level
	JSON  bool
}

// ProxyConfig configures the gateway projector
type ProxyConfig struct {
	Enabled        bool
	ConfDir        string
	ReloadCommand  string
	ResyncInterval time.Duration
	Networks       proxy.Listeners
}

// RuntimeConfig configures the container runtime effector
type RuntimeConfig struct {
	Enabled          bool
	ContainerdSocket string
	Namespace        string
	HostAddress      string
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		DataDir: DefaultDataDir,
		API:     APIConfig{Socket: DefaultSocket},
		Metrics: MetricsConfig{Address: DefaultMetricsAddr},
		Log:     LogConfig{Level: log.InfoLevel},
		Events:  events.DefaultOptions(),
		Proxy: ProxyConfig{
			Enabled:        true,
			ConfDir:        DefaultConfDir,
			ReloadCommand:  DefaultReloadCommand,
			ResyncInterval: ingress.DefaultResyncInterval,
			Networks:       proxy.DefaultListeners(),
		},
		Runtime: RuntimeConfig{
			Enabled:          false,
			ContainerdSocket: runtime.DefaultSocketPath,
			Namespace:        runtime.DefaultNamespace,
			HostAddress:      "127.0.0.1",
		},
	}
}

type fileConfig struct {
	DataDir string `toml:"data_dir"`
	API     struct {
		Socket  string `toml:"socket"`
		Address string `toml:"address"`
	} `toml:"api"`
	Metrics struct {
		Address string `toml:"address"`
	} `toml:"metrics"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
	Events struct {
		Buffer int    `toml:"buffer"`
		Policy string `toml:"policy"`
	} `toml:"events"`
	Proxy struct {
		Enabled        bool            `toml:"enabled"`
		ConfDir        string          `toml:"conf_dir"`
		ReloadCommand  string          `toml:"reload_command"`
		ResyncInterval string          `toml:"resync_interval"`
		Networks       proxy.Listeners `toml:"networks"`
	} `toml:"proxy"`
	Runtime struct {
		Enabled          bool   `toml:"enabled"`
		ContainerdSocket string `toml:"containerd_socket"`
		Namespace        string `toml:"namespace"`
		HostAddress      string `toml:"host_address"`
	} `toml:"runtime"`
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	str := func(dst *string, value string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(value)
		}
	}

	str(&cfg.DataDir, raw.DataDir, "data_dir")
	str(&cfg.API.Socket, raw.API.Socket, "api", "socket")
	str(&cfg.API.Address, raw.API.Address, "api", "address")
	str(&cfg.Metrics.Address, raw.Metrics.Address, "metrics", "address")

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = log.Level(strings.ToLower(strings.TrimSpace(raw.Log.Level)))
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if meta.IsDefined("events", "buffer") {
		cfg.Events.Buffer = raw.Events.Buffer
	}
	if meta.IsDefined("events", "policy") {
		cfg.Events.Policy = events.Policy(strings.ToLower(strings.TrimSpace(raw.Events.Policy)))
	}

	if meta.IsDefined("proxy", "enabled") {
		cfg.Proxy.Enabled = raw.Proxy.Enabled
	}
	str(&cfg.Proxy.ConfDir, raw.Proxy.ConfDir, "proxy", "conf_dir")
	str(&cfg.Proxy.ReloadCommand, raw.Proxy.ReloadCommand, "proxy", "reload_command")
	if meta.IsDefined("proxy", "resync_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Proxy.ResyncInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse proxy.resync_interval: %w", err)
		}
		cfg.Proxy.ResyncInterval = d
	}
	str(&cfg.Proxy.Networks.Public, raw.Proxy.Networks.Public, "proxy", "networks", "public")
	str(&cfg.Proxy.Networks.Private, raw.Proxy.Networks.Private, "proxy", "networks", "private")
	str(&cfg.Proxy.Networks.Internal, raw.Proxy.Networks.Internal, "proxy", "networks", "internal")

	if meta.IsDefined("runtime", "enabled") {
		cfg.Runtime.Enabled = raw.Runtime.Enabled
	}
	str(&cfg.Runtime.ContainerdSocket, raw.Runtime.ContainerdSocket, "runtime", "containerd_socket")
	str(&cfg.Runtime.Namespace, raw.Runtime.Namespace, "runtime", "namespace")
	str(&cfg.Runtime.HostAddress, raw.Runtime.HostAddress, "runtime", "host_address")

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.API.Socket == "" && c.API.Address == "" {
		errs = append(errs, errors.New("api.socket or api.address is required"))
	}
	if !c.Log.Level.Valid() {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer))
	}
	if _, err := events.ParsePolicy(string(c.Events.Policy)); err != nil {
		errs = append(errs, fmt.Errorf("events.policy: %w", err))
	}
	if c.Proxy.Enabled {
		if c.Proxy.ConfDir == "" {
			errs = append(errs, errors.New("proxy.conf_dir is required"))
		}
		if c.Proxy.ResyncInterval <= 0 {
			errs = append(errs, fmt.Errorf("proxy.resync_interval must be positive, got %s", c.Proxy.ResyncInterval))
		}
		if c.Proxy.Networks.Public == "" || c.Proxy.Networks.Private == "" || c.Proxy.Networks.Internal == "" {
			errs = append(errs, errors.New("proxy.networks needs public, private and internal addresses"))
		}
	}
	if c.Runtime.Enabled && c.Runtime.HostAddress == "" {
		errs = append(errs, errors.New("runtime.host_address is required"))
	}

	return errors.Join(errs...)
}
