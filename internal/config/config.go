package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFile is loaded when no explicit config file is given and it exists.
const DefaultFile = "config/default.yaml"

// Config represents the complete configuration for the bridge.
type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Controllers ControllersConfig `yaml:"controllers"`
	Loop        LoopConfig        `yaml:"loop"`
	Ops         OpsConfig         `yaml:"ops"`
	Audit       AuditConfig       `yaml:"audit"`
}

// NetworkConfig holds client listener settings.
type NetworkConfig struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	Protocol       string        `yaml:"protocol"`
	MaxConnections int           `yaml:"maxConnections"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxFrameBytes  int           `yaml:"maxFrameBytes"`
}

// ControllersConfig holds the managed controller set.
type ControllersConfig struct {
	IDs       []int  `yaml:"ids"`
	Transport string `yaml:"transport"`
}

// LoopConfig holds keep-alive timing.
type LoopConfig struct {
	Period          time.Duration `yaml:"period"`
	WatchdogTimeout time.Duration `yaml:"watchdogTimeout"`
	CommandTimeout  time.Duration `yaml:"commandTimeout"`
	StatsInterval   time.Duration `yaml:"statsInterval"`
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`
}

// OpsConfig holds the operations HTTP listener. An empty address disables it.
type OpsConfig struct {
	Address string `yaml:"address"`
}

// AuditConfig holds the audit journal settings. An empty dir disables it.
type AuditConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Addr returns the client listen address in host:port form.
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Address:        "localhost",
			Port:           5135,
			Protocol:       "line",
			MaxConnections: 64,
			ReadTimeout:    2 * time.Minute,
			WriteTimeout:   5 * time.Second,
			MaxFrameBytes:  64 * 1024,
		},
		Controllers: ControllersConfig{
			IDs:       []int{1},
			Transport: "sim",
		},
		Loop: LoopConfig{
			Period:          5 * time.Millisecond,
			WatchdogTimeout: 100 * time.Millisecond,
			CommandTimeout:  20 * time.Millisecond,
			StatsInterval:   time.Second,
			ShutdownGrace:   2 * time.Second,
		},
		Audit: AuditConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// environment overrides, then validation. path may be empty, in which case
// MCB_CONFIG or DefaultFile is used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MCB_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		if err := loadFromFile(cfg, DefaultFile); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", DefaultFile, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// applyEnvOverrides applies environment variable overrides. Malformed values
// are reported instead of silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}

	str("ADDRESS", &cfg.Network.Address)
	integer("PORT", &cfg.Network.Port)
	str("MCB_PROTOCOL", &cfg.Network.Protocol)
	integer("MCB_MAX_CONNECTIONS", &cfg.Network.MaxConnections)
	duration("MCB_READ_TIMEOUT", &cfg.Network.ReadTimeout)
	duration("MCB_WRITE_TIMEOUT", &cfg.Network.WriteTimeout)
	integer("MCB_MAX_FRAME_BYTES", &cfg.Network.MaxFrameBytes)

	if v, ok := os.LookupEnv("MCB_CONTROLLERS"); ok && v != "" {
		ids, err := ParseIDs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MCB_CONTROLLERS: %w", err))
		} else {
			cfg.Controllers.IDs = ids
		}
	}
	str("MCB_TRANSPORT", &cfg.Controllers.Transport)

	duration("MCB_LOOP_PERIOD", &cfg.Loop.Period)
	duration("MCB_WATCHDOG_TIMEOUT", &cfg.Loop.WatchdogTimeout)
	duration("MCB_COMMAND_TIMEOUT", &cfg.Loop.CommandTimeout)
	duration("MCB_STATS_INTERVAL", &cfg.Loop.StatsInterval)
	duration("MCB_SHUTDOWN_GRACE", &cfg.Loop.ShutdownGrace)

	str("MCB_OPS_ADDRESS", &cfg.Ops.Address)
	str("MCB_AUDIT_DIR", &cfg.Audit.Dir)

	return errors.Join(errs...)
}

// ParseIDs parses a comma separated controller id list such as "1,2".
func ParseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("empty controller list")
	}
	return ids, nil
}
