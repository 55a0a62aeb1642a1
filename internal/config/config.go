// Package config loads posd settings from posd.yaml, POSD_* environment
// variables and built-in defaults, in increasing order of precedence:
// defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/logging"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
)

// FileName is the config file searched for when no path is given.
const FileName = "posd.yaml"

// EnvPrefix prefixes environment overrides: device.role -> POSD_DEVICE_ROLE.
const EnvPrefix = "POSD"

// Device roles.
const (
	RoleHost    = "host"
	RoleClient  = "client"
	RoleDisplay = "display"
)

type Config struct {
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment" yaml:"fulfillment"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Cloud       CloudConfig       `mapstructure:"cloud" yaml:"cloud"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	P2P         P2PConfig         `mapstructure:"p2p" yaml:"p2p"`
	Logging     logging.Config    `mapstructure:"logging" yaml:"logging"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

type DeviceConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Role string `mapstructure:"role" yaml:"role"`
}

type FulfillmentConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type CloudConfig struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type QueueConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
	RetryInitial  time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
}

type CatalogConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Resources     []string      `mapstructure:"resources" yaml:"resources"`
	ImportDir     string        `mapstructure:"import_dir" yaml:"import_dir"`
}

type P2PConfig struct {
	ServiceID       string        `mapstructure:"service_id" yaml:"service_id"`
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	BeaconAddr      string        `mapstructure:"beacon_addr" yaml:"beacon_addr"`
	DiscoveryAddr   string        `mapstructure:"discovery_addr" yaml:"discovery_addr"`
	HostAddr        string        `mapstructure:"host_addr" yaml:"host_addr"`
	BeaconInterval  time.Duration `mapstructure:"beacon_interval" yaml:"beacon_interval"`
	ProtocolVersion string        `mapstructure:"protocol_version" yaml:"protocol_version"`
}

// Default returns the built-in configuration.
func Default() *Config {
	id, err := os.Hostname()
	if err != nil || id == "" {
		id = "posd"
	}
	resources := make([]string, 0, len(schema.CatalogResources))
	for _, r := range schema.CatalogResources {
		resources = append(resources, string(r))
	}
	return &Config{
		Device:      DeviceConfig{ID: id, Role: RoleHost},
		Fulfillment: FulfillmentConfig{Mode: string(fulfillment.ModeStandard)},
		Store:       StoreConfig{Path: "posd.db"},
		Cloud: CloudConfig{
			Driver:       cloud.DriverSQLite,
			DSN:          "hub.db",
			PollInterval: 500 * time.Millisecond,
		},
		Queue: QueueConfig{
			DrainInterval: 30 * time.Second,
			RetryInitial:  5 * time.Second,
			RetryMax:      5 * time.Minute,
		},
		Catalog: CatalogConfig{
			CheckInterval: 2 * time.Minute,
			Resources:     resources,
		},
		P2P: P2PConfig{
			ServiceID:       p2p.DefaultServiceID,
			ListenAddr:      ":47801",
			BeaconAddr:      p2p.DefaultBeaconAddr,
			DiscoveryAddr:   p2p.DefaultBeaconListen,
			BeaconInterval:  2 * time.Second,
			ProtocolVersion: p2p.DefaultProtocolVersion,
		},
		Logging: logging.Config{
			MaxSizeMB:  32,
			MaxBackups: 2,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("device.id", d.Device.ID)
	v.SetDefault("device.role", d.Device.Role)
	v.SetDefault("fulfillment.mode", d.Fulfillment.Mode)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("cloud.driver", d.Cloud.Driver)
	v.SetDefault("cloud.dsn", d.Cloud.DSN)
	v.SetDefault("cloud.poll_interval", d.Cloud.PollInterval)
	v.SetDefault("queue.drain_interval", d.Queue.DrainInterval)
	v.SetDefault("queue.retry_initial", d.Queue.RetryInitial)
	v.SetDefault("queue.retry_max", d.Queue.RetryMax)
	v.SetDefault("catalog.check_interval", d.Catalog.CheckInterval)
	v.SetDefault("catalog.resources", d.Catalog.Resources)
	v.SetDefault("catalog.import_dir", d.Catalog.ImportDir)
	v.SetDefault("p2p.service_id", d.P2P.ServiceID)
	v.SetDefault("p2p.listen_addr", d.P2P.ListenAddr)
	v.SetDefault("p2p.beacon_addr", d.P2P.BeaconAddr)
	v.SetDefault("p2p.discovery_addr", d.P2P.DiscoveryAddr)
	v.SetDefault("p2p.host_addr", d.P2P.HostAddr)
	v.SetDefault("p2p.beacon_interval", d.P2P.BeaconInterval)
	v.SetDefault("p2p.protocol_version", d.P2P.ProtocolVersion)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Load reads the config. With an empty path, posd.yaml is looked up in the
// working directory and then the user config dir; a missing file is not an
// error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "posd"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enums and non-positive intervals.
func (c *Config) Validate() error {
	switch c.Device.Role {
	case RoleHost, RoleClient, RoleDisplay:
	default:
		return fmt.Errorf("invalid device.role %q (expected host, client or display)", c.Device.Role)
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if _, err := fulfillment.ParseMode(c.Fulfillment.Mode); err != nil {
		return fmt.Errorf("invalid fulfillment.mode: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Cloud.Driver {
	case cloud.DriverSQLite, cloud.DriverPostgres:
	default:
		return fmt.Errorf("invalid cloud.driver %q (expected sqlite or postgres)", c.Cloud.Driver)
	}
	if _, err := c.CatalogResources(); err != nil {
		return err
	}

	intervals := []struct {
		key string
		d   time.Duration
	}{
		{"cloud.poll_interval", c.Cloud.PollInterval},
		{"queue.drain_interval", c.Queue.DrainInterval},
		{"queue.retry_initial", c.Queue.RetryInitial},
		{"queue.retry_max", c.Queue.RetryMax},
		{"catalog.check_interval", c.Catalog.CheckInterval},
		{"p2p.beacon_interval", c.P2P.BeaconInterval},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.key, iv.d)
		}
	}
	if c.Queue.RetryMax < c.Queue.RetryInitial {
		return fmt.Errorf("queue.retry_max (%s) is less than queue.retry_initial (%s)", c.Queue.RetryMax, c.Queue.RetryInitial)
	}
	return nil
}

// CatalogResources parses catalog.resources.
func (c *Config) CatalogResources() ([]schema.Resource, error) {
	out := make([]schema.Resource, 0, len(c.Catalog.Resources))
	for _, name := range c.Catalog.Resources {
		r, err := schema.ParseResource(name)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog.resources: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Mode returns the parsed fulfillment mode. Call after Validate.
func (c *Config) Mode() fulfillment.Mode {
	m, _ := fulfillment.ParseMode(c.Fulfillment.Mode)
	return m
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Write saves c to path as YAML. It refuses to overwrite an existing file
// unless force is set.
func Write(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
