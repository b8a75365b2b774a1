package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultFrequencyInMinutes = 1
	DefaultPort               = 8080
)

// WarehouseConfig accepts either:
//  1. mapping form:
//     warehouse:
//     driver: postgres
//     dsn: postgres://...
//  2. scalar form, a SQLite path:
//     warehouse: /var/lib/sink-error-loader/logs.db
type WarehouseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

func (c *WarehouseConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		c.Driver = DriverSQLite
		c.DSN = strings.TrimSpace(value.Value)
		return nil
	case yaml.MappingNode:
		var tmp struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
		}
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		c.Driver = strings.TrimSpace(tmp.Driver)
		c.DSN = strings.TrimSpace(tmp.DSN)
		return nil
	default:
		return fmt.Errorf("warehouse: unexpected YAML node kind %d", value.Kind)
	}
}

func (c *WarehouseConfig) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		c.Driver = DriverSQLite
		c.DSN = strings.TrimSpace(v)
		return nil
	case map[string]any:
		if d, ok := v["driver"].(string); ok {
			c.Driver = strings.TrimSpace(d)
		}
		if dsn, ok := v["dsn"].(string); ok {
			c.DSN = strings.TrimSpace(dsn)
		}
		return nil
	default:
		return fmt.Errorf("warehouse: unexpected TOML value %T", data)
	}
}

type SanitizeConfig struct {
	RecurseSequences bool `yaml:"recurse_sequences" toml:"recurse_sequences"`
	MaxDepth         int  `yaml:"max_depth" toml:"max_depth"`
}

type FileConfig struct {
	Project     string `yaml:"project" toml:"project"`
	Dataset     string `yaml:"dataset" toml:"dataset"`
	TablePrefix string `yaml:"table_prefix" toml:"table_prefix"`
	// FrequencyInMinutes is how often the scheduler triggers a run.
	FrequencyInMinutes int             `yaml:"frequency_in_minutes" toml:"frequency_in_minutes"`
	Port               int             `yaml:"port" toml:"port"`
	Warehouse          WarehouseConfig `yaml:"warehouse" toml:"warehouse"`
	LogLevel           string          `yaml:"log_level" toml:"log_level"`
	// SyslogAddr enables run reports over syslog (tcp) when set.
	SyslogAddr string         `yaml:"syslog_addr" toml:"syslog_addr"`
	Timeout    time.Duration  `yaml:"timeout" toml:"timeout"`
	Bootstrap  bool           `yaml:"bootstrap" toml:"bootstrap"`
	Sanitize   SanitizeConfig `yaml:"sanitize" toml:"sanitize"`
}

// LoadConfig reads a YAML file, or a TOML file when the extension is .toml.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envBindings = []struct {
	key string
	env string
}{
	{"project", "PROJECT"},
	{"dataset", "LOG_DATASET"},
	{"table_prefix", "TABLE_PREFIX"},
	{"frequency_in_minutes", "FREQUENCY_IN_MINUTES"},
	{"port", "PORT"},
	{"warehouse.driver", "WAREHOUSE_DRIVER"},
	{"warehouse.dsn", "WAREHOUSE_DSN"},
	{"log_level", "LOG_LEVEL"},
	{"syslog_addr", "SYSLOG_ADDR"},
}

// ApplyEnv overrides cfg with the process environment.
func ApplyEnv(cfg *FileConfig) error {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return err
		}
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	num := func(key string, dst *int) error {
		if !v.IsSet(key) {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = n
		return nil
	}

	str("project", &cfg.Project)
	str("dataset", &cfg.Dataset)
	str("table_prefix", &cfg.TablePrefix)
	str("warehouse.driver", &cfg.Warehouse.Driver)
	str("warehouse.dsn", &cfg.Warehouse.DSN)
	str("log_level", &cfg.LogLevel)
	str("syslog_addr", &cfg.SyslogAddr)
	if err := num("frequency_in_minutes", &cfg.FrequencyInMinutes); err != nil {
		return err
	}
	return num("port", &cfg.Port)
}

// Config is the resolved configuration. Table names carry the UTC date the
// process resolved them on and do not change afterwards.
type Config struct {
	FileConfig
	Destination     TableID
	ErrorTable      TableID
	PollingInterval time.Duration
}

// Resolve fills defaults, validates, and derives the dated table names for now.
func (f FileConfig) Resolve(now time.Time) (*Config, error) {
	if f.FrequencyInMinutes == 0 {
		f.FrequencyInMinutes = DefaultFrequencyInMinutes
	}
	if f.Port == 0 {
		f.Port = DefaultPort
	}
	if f.Warehouse.Driver == "" {
		f.Warehouse.Driver = DriverSQLite
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}

	switch {
	case f.Project == "":
		return nil, fmt.Errorf("%w: project is required (PROJECT)", ErrInvalidConfig)
	case f.Dataset == "":
		return nil, fmt.Errorf("%w: dataset is required (LOG_DATASET)", ErrInvalidConfig)
	case f.TablePrefix == "":
		return nil, fmt.Errorf("%w: table prefix is required (TABLE_PREFIX)", ErrInvalidConfig)
	case f.FrequencyInMinutes < 0:
		return nil, fmt.Errorf("%w: frequency_in_minutes must be positive, got %d", ErrInvalidConfig, f.FrequencyInMinutes)
	case f.Port < 0 || f.Port > 65535:
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, f.Port)
	case f.Timeout < 0:
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}

	cfg := &Config{
		FileConfig:      f,
		Destination:     DatedTable(f.Project, f.Dataset, f.TablePrefix, now),
		ErrorTable:      DatedTable(f.Project, f.Dataset, ErrorTablePrefix, now),
		PollingInterval: time.Duration(f.FrequencyInMinutes) * time.Minute,
	}
	if err := cfg.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.ErrorTable.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func (c *Config) StoreConfig() StoreConfig {
	return StoreConfig{
		Driver:  c.Warehouse.Driver,
		DSN:     c.Warehouse.DSN,
		Project: c.Project,
		Dataset: c.Dataset,
	}
}

func (c *Config) TriggerConfig() TriggerConfig {
	return TriggerConfig{
		Destination:     c.Destination,
		ErrorTable:      c.ErrorTable,
		PollingInterval: c.PollingInterval,
		Timeout:         c.Timeout,
		Sanitize: SanitizeOptions{
			RecurseSequences: c.Sanitize.RecurseSequences,
			MaxDepth:         c.Sanitize.MaxDepth,
		},
	}
}
