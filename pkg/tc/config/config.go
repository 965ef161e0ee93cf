package config

import (
	"fmt"
	"io/ioutil"
	"time"

	gxnet "github.com/dubbogo/gost/net"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	defaultPort = 8091
)

// Configuration of the lock coordinator.
type Configuration struct {
	// Addressing prefixes every session id, ip:port of this coordinator.
	Addressing string `yaml:"addressing"`
	// ServerNode is the snowflake worker id, negative derives it from the local ip.
	ServerNode int64 `yaml:"server_node"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Lock    LockConfig    `yaml:"lock"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`

	Policies       map[string]model.LockPolicy `yaml:"policies"`
	StrictPolicies bool                        `yaml:"strict_policies"`
}

type LogConfig struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`
}

type MetricsConfig struct {
	// Listen is the address /metrics is served on, empty disables it.
	Listen string `yaml:"listen"`
}

type LockConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
}

type SessionConfig struct {
	MaxIdle       time.Duration `yaml:"max_idle"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	// Driver is one of memory, mysql, postgres.
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	PKColumn string `yaml:"pk_column"`
	// NativeWaitTimeout bounds native lock waits of the memory driver.
	NativeWaitTimeout time.Duration `yaml:"native_wait_timeout"`
}

// GetDefaultConfig returns a configuration that runs fully in memory.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Addressing: defaultAddressing(),
		ServerNode: -1,
		Log: LogConfig{
			LogLevel: "info",
		},
		Metrics: MetricsConfig{
			Listen: ":9898",
		},
		Lock: LockConfig{
			DefaultTimeout:  30 * time.Second,
			CleanupInterval: 5 * time.Second,
			BackoffBase:     100 * time.Millisecond,
		},
		Session: SessionConfig{
			MaxIdle:       10 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:            DriverMemory,
			PKColumn:          "id",
			NativeWaitTimeout: 5 * time.Second,
		},
	}
}

// Parse reads the YAML file at path over the defaults.
func Parse(path string) (*Configuration, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	conf, err := ParseBytes(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	return conf, nil
}

// ParseBytes decodes YAML over the defaults and validates the result.
func ParseBytes(content []byte) (*Configuration, error) {
	conf := GetDefaultConfig()
	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Configuration) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL, DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return errors.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Addressing == "" {
		return errors.New("addressing must not be empty")
	}
	if c.Lock.DefaultTimeout <= 0 {
		return errors.New("lock.default_timeout must be positive")
	}
	if c.Lock.CleanupInterval <= 0 || c.Session.SweepInterval <= 0 {
		return errors.New("lock.cleanup_interval and session.sweep_interval must be positive")
	}
	if c.Session.MaxIdle <= 0 {
		return errors.New("session.max_idle must be positive")
	}
	for entityType, policy := range c.Policies {
		if policy.MaxRetries < 0 {
			return errors.Errorf("policies.%s.max_retries must not be negative", entityType)
		}
		if policy.MaxHoldTime < 0 {
			return errors.Errorf("policies.%s.max_hold_time must not be negative", entityType)
		}
	}
	return nil
}

func defaultAddressing() string {
	ip, err := gxnet.GetLocalIP()
	if err != nil {
		ip = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", ip, defaultPort)
}
