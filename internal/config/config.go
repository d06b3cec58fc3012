// Package config loads and validates the router's typed configuration,
// generalizing the teacher's bare config.yml read in cmd/goqtt/main.go
// into the full knob set spec.md §9 names (lock mode, worker pool size,
// session queue/expiry, shared-subscription policy, ACL cache, retained
// storage backend) plus the server bind address.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/pkg/er"
)

// Config is the fully-resolved, validated configuration tree.
type Config struct {
	Routing            RoutingConfig            `yaml:"routing" toml:"routing"`
	Session            SessionConfig            `yaml:"session" toml:"session"`
	SharedSubscription SharedSubscriptionConfig `yaml:"shared_subscription" toml:"shared_subscription"`
	ACL                ACLConfig                `yaml:"acl" toml:"acl"`
	Retained           RetainedConfig           `yaml:"retained" toml:"retained"`
	Server             ServerConfig             `yaml:"server" toml:"server"`
	Hooks              HooksConfig              `yaml:"hooks" toml:"hooks"`
}

type RoutingConfig struct {
	LockMode       string `yaml:"lock_mode" toml:"lock_mode"`
	WorkerPoolSize int    `yaml:"worker_pool_size" toml:"worker_pool_size"`
}

type SessionConfig struct {
	Queue  QueueConfig  `yaml:"queue" toml:"queue"`
	Expiry ExpiryConfig `yaml:"expiry" toml:"expiry"`
}

type QueueConfig struct {
	Max      int    `yaml:"max" toml:"max"`
	Overflow string `yaml:"overflow" toml:"overflow"`
}

type ExpiryConfig struct {
	Default time.Duration `yaml:"default" toml:"default"`
}

type SharedSubscriptionConfig struct {
	Policy string `yaml:"policy" toml:"policy"`
}

type ACLConfig struct {
	Cache ACLCacheConfig `yaml:"cache" toml:"cache"`
}

type ACLCacheConfig struct {
	MaxSize int           `yaml:"max_size" toml:"max_size"`
	TTL     time.Duration `yaml:"ttl" toml:"ttl"`
}

type RetainedConfig struct {
	Storage string `yaml:"storage" toml:"storage"`
	DSN     string `yaml:"dsn" toml:"dsn"`
}

type ServerConfig struct {
	Port string `yaml:"port" toml:"port"`
}

// HooksConfig selects the built-in scriptable hook backend (spec.md
// §4.9). LuaScript, if set, is loaded as a hooks.LuaHook and registered
// against the message.publish and client.check_acl hookpoints.
type HooksConfig struct {
	LuaScript string `yaml:"lua_script" toml:"lua_script"`
}

// defaults mirrors the zero-value behavior of broker.ParseOverflowPolicy
// and broker.ParseSharedPolicy (empty string resolves to their first
// enum member), made explicit here so a bare config.yml still produces a
// usable tree.
func defaults() Config {
	return Config{
		Routing: RoutingConfig{LockMode: "key", WorkerPoolSize: 8},
		Session: SessionConfig{
			Queue:  QueueConfig{Max: 256, Overflow: "drop_newest"},
			Expiry: ExpiryConfig{Default: 1 * time.Hour},
		},
		SharedSubscription: SharedSubscriptionConfig{Policy: "random"},
		ACL:                ACLConfig{Cache: ACLCacheConfig{MaxSize: 4096, TTL: 5 * time.Minute}},
		Retained:           RetainedConfig{Storage: "memory"},
		Server:             ServerConfig{Port: "1883"},
	}
}

// Load reads and validates the config file at path. The decoder is
// selected by file extension: ".toml" uses github.com/BurntSushi/toml,
// anything else (including the teacher's ".yml") uses gopkg.in/yaml.v3.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &er.Err{Context: "Config", Message: err}
	}

	cfg := defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return nil, &er.Err{Context: "Config", Message: err}
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, &er.Err{Context: "Config", Message: err}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects any recognized-but-malformed enum value before the
// broker starts (spec.md §9: "a protocol/config error, never a panic").
func (c *Config) Validate() error {
	switch c.Routing.LockMode {
	case "key", "tab", "global":
	default:
		return &er.Err{Context: "Config", Message: fmt.Errorf("routing.lock_mode: invalid value %q", c.Routing.LockMode)}
	}
	if c.Routing.WorkerPoolSize <= 0 {
		return &er.Err{Context: "Config", Message: fmt.Errorf("routing.worker_pool_size must be positive, got %d", c.Routing.WorkerPoolSize)}
	}
	if _, ok := broker.ParseOverflowPolicy(c.Session.Queue.Overflow); !ok {
		return &er.Err{Context: "Config", Message: fmt.Errorf("session.queue.overflow: invalid value %q", c.Session.Queue.Overflow)}
	}
	if _, ok := broker.ParseSharedPolicy(c.SharedSubscription.Policy); !ok {
		return &er.Err{Context: "Config", Message: fmt.Errorf("shared_subscription.policy: invalid value %q", c.SharedSubscription.Policy)}
	}
	switch c.Retained.Storage {
	case "memory", "durable":
	default:
		return &er.Err{Context: "Config", Message: fmt.Errorf("retained.storage: invalid value %q", c.Retained.Storage)}
	}
	if c.Server.Port == "" {
		return &er.Err{Context: "Config", Message: fmt.Errorf("server.port must not be empty")}
	}
	return nil
}

// BrokerConfig translates the loaded configuration into the broker.Config
// a Broker is constructed with.
func (c *Config) BrokerConfig() broker.Config {
	policy, _ := broker.ParseSharedPolicy(c.SharedSubscription.Policy)
	overflow, _ := broker.ParseOverflowPolicy(c.Session.Queue.Overflow)

	return broker.Config{
		SharedPolicy: policy,
		SessionConfig: broker.SessionConfig{
			ReceiveMaximum: 65535,
			SendQuota:      65535,
			QueueMax:       c.Session.Queue.Max,
			Overflow:       overflow,
			ExpiryDefault:  c.Session.Expiry.Default,
			HighWatermark:  c.Session.Queue.Max,
			ACLCacheSize:   c.ACL.Cache.MaxSize,
			ACLCacheTTL:    c.ACL.Cache.TTL,
		},
	}
}
