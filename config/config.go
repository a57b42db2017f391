// Package config holds the settings of a bridge client: where the servers
// are, how to reach them and how sessions behave.
//
//	hosts: ["localhost:8080"]
//	transport: socket
//	encoding: UTF-8
//	prefer_values: true
//	registry:
//	  etcd_endpoints: ["127.0.0.1:2379"]
//	  service: JavaBridge
//	balancer: consistent_hash
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"pjbridge/codec"
	"pjbridge/loadbalance"
	"pjbridge/transport"
)

// EnvOverrideHosts replaces the configured hosts when set to anything other
// than "" or "/".
const EnvOverrideHosts = "PJBRIDGE_OVERRIDE_HOSTS"

// Config is the client configuration.
type Config struct {
	// Hosts are bridge server addresses, "host:port" or "ssl:host:port".
	Hosts     []string `yaml:"hosts"`
	Servlet   string   `yaml:"servlet"`
	Transport string   `yaml:"transport"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`

	SendSize     int    `yaml:"send_size"`
	RecvSize     int    `yaml:"recv_size"`
	Encoding     string `yaml:"encoding"`
	PreferValues bool   `yaml:"prefer_values"`
	// RemoteLogLevel is sent in the handshake, -1 leaves the server alone.
	RemoteLogLevel int `yaml:"remote_log_level"`

	// ConnectTimeout of zero picks 5s for local hosts and 20s otherwise.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	Registry     RegistryConfig     `yaml:"registry"`
	Balancer     string             `yaml:"balancer"`
	MaxIdle      int                `yaml:"max_idle"`
	ReverseCalls ReverseCallsConfig `yaml:"reverse_calls"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// RegistryConfig selects endpoint discovery. Without etcd endpoints the
// configured hosts form a static registry.
type RegistryConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	Service       string        `yaml:"service"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// ReverseCallsConfig limits the calls the server makes back into the client.
type ReverseCallsConfig struct {
	// Rate is in calls per second; zero disables the limiter.
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
	LogCalls bool    `yaml:"log_calls"`
}

// ServerConfig applies to the in-process bridge server built by NewServer.
type ServerConfig struct {
	// InvokeTimeout of zero lets invocations run unbounded.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// Default returns the historic bridge defaults.
func Default() *Config {
	return &Config{
		Hosts:          []string{"localhost:8080"},
		Servlet:        "JavaBridge/servlet.phpjavabridge",
		Transport:      transport.KindSocket,
		SendSize:       8192,
		RecvSize:       8192,
		Encoding:       "UTF-8",
		PreferValues:   true,
		RemoteLogLevel: -1,
		Registry: RegistryConfig{
			Service:     "JavaBridge",
			DialTimeout: 5 * time.Second,
		},
		Balancer: "round_robin",
		MaxIdle:  4,
		Log:      LogConfig{Level: "info", Encoding: "json"},
	}
}

// Parse reads YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Load reads the file at path, applies the environment and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	v := strings.TrimSpace(os.Getenv(EnvOverrideHosts))
	if v == "" || v == "/" {
		return
	}
	hosts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	})
	if len(hosts) > 0 {
		c.Hosts = hosts
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 && len(c.Registry.EtcdEndpoints) == 0 {
		return fmt.Errorf("config: no hosts and no registry")
	}
	if c.SendSize <= 0 {
		return fmt.Errorf("config: send_size must be positive, got %d", c.SendSize)
	}
	if c.RecvSize <= 0 {
		return fmt.Errorf("config: recv_size must be positive, got %d", c.RecvSize)
	}
	switch c.Transport {
	case transport.KindSocket, transport.KindChunked, transport.KindHTTP:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if _, err := codec.LookupCharset(c.Encoding); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RemoteLogLevel > 7 {
		return fmt.Errorf("config: remote_log_level must be -1..7, got %d", c.RemoteLogLevel)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.ReverseCalls.Rate < 0 {
		return fmt.Errorf("config: reverse_calls.rate must not be negative")
	}
	if c.Server.InvokeTimeout < 0 {
		return fmt.Errorf("config: server.invoke_timeout must not be negative")
	}
	return nil
}
