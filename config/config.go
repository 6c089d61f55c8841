// Package config loads the bridge's settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the one port the bridge, its client and the CLI agree on.
const DefaultPort = 9876

// DefaultServiceName is the name bridges are advertised under.
const DefaultServiceName = "cad-bridge"

type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ControlAddr string `yaml:"control_addr"`

	TickInterval time.Duration `yaml:"tick_interval"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`

	Codec     string  `yaml:"codec"`
	RateLimit float64 `yaml:"rate_limit"` // Calls per second; 0 disables limiting
	RateBurst int     `yaml:"rate_burst"`

	ServiceName   string   `yaml:"service_name"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"` // Empty disables the registry

	PartsDir string `yaml:"parts_dir"`
	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Host:         "localhost",
		Port:         DefaultPort,
		ControlAddr:  "localhost:9877",
		TickInterval: 100 * time.Millisecond,
		CallTimeout:  30 * time.Second,
		JoinTimeout:  2 * time.Second,
		Codec:        "json",
		RateBurst:    10,
		ServiceName:  DefaultServiceName,
		LogLevel:     "info",
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Annotatef(err, "reading config %s", path)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Annotatef(err, "parsing config %s", path)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CADBRIDGE_HOST"); ok {
		c.Host = v
	}
	if v, ok := lookup("CADBRIDGE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("CADBRIDGE_PORT %q", v)
		}
		c.Port = port
	}
	if v, ok := lookup("CADBRIDGE_CONTROL_ADDR"); ok {
		c.ControlAddr = v
	}
	if v, ok := lookup("CADBRIDGE_ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = nil
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}
	if v, ok := lookup("CADBRIDGE_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.TickInterval <= 0 {
		return errors.NotValidf("tick_interval %s", c.TickInterval)
	}
	if c.CallTimeout <= 0 {
		return errors.NotValidf("call_timeout %s", c.CallTimeout)
	}
	if c.JoinTimeout <= 0 {
		return errors.NotValidf("join_timeout %s", c.JoinTimeout)
	}
	if c.Codec != "json" && c.Codec != "binary" {
		return errors.NotValidf("codec %q", c.Codec)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return errors.NotValidf("rate limit %v with burst %d", c.RateLimit, c.RateBurst)
	}
	return nil
}

// Addr is the RPC listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) String() string {
	return fmt.Sprintf("rpc=%s control=%s tick=%s call_timeout=%s", c.Addr(), c.ControlAddr, c.TickInterval, c.CallTimeout)
}
