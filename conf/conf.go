// Package conf loads the TOML configuration shared by mqrpc processes.
package conf

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

func LoadConfigStr(str string) (*Config, error) {
	config := &Config{}
	if _, err := toml.Decode(str, config); nil != err {
		return nil, errors.Wrap(err, "decode config")
	}
	return config, config.Normalize()
}

func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if _, err := toml.DecodeFile(path, config); nil != err {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return config, config.Normalize()
}

// Duration decodes TOML strings such as "250ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

type Config struct {
	Transport string //tcp or sqs
	Codec     string //json or proto

	Service struct {
		Bind      []string
		RateLimit float64 //requests per second, 0 disables
		Burst     int
		Timeout   Duration //per call, 0 disables
	}

	Client struct {
		Connect []string
		Timeout Duration
		Mode    string //sync, co or async
	}

	Endpoint struct {
		HeartbeatInterval Duration
		DialTimeout       Duration
		InboxSize         int
	}

	SQS struct {
		Region      string
		Endpoint    string //override for local stacks
		QueuePrefix string
	}

	Log struct {
		MaxLogfileSize int
		LogDir         string
		LogPrefix      string
		LogLevel       string
		EnableStdout   bool
		MaxAge         int
	}
}

// Default returns a normalized empty config.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills unset fields and rejects values no component accepts.
func (c *Config) Normalize() error {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.Transport != "tcp" && c.Transport != "sqs" {
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	if c.Service.RateLimit < 0 {
		return errors.New("service rate limit must not be negative")
	}
	if c.Service.RateLimit > 0 && c.Service.Burst <= 0 {
		c.Service.Burst = 1
	}
	switch c.Client.Mode {
	case "":
		c.Client.Mode = "sync"
	case "sync", "co", "async":
	default:
		return errors.Errorf("unknown client mode %q", c.Client.Mode)
	}
	if c.Client.Timeout.Duration == 0 {
		c.Client.Timeout.Duration = 5 * time.Second
	}
	if c.SQS.Region == "" {
		c.SQS.Region = "us-east-1"
	}
	if c.Log.LogPrefix == "" {
		c.Log.LogPrefix = "mqrpc"
	}
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
	if c.Log.MaxLogfileSize == 0 {
		c.Log.MaxLogfileSize = 100
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 14
	}
	return nil
}
