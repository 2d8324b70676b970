package uws

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type (
	DeflateConfig struct {
		Disabled                bool `yaml:"disabled"`
		ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`
		ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`
	}

	// ServerConfig is the file form of ServerOptions. Hooks and collaborators
	// (verification, engine, logger) cannot be expressed in it and are set on
	// the options afterwards.
	ServerConfig struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		Path         string        `yaml:"path"`
		NoDelay      *bool         `yaml:"no_delay"`
		MaxPayload   int64         `yaml:"max_payload"`
		PingInterval time.Duration `yaml:"ping_interval"`
		Deflate      DeflateConfig `yaml:"per_message_deflate"`
		MetricsAddr  string        `yaml:"metrics_addr"`
	}
)

// ParseServerConfig decodes a YAML document, rejecting unknown keys.
func ParseServerConfig(data []byte) (ServerConfig, error) {
	var cfg ServerConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return ServerConfig{}, errors.Wrap(err, "cannot decode server config")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ServerConfig{}, errors.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MaxPayload < 0 {
		return ServerConfig{}, errors.Errorf("negative max_payload %d", cfg.MaxPayload)
	}
	return cfg, nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, errors.Wrapf(err, "cannot read server config %s", path)
	}
	return ParseServerConfig(data)
}

func (c ServerConfig) Options() ServerOptions {
	return ServerOptions{
		Host:         c.Host,
		Port:         c.Port,
		Path:         c.Path,
		NoDelay:      c.NoDelay,
		MaxPayload:   c.MaxPayload,
		PingInterval: c.PingInterval,
		PerMessageDeflate: DeflateOptions{
			Disabled:                c.Deflate.Disabled,
			ServerNoContextTakeover: c.Deflate.ServerNoContextTakeover,
			ClientNoContextTakeover: c.Deflate.ClientNoContextTakeover,
		},
	}
}
