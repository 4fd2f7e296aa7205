// Package config loads the optional per-project .procmux.yaml file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/procmux/protocol"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// FileName is looked up in the project root.
const FileName = ".procmux.yaml"

// InitRequest is a request replayed to every freshly started worker, e.g. a "configure" command.
type InitRequest struct {
	Command   string                 `mapstructure:"command"`
	Arguments map[string]interface{} `mapstructure:"arguments"`
}

type Config struct {
	Worker       string        `mapstructure:"worker"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	Init         []InitRequest `mapstructure:"init"`
	QueueSize    int           `mapstructure:"queue_size"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	HTTPAddr     string        `mapstructure:"http_addr"`
}

func Default() *Config {
	return &Config{
		QueueSize:    1024,
		RestartDelay: 100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Load reads FileName from root. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(filepath.Join(root, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields absent from the document untouched.
func Parse(b []byte, cfg *Config) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// InitMessages converts the init requests to protocol messages. Their seq values are
// negative so they cannot collide with ids chosen by clients.
func (c *Config) InitMessages() ([]*protocol.Message, error) {
	var msgs []*protocol.Message
	for i, r := range c.Init {
		if r.Command == "" {
			return nil, fmt.Errorf("init request %d has no command", i)
		}
		var args interface{}
		if r.Arguments != nil {
			b, err := json.Marshal(r.Arguments)
			if err != nil {
				return nil, fmt.Errorf("init request %d: %w", i, err)
			}
			args = json.RawMessage(b)
		}
		msg, err := protocol.NewRequest(int64(-(i + 1)), r.Command, args)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
