package loevent

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk form of Options.
//
//	source: my-app
//	version: "1.2.0"
//	debug_level: simple
//	queue_type: auto
//	storage_dir: /var/cache/loevent
//	use_disabler: true
//	retry_delay: 1s
//	websocket:
//	  url: ws://localhost:8080/ws
//	  reconnect_delay: 1s
//	metadata:
//	  deployment:
//	    region: eu-west-1
type Config struct {
	Source          string   `yaml:"source"`
	Version         string   `yaml:"version"`
	DebugLevel      string   `yaml:"debug_level"`
	DebugDest       string   `yaml:"debug_dest"`
	UseDisabler     *bool    `yaml:"use_disabler"`
	QueueType       string   `yaml:"queue_type"`
	QueueName       string   `yaml:"queue_name"`
	StorageDir      string   `yaml:"storage_dir"`
	RedisAddr       string   `yaml:"redis_addr"`
	SendBrowserInfo bool     `yaml:"send_browser_info"`
	VerboseEvents   bool     `yaml:"verbose_events"`
	RetryDelay      Duration `yaml:"retry_delay"`
	MaxSendAttempts int      `yaml:"max_send_attempts"`

	Websocket WebsocketConfig `yaml:"websocket"`

	// Metadata maps task names to static fields locked for the session.
	Metadata map[string]map[string]any `yaml:"metadata"`
}

// WebsocketConfig configures the websocket logger. An empty URL disables it.
type WebsocketConfig struct {
	URL            string   `yaml:"url"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	QueueName      string   `yaml:"queue_name"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if len(data) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Options maps the config onto Options, starting from DefaultOptions.
func (c Config) Options() Options {
	opts := DefaultOptions()
	if c.DebugLevel != "" {
		opts.DebugLevel = DebugLevel(c.DebugLevel)
	}
	if c.DebugDest != "" {
		opts.DebugDest = c.DebugDest
	}
	if c.UseDisabler != nil {
		opts.UseDisabler = *c.UseDisabler
	}
	if c.QueueType != "" {
		opts.QueueType = c.QueueType
	}
	if c.QueueName != "" {
		opts.QueueName = c.QueueName
	}
	if c.StorageDir != "" {
		opts.StorageDir = c.StorageDir
	}
	opts.RedisAddr = c.RedisAddr
	opts.SendBrowserInfo = c.SendBrowserInfo
	opts.VerboseEvents = c.VerboseEvents
	if c.RetryDelay > 0 {
		opts.RetryDelay = time.Duration(c.RetryDelay)
	}
	if c.MaxSendAttempts > 0 {
		opts.MaxSendAttempts = c.MaxSendAttempts
	}

	opts.Metadata = append(opts.Metadata, SessionTask())
	for _, name := range slices.Sorted(maps.Keys(c.Metadata)) {
		opts.Metadata = append(opts.Metadata, StaticTask(name, c.Metadata[name]))
	}
	return opts
}
