// Package config loads runtime settings from an optional YAML file, with
// defaults matching a single-process deployment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
	Debug  bool   `yaml:"debug"`

	Sweeper struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"sweeper"`

	Queue struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"queue"`

	Worker struct {
		MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
		TaskTimeout        Duration `yaml:"task_timeout"`
		RetryBackoff       Duration `yaml:"retry_backoff"`
		RetryMax           int      `yaml:"retry_max"`
		DispatchRate       float64  `yaml:"dispatch_rate"`
		DispatchBurst      int      `yaml:"dispatch_burst"`
	} `yaml:"worker"`

	AdHoc struct {
		MaxConcurrent int      `yaml:"max_concurrent"`
		MaxRetries    int      `yaml:"max_retries"`
		RetryDelay    Duration `yaml:"retry_delay"`
	} `yaml:"adhoc"`

	Handlers struct {
		SearchEndpoint string `yaml:"search_endpoint"`
		AgentEndpoint  string `yaml:"agent_endpoint"`
	} `yaml:"handlers"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must be >= 0", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() Config {
	var c Config
	c.Addr = ":8080"
	c.DBPath = "taskpilot.db"
	c.Sweeper.Interval = Duration(60 * time.Second)
	c.Queue.Capacity = 256
	c.Worker.MaxConcurrentTasks = 4
	c.Worker.TaskTimeout = Duration(10 * time.Minute)
	c.Worker.RetryBackoff = Duration(5 * time.Minute)
	c.Worker.RetryMax = 2
	c.AdHoc.MaxConcurrent = 4
	c.AdHoc.MaxRetries = 3
	c.AdHoc.RetryDelay = Duration(5 * time.Second)
	return c
}

// Load reads path over the defaults; an empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("worker.max_concurrent_tasks must be > 0")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be > 0")
	}
	if c.Worker.RetryMax < 0 {
		return fmt.Errorf("worker.retry_max must be >= 0")
	}
	return nil
}
