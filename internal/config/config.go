// ABOUTME: YAML configuration parsing and defaults
// ABOUTME: Defines server settings that mirror the command-line flags
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSampleRate       = 48000
	DefaultMaxOffsetSeconds = 10
	DefaultMaxOutputs       = 16
	DefaultBacklogBatches   = 50
	DefaultBatchMs          = 100
)

// ErrNoTargets is returned when no usable target is configured
var ErrNoTargets = errors.New("no targets configured")

type Config struct {
	Name             string   `yaml:"name"`
	Input            string   `yaml:"input"`
	SampleRate       int      `yaml:"sample_rate"`
	MaxOffsetSeconds int      `yaml:"max_offset_seconds"`
	MaxOutputs       int      `yaml:"max_outputs"`
	BacklogBatches   int      `yaml:"backlog_batches"`
	BatchMs          int      `yaml:"batch_ms"`
	MDNS             *bool    `yaml:"mdns"`
	LogFile          string   `yaml:"log_file"`
	Debug            bool     `yaml:"debug"`
	Targets          []string `yaml:"targets"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	mdns := true
	return &Config{
		Input:            "-",
		SampleRate:       DefaultSampleRate,
		MaxOffsetSeconds: DefaultMaxOffsetSeconds,
		MaxOutputs:       DefaultMaxOutputs,
		BacklogBatches:   DefaultBacklogBatches,
		BatchMs:          DefaultBatchMs,
		MDNS:             &mdns,
		LogFile:          "datstream.log",
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate: %d", c.SampleRate)
	}
	if c.MaxOffsetSeconds <= 0 {
		return fmt.Errorf("invalid max_offset_seconds: %d", c.MaxOffsetSeconds)
	}
	if c.MaxOutputs <= 0 {
		return fmt.Errorf("invalid max_outputs: %d", c.MaxOutputs)
	}
	if c.BacklogBatches <= 0 {
		return fmt.Errorf("invalid backlog_batches: %d", c.BacklogBatches)
	}
	if c.BatchMs <= 0 || c.BatchMs > c.MaxOffsetSeconds*1000 {
		return fmt.Errorf("invalid batch_ms: %d", c.BatchMs)
	}
	return nil
}

// MDNSEnabled reports whether targets should be advertised
func (c *Config) MDNSEnabled() bool {
	return c.MDNS == nil || *c.MDNS
}

// CapacityUnits is the largest delay a target may request
func (c *Config) CapacityUnits() int {
	return c.SampleRate * c.MaxOffsetSeconds
}

// BatchUnits is the number of sample units read from the producer per batch
func (c *Config) BatchUnits() int {
	n := c.SampleRate * c.BatchMs / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// ResolveTargets parses the configured targets against the buffer capacity
func (c *Config) ResolveTargets() ([]Target, []error, error) {
	targets, problems := ParseTargets(c.Targets, c.CapacityUnits())
	if len(targets) == 0 {
		return nil, problems, ErrNoTargets
	}
	return targets, problems, nil
}
