package conf

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

type Conf struct {
	Listen   Listen   `yaml:"listen"`
	Limits   Limits   `yaml:"limits"`
	Timeouts Timeouts `yaml:"timeouts"`
	Workers  Workers  `yaml:"workers"`
	Log      Log      `yaml:"log"`
}

func (c *Conf) setDefaults() {
	c.Listen.setDefaults()
	c.Limits.setDefaults()
	c.Timeouts.setDefaults()
	c.Workers.setDefaults()
	c.Log.setDefaults()
}

func (c *Conf) validate() []error {
	var errors []error
	errors = append(errors, c.Listen.validate()...)
	errors = append(errors, c.Limits.validate()...)
	errors = append(errors, c.Timeouts.validate()...)
	errors = append(errors, c.Workers.validate()...)
	errors = append(errors, c.Log.validate()...)
	return errors
}

// LoadFromFile reads, defaults and validates a YAML configuration file.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Conf
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.setDefaults()
	if errs := cfg.validate(); len(errs) > 0 {
		msg := "invalid configuration:"
		for _, e := range errs {
			msg += "\n- " + e.Error()
		}
		return nil, fmt.Errorf("%s", msg)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default, for
// running without a config file.
func Default() *Conf {
	var cfg Conf
	cfg.setDefaults()
	return &cfg
}
