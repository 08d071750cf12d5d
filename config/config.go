// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package config loads and validates the process configuration from a
// single YAML file.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/gateway"
	"github.com/ofurkanuygur/search-case-sub000/publish"
	"github.com/ofurkanuygur/search-case-sub000/scheduler"
	"github.com/ofurkanuygur/search-case-sub000/server"
)

// Error is the config error class.
var Error = errs.Class("config")

// Logging holds the logger configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the aggregate process configuration.
type Config struct {
	Logging   Logging          `yaml:"logging"`
	Store     contentdb.Config `yaml:"store"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Publisher publish.Config   `yaml:"publisher"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Server    server.Config    `yaml:"server"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, Error.Wrap(err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated configuration. Unknown
// keys are rejected to surface typos.
func Parse(data []byte) (Config, error) {
	config := defaults()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, Error.New("parsing configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func defaults() Config {
	return Config{
		Logging: Logging{Level: "info"},
		Server:  server.Config{Address: ":8080"},
	}
}

// Validate checks the settings the components cannot default on their own.
func (c Config) Validate() error {
	if c.Store.DSN == "" {
		return Error.New("store.dsn is required")
	}
	if len(c.Gateway.Providers) == 0 {
		return Error.New("at least one provider is required")
	}

	seen := make(map[string]struct{}, len(c.Gateway.Providers))
	for i, provider := range c.Gateway.Providers {
		if provider.Name == "" {
			return Error.New("provider %d is missing a name", i)
		}
		if provider.BaseURL == "" {
			return Error.New("provider %q is missing a base url", provider.Name)
		}
		if _, dup := seen[provider.Name]; dup {
			return Error.New("provider %q is configured twice", provider.Name)
		}
		seen[provider.Name] = struct{}{}
	}

	if c.Publisher.Endpoint == "" {
		return Error.New("publisher.endpoint is required")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return Error.New("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// NewLogger builds the process logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapConfig.Build()
	return logger, Error.Wrap(err)
}
