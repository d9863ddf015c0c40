package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/plugcache/internal/originrules"
)

// fileConfig is the on-disk YAML configuration for the standalone server.
type fileConfig struct {
	Origin            string            `yaml:"origin"`
	Addr              string            `yaml:"addr"`
	DB                string            `yaml:"db"`
	DefaultTTL        time.Duration     `yaml:"defaultTTL"`
	PrivateHeaderKeys []string          `yaml:"privateHeaderKeys"`
	IgnoredHeaders    []string          `yaml:"ignoredHeaders"`
	Rules             originrules.Rules `yaml:"rules"`
}

func loadConfig(filename string) (fileConfig, error) {
	var cfg fileConfig
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(raw, &cfg)
	return cfg, err
}
