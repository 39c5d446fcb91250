// Package config loads bikedb settings from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rubiojr/bikedb/pkg/gbfs"
)

const DefaultDatabasePath = "bikes.db"

type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
}

type DiscoveryConfig struct {
	URL      string `yaml:"url"`
	Language string `yaml:"language"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SyncConfig struct {
	// Interval between station status refreshes.
	Interval time.Duration `yaml:"interval"`
	// FullInterval between full refreshes. Zero disables them after the first.
	FullInterval time.Duration `yaml:"full_interval"`
	// HistoryDays of availability history kept by the server's daily prune.
	// Zero keeps everything.
	HistoryDays int `yaml:"history_days"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// RateLimit is the number of requests allowed per IP and minute.
	RateLimit int `yaml:"rate_limit"`
}

// Default returns the settings used when no file overrides them.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			URL:      gbfs.DefaultDiscoveryURL,
			Language: gbfs.DefaultLanguage,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Sync: SyncConfig{
			Interval:     time.Minute,
			FullInterval: time.Hour,
			HistoryDays:  30,
		},
		Server: ServerConfig{
			Port:      3000,
			RateLimit: 100,
		},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		// An empty file is a valid, all-defaults configuration.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Discovery.URL == "" {
		return errors.New("discovery.url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.FullInterval < 0 {
		return fmt.Errorf("sync.full_interval must not be negative, got %s", c.Sync.FullInterval)
	}
	if c.Sync.HistoryDays < 0 {
		return fmt.Errorf("sync.history_days must not be negative, got %d", c.Sync.HistoryDays)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive, got %d", c.Server.RateLimit)
	}
	return nil
}
