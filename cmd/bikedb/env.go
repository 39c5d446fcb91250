package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rubiojr/bikedb/internal/bikedb"
	"github.com/rubiojr/bikedb/internal/config"
	"github.com/rubiojr/bikedb/internal/feedsync"
	"github.com/rubiojr/bikedb/pkg/gbfs"
)

// loadConfig reads the config file, if any, and applies global flag and
// environment overrides on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("db") {
		cfg.Database.Path = c.String("db")
	}
	if c.IsSet("discovery-url") {
		cfg.Discovery.URL = c.String("discovery-url")
	}
	if c.IsSet("language") {
		cfg.Discovery.Language = c.String("language")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(c *cli.Context) *slog.Logger {
	if !c.Bool("verbose") {
		return newDiscardLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openStorage(c *cli.Context) (*config.Config, *bikedb.Storage, *slog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(c)

	storage, err := bikedb.NewStorage(c.Context, cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error initializing storage: %w", err)
	}
	return cfg, storage, logger, nil
}

func newSyncer(cfg *config.Config, storage *bikedb.Storage, logger *slog.Logger) *feedsync.Syncer {
	return feedsync.New(gbfs.NewClient(nil), storage, logger,
		feedsync.WithDiscoveryURL(cfg.Discovery.URL),
		feedsync.WithLanguage(cfg.Discovery.Language),
	)
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
