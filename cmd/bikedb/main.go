package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "error loading .env:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bikedb",
		Usage: "Mirror a GBFS bike-share system into a local station database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"BIKEDB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Database file",
				EnvVars: []string{"BIKEDB_DB"},
			},
			&cli.StringFlag{
				Name:    "discovery-url",
				Usage:   "GBFS auto-discovery URL",
				EnvVars: []string{"BIKEDB_DISCOVERY_URL"},
			},
			&cli.StringFlag{
				Name:    "language",
				Usage:   "Feed language in the discovery document",
				EnvVars: []string{"BIKEDB_LANGUAGE"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log to stderr",
				EnvVars: []string{"BIKEDB_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			refreshCommand(),
			listNearbyCommand(),
			showCommand(),
			statusCommand(),
			pruneCommand(),
			migrateCommand(),
			serveCommand(),
		},
	}
}
