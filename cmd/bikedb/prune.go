package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
)

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete old availability history and reclaim space",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "days",
				Usage: "Keep this many days of history (defaults to sync.history_days)",
			},
		},
		Action: pruneAction,
	}
}

func pruneAction(c *cli.Context) error {
	cfg, storage, _, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	days := cfg.Sync.HistoryDays
	if c.IsSet("days") {
		days = c.Int("days")
	}
	if days <= 0 {
		return errors.New("days must be positive")
	}

	deleted, err := storage.PruneHistory(c.Context, days)
	if err != nil {
		return err
	}
	if err := storage.VacuumDatabase(c.Context); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %d availability samples older than %d days\n", deleted, days)
	return nil
}
