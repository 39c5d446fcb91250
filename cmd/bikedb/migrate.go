package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Create or upgrade the station database",
		Action: migrateAction,
	}
}

func migrateAction(c *cli.Context) error {
	cfg, storage, _, err := openStorage(c)
	if err != nil {
		return err
	}
	if err := storage.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Database %s is up to date\n", cfg.Database.Path)
	return nil
}
