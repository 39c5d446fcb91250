package main

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rubiojr/bikedb/internal/bikedb"
	"github.com/rubiojr/bikedb/internal/feedsync"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:   "sync",
		Usage:  "Resolve the feeds and sync station information and status",
		Action: syncAction,
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:   "refresh",
		Usage:  "Sync station status only",
		Action: refreshAction,
	}
}

func syncAction(c *cli.Context) error {
	cfg, storage, logger, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	res, err := newSyncer(cfg, storage, logger).RefreshAll(c.Context)
	if err != nil {
		return err
	}
	printResult(c.App.Writer, res)
	return nil
}

func refreshAction(c *cli.Context) error {
	cfg, storage, logger, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	res, err := newSyncer(cfg, storage, logger).RefreshStatusOnly(c.Context)
	if err != nil {
		return err
	}
	printResult(c.App.Writer, res)
	return nil
}

func printResult(w io.Writer, res feedsync.Result) {
	if res.Kind == feedsync.KindAll {
		printApplied(w, "Station information", res.URLs.Information, res.Information)
	}
	printApplied(w, "Station status", res.URLs.Status, res.Status)
	fmt.Fprintf(w, "Completed in %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func printApplied(w io.Writer, title, url string, r bikedb.ApplyResult) {
	if url == "" {
		fmt.Fprintf(w, "%s: feed not advertised\n", title)
		return
	}
	fmt.Fprintf(w, "%s: %d created, %d updated, %d unchanged, %d skipped, %d discarded\n",
		title, r.Created, r.Updated, r.Unchanged, r.Skipped, r.Discarded)
}
