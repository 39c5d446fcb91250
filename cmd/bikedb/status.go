package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the station count and recent sync cycles",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of sync cycles to list",
				Value: 10,
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	_, storage, _, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	count, err := storage.CountStations(c.Context)
	if err != nil {
		return err
	}
	last, err := storage.GetLastSuccessfulSync(c.Context)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Stations: %d\n", count)
	if last == nil {
		fmt.Fprintln(w, "Last successful sync: never")
	} else {
		fmt.Fprintf(w, "Last successful sync: %s\n", formatWhen(*last))
	}

	logs, err := storage.GetSyncLogs(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}

	fmt.Fprintln(w, "\nRecent syncs:")
	for _, entry := range logs {
		result := "ok"
		if !entry.OK {
			result = "failed: " + entry.Error
		}
		fmt.Fprintf(w, "   %s  %-6s  %s\n", formatWhen(entry.StartedAt), entry.Kind, result)
	}
	return nil
}
