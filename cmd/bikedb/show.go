package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one station and its recent availability",
		ArgsUsage: "<station_id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "history",
				Usage: "Number of availability samples to show",
				Value: 10,
			},
		},
		Action: showAction,
	}
}

func showAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("station id is required")
	}

	_, storage, _, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	st, err := storage.FindByID(c.Context, id)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%s (%s)\n", st.Name, st.StationID)
	fmt.Fprintf(w, "   Coordinates: %.6f, %.6f\n", st.Lat, st.Lon)
	fmt.Fprintf(w, "   Capacity: %d\n", st.Capacity)
	fmt.Fprintf(w, "   Bikes: %d  Docks: %d\n", st.AvailableBikes, st.AvailableDocks)
	fmt.Fprintf(w, "   Installed: %s  Renting: %s  Returning: %s\n",
		yesNo(st.IsInstalled), yesNo(st.IsRenting), yesNo(st.IsReturning))
	fmt.Fprintf(w, "   Information updated: %s\n", formatWhen(st.InfoUpdatedAt))
	fmt.Fprintf(w, "   Status updated: %s\n", formatWhen(st.StatusUpdatedAt))

	limit := c.Int("history")
	if limit <= 0 {
		return nil
	}
	samples, err := storage.History(c.Context, id, limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nRecent availability:")
	for _, s := range samples {
		fmt.Fprintf(w, "   %s  bikes %d  docks %d\n", formatWhen(s.RecordedAt), s.AvailableBikes, s.AvailableDocks)
	}
	return nil
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
