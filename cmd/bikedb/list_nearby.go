package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
)

const (
	defaultRadiusKm = 1.0
	metersPerKm     = 1000.0
)

func listNearbyCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-nearby",
		Usage: "List stations around a location",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "location",
				Usage: "Place name to search around",
			},
			&cli.Float64Flag{
				Name:  "lat",
				Usage: "Latitude of the location",
			},
			&cli.Float64Flag{
				Name:  "long",
				Usage: "Longitude of the location",
			},
			&cli.Float64Flag{
				Name:    "radius",
				Aliases: []string{"r"},
				Usage:   "Search radius in kilometers",
				Value:   defaultRadiusKm,
			},
		},
		Action: listNearbyAction,
	}
}

func listNearbyAction(c *cli.Context) error {
	return listNearby(c, newGeocoder())
}

func listNearby(c *cli.Context, geo *geocoder) error {
	lat := c.Float64("lat")
	lng := c.Float64("long")
	radius := c.Float64("radius")
	if radius <= 0 {
		return errors.New("radius must be positive")
	}

	if loc := c.String("location"); loc != "" {
		var name string
		var err error
		lat, lng, name, err = geo.Locate(loc)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "Location found:", name)
	} else if !c.IsSet("lat") || !c.IsSet("long") {
		return errors.New("location or latitude and longitude are required")
	}

	_, storage, _, err := openStorage(c)
	if err != nil {
		return err
	}
	defer storage.Close()

	nearby, err := storage.NearbyStations(c.Context, lat, lng, radius*metersPerKm)
	if err != nil {
		return fmt.Errorf("error fetching nearby stations: %w", err)
	}

	w := c.App.Writer
	for i, st := range nearby {
		fmt.Fprintf(w, "%d. %s (%s)\n", i+1, st.Station.Name, st.Station.StationID)
		fmt.Fprintf(w, "   Distance: %.2f km\n", st.Distance/metersPerKm)
		fmt.Fprintf(w, "   Bikes: %d  Docks: %d  Capacity: %d\n",
			st.Station.AvailableBikes, st.Station.AvailableDocks, st.Station.Capacity)
		fmt.Fprintf(w, "   Renting: %s  Returning: %s\n\n", yesNo(st.Station.IsRenting), yesNo(st.Station.IsReturning))
	}
	fmt.Fprintf(w, "Found %d stations within %g km radius\n", len(nearby), radius)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
