package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/urfave/cli/v2"

	"github.com/rubiojr/bikedb/internal/bikedb"
)

const (
	pruneInterval   = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the station API and keep the database in sync",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP server port (defaults to server.port)",
				EnvVars: []string{"BIKEDB_PORT"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Address to bind",
				Value:   "127.0.0.1",
				EnvVars: []string{"BIKEDB_LISTEN"},
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := httplog.NewLogger("bikedb", httplog.Options{
		JSON:            false,
		LogLevel:        level,
		Concise:         true,
		QuietDownPeriod: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	storage, err := bikedb.NewStorage(ctx, cfg.Database.Path, logger.Logger)
	if err != nil {
		return fmt.Errorf("error initializing storage: %w", err)
	}
	defer storage.Close()

	syncer := newSyncer(cfg, storage, logger.Logger)
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		err := syncer.Run(ctx, cfg.Sync.Interval, cfg.Sync.FullInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sync loop stopped", "error", err)
		}
	}()
	if cfg.Sync.HistoryDays > 0 {
		go pruneLoop(ctx, storage, cfg.Sync.HistoryDays, logger.Logger)
	}

	srv := &server{
		storage:  storage,
		syncer:   syncer,
		geocoder: newGeocoder(),
		log:      logger.Logger,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", c.String("listen"), cfg.Server.Port),
		Handler:           srv.routes(cfg.Server.RateLimit, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down server", "error", err)
		}
	}()

	logger.Info("Starting server", "addr", httpServer.Addr, "discovery_url", cfg.Discovery.URL)
	err = httpServer.ListenAndServe()
	cancel()
	<-syncDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pruneLoop deletes availability history older than days, once a day.
func pruneLoop(ctx context.Context, storage *bikedb.Storage, days int, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		deleted, err := storage.PruneHistory(ctx, days)
		if err != nil {
			logger.Error("Error pruning history", "error", err)
			continue
		}
		if err := storage.VacuumDatabase(ctx); err != nil {
			logger.Error("Error vacuuming database", "error", err)
			continue
		}
		logger.Info("History pruned", "deleted", deleted, "days", days)
	}
}
