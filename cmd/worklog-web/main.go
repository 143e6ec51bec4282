package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
	"github.com/worklog-mcp/worklog/pkg/project"
	"github.com/worklog-mcp/worklog/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "worklog-web",
		Usage:   "worklog web viewer with a live SSE event stream",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "project",
			Usage:   "project path; selects the per-project data directory",
			Value:   "",
			EnvVars: []string{"WORKLOG_PROJECT"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "addr to serve echo on",
			Value:   ":8000",
			EnvVars: []string{"WORKLOG_LISTEN_ADDR"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "event store polling interval",
			Value:   500 * time.Millisecond,
			EnvVars: []string{"WORKLOG_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "keepalive-interval",
			Usage:   "SSE keepalive ping interval",
			Value:   30 * time.Second,
			EnvVars: []string{"WORKLOG_KEEPALIVE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "event-retention",
			Usage:   "how long delivered events stay in the event store",
			Value:   24 * time.Hour,
			EnvVars: []string{"WORKLOG_EVENT_RETENTION"},
		},
	}

	app.Action = WorklogWeb

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// WorklogWeb is the main function for the web viewer process.
func WorklogWeb(cctx *cli.Context) error {
	ctx := cctx.Context

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	proj, err := project.New(cctx.String("project"))
	if err != nil {
		return err
	}
	if err := proj.EnsureDirs(); err != nil {
		return err
	}

	logger.Info("starting worklog-web", "project", proj.Name, "data_dir", proj.Dir())

	db, err := store.Open(proj.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	bus, err := eventbus.Open(proj.EventDatabasePath(), logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	s := NewServer(db, bus, proj.AvatarDir(), cctx.Duration("keepalive-interval"), logger)

	poller := eventbus.NewPoller(bus, cctx.Duration("poll-interval"), logger, s.Emit)
	go poller.Run(context.Background())

	// Prune delivered events past the retention window once an hour.
	shutdownPruner := make(chan struct{})
	prunerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		log := logger.With("source", "event_pruner")
		retention := cctx.Duration("event-retention")

		for {
			select {
			case <-shutdownPruner:
				log.Info("shutting down event pruner")
				close(prunerShutdown)
				return
			case <-ticker.C:
				if _, err := bus.Prune(context.Background(), retention); err != nil {
					log.Error("failed to prune events", "error", err)
				}
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/events", s.HandleEvents)
	e.GET("/api/entries", s.HandleGetEntries)
	e.GET("/api/entries/:id", s.HandleGetThread)
	e.DELETE("/api/entries/:id", s.HandleDeleteEntry)
	e.DELETE("/api/entries", s.HandleTruncate)
	e.GET("/api/users", s.HandleGetUsers)
	e.POST("/api/users/:id/avatar", s.HandleUpdateAvatar)
	e.PATCH("/api/users/:id", s.HandleUpdateUser)
	e.Static("/avatars", proj.AvatarDir())

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	shutdownEcho := make(chan struct{})
	echoShutdown := make(chan struct{})
	go func() {
		log := logger.With("source", "echo_server")

		log.Info("echo server listening", "addr", cctx.String("listen-addr"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("failed to start echo server", "error", err)
			}
		}()
		<-shutdownEcho
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown echo server", "error", err)
		}
		log.Info("echo server shut down")
		close(echoShutdown)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("shutting down on signal")
	case <-ctx.Done():
		logger.Info("shutting down on context done")
	}

	logger.Info("shutting down, waiting for workers to clean up...")
	close(shutdownEcho)
	close(shutdownPruner)
	poller.Shutdown()

	<-echoShutdown
	<-prunerShutdown
	logger.Info("shut down successfully")

	return nil
}
