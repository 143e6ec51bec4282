package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/worklog-mcp/worklog/pkg/viewer"
)

func main() {
	app := cli.App{
		Name:    "worklog-watch",
		Usage:   "follow a worklog live from the terminal",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "server-addr",
			Usage:   "base URL of the worklog web server",
			Value:   "http://localhost:8000",
			EnvVars: []string{"WORKLOG_SERVER_ADDR"},
		},
		&cli.IntFlag{
			Name:    "max-entries",
			Usage:   "maximum entries to keep in memory",
			Value:   100,
			EnvVars: []string{"WORKLOG_MAX_ENTRIES"},
		},
		&cli.DurationFlag{
			Name:    "reconnect-delay",
			Usage:   "wait between reconnection attempts",
			Value:   5 * time.Second,
			EnvVars: []string{"WORKLOG_RECONNECT_DELAY"},
		},
		&cli.StringFlag{
			Name:    "search",
			Usage:   "only show entries matching this keyword",
			EnvVars: []string{"WORKLOG_SEARCH"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "log connection details",
			EnvVars: []string{"WORKLOG_VERBOSE"},
		},
	}

	app.Action = WorklogWatch

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// WorklogWatch is the main function for the terminal viewer.
func WorklogWatch(cctx *cli.Context) error {
	level := slog.LevelWarn
	if cctx.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	v, err := viewer.New(&viewer.Config{
		ServerAddr:     cctx.String("server-addr"),
		MaxEntries:     cctx.Int("max-entries"),
		ReconnectDelay: cctx.Duration("reconnect-delay"),
		SearchFilter:   cctx.String("search"),
		Logger:         logger,
	}, viewer.Handler{
		OnEntry:       printEntry,
		OnNotice:      printNotice,
		OnStateChange: printState,
	})
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nbye")
		cancel()
	}()

	if err := v.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printEntry(e viewer.Entry) {
	name := e.UserName
	if name == "" {
		name = e.UserID
	}
	prefix := ""
	if e.IsReply {
		prefix = "↳ "
	}
	fmt.Printf("[%s] %s%s: %s\n", shortTime(e.CreatedAt), prefix, name, firstLine(e.MarkdownContent))
}

func printNotice(msg string) {
	fmt.Printf("-- %s --\n", msg)
}

func printState(s viewer.State) {
	fmt.Printf("== %s ==\n", s)
}

func shortTime(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.Local().Format("15:04:05")
	}
	return ts
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
