package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v2"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
	"github.com/worklog-mcp/worklog/pkg/project"
	"github.com/worklog-mcp/worklog/pkg/store"
	"github.com/worklog-mcp/worklog/pkg/worklogtools"
)

func main() {
	app := cli.App{
		Name:    "worklog",
		Usage:   "worklog MCP server over stdio",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "project",
			Usage:   "project path; selects the per-project data directory",
			Value:   "",
			EnvVars: []string{"WORKLOG_PROJECT"},
		},
	}

	app.Action = Worklog

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Worklog is the main function for the MCP stdio server. Stdout belongs
// to the MCP transport, so logs go to stderr.
func Worklog(cctx *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	proj, err := project.New(cctx.String("project"))
	if err != nil {
		return err
	}
	if err := proj.EnsureDirs(); err != nil {
		return err
	}

	logger.Info("starting worklog MCP server", "project", proj.Name, "data_dir", proj.Dir())

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

	s := server.NewMCPServer(
		"worklog",
		cctx.App.Version,
		server.WithToolCapabilities(true),
	)

	registerTool := worklogtools.NewRegisterTool(db, logger)
	s.AddTool(registerTool.Definition(), registerTool.Handle)

	postTool := worklogtools.NewPostTool(db, bus, logger)
	s.AddTool(postTool.Definition(), postTool.Handle)

	replyTool := worklogtools.NewReplyTool(db, bus, logger)
	s.AddTool(replyTool.Definition(), replyTool.Handle)

	timelineTool := worklogtools.NewReadTimelineTool(db, logger)
	s.AddTool(timelineTool.Definition(), timelineTool.Handle)

	threadTool := worklogtools.NewThreadTool(db, logger)
	s.AddTool(threadTool.Definition(), threadTool.Handle)

	searchTool := worklogtools.NewSearchTool(db, logger)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	listUsersTool := worklogtools.NewListUsersTool(db, logger)
	s.AddTool(listUsersTool.Definition(), listUsersTool.Handle)

	updateUserTool := worklogtools.NewUpdateUserTool(db, bus, logger)
	s.AddTool(updateUserTool.Definition(), updateUserTool.Handle)

	statsTool := worklogtools.NewStatsTool(db, logger)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	teamStatusTool := worklogtools.NewTeamStatusTool(db, logger)
	s.AddTool(teamStatusTool.Definition(), teamStatusTool.Handle)

	projectInfoTool := worklogtools.NewProjectInfoTool(proj, logger)
	s.AddTool(projectInfoTool.Definition(), projectInfoTool.Handle)

	return server.ServeStdio(s)
}
