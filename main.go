package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/server"
	"github.com/outpostlabs/sessiond/workspace"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Warn(".env file not found, continuing with process environment")
	}

	port := flag.Int("port", 8080, "port to listen on")
	dbPath := flag.String("db", "sessiond.sqlite", "path to the sqlite database file")
	historyDir := flag.String("history-dir", "./history", "directory for per-session scrollback files")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	workspaces, err := loadWorkspaces()
	if err != nil {
		log.WithError(err).Fatal("failed to load workspace configuration")
	}

	srv, err := server.New(server.Config{
		DatabaseDSN: *dbPath,
		HistoryDir:  *historyDir,
		ListenAddr:  fmt.Sprintf(":%d", *port),
		Workspaces:  workspaces,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to construct server")
	}

	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
	log.WithField("port", *port).Info("sessiond listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown did not complete cleanly")
	}
}

// loadWorkspaces reads a single workspace from the environment, the static
// adapter's fixed configured set. WORKSPACE_ID defaults to "default" and
// WORKSPACE_PATH to the current working directory, matching a single-
// workspace daemon deployment.
func loadWorkspaces() ([]workspace.Workspace, error) {
	id := os.Getenv("WORKSPACE_ID")
	if id == "" {
		id = "default"
	}
	path := os.Getenv("WORKSPACE_PATH")
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve default workspace path: %w", err)
		}
		path = cwd
	}
	return []workspace.Workspace{{ID: id, Name: id, LocalPath: path}}, nil
}
