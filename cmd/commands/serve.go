package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/flowd/internal/bus"
	"github.com/dohr-michael/flowd/internal/config"
	"github.com/dohr-michael/flowd/internal/gateway"
	"github.com/dohr-michael/flowd/internal/storage"
	"github.com/dohr-michael/flowd/internal/workflow"
)

// NewServeCommand returns the command that runs the flowd engine and gateway.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the workflow engine and HTTP gateway",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd)
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to load config, using defaults", "error", err)
		}
		cfg = config.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	b := bus.New(cfg.Bus.BufferSize)
	defer b.Close()

	logger := storage.NewMessageLogger(cfg.Storage.LogsDir, b)
	defer logger.Close()

	store := workflow.NewStore(db)

	svc := workflow.NewService(workflow.ServiceConfig{
		Store:           store,
		Bus:             b,
		TimeoutInterval: time.Duration(cfg.Engine.TimeoutInterval),
	})
	svc.Start()
	defer svc.Stop()

	sched := workflow.NewScheduler(workflow.SchedulerConfig{
		Store:    store,
		Bus:      b,
		Interval: time.Duration(cfg.Engine.SchedulerInterval),
	})
	sched.Start()
	defer sched.Stop()

	srv := gateway.NewServer(b, store, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
