package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/gatekeeper/cmd/gatekeeper/cli"
	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(cli.ExitFailure)
	}
	logger := app.NewLogger(cfg)

	root := cli.NewRootCommand(cli.Hooks{
		Serve: func(ctx context.Context) error {
			if app.InTestMode() {
				logger.Info("test mode detected, skipping server startup")
				return nil
			}
			rt, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := auth.Migrate(ctx, rt.DB); err != nil {
				return err
			}
			return rt.Serve(ctx)
		},
		Migrate: func(ctx context.Context) error {
			conn, err := db.Open(ctx, cfg.DBDSN, db.Options{})
			if err != nil {
				return err
			}
			defer db.Close(conn, logger)
			return auth.Migrate(ctx, conn)
		},
		Admin: func(ctx context.Context) (*cli.AdminCLI, func(), error) {
			conn, err := db.Open(ctx, cfg.DBDSN, db.Options{})
			if err != nil {
				return nil, nil, err
			}
			release := func() { db.Close(conn, logger) }
			if err := auth.Migrate(ctx, conn); err != nil {
				release()
				return nil, nil, err
			}
			admin, err := cli.NewAdminCLI(rbac.NewService(conn, cfg.Hasher(), rbac.WithPasswordMaxLength(cfg.PasswordMaxLength)))
			if err != nil {
				release()
				return nil, nil, err
			}
			return admin, release, nil
		},
	})
	os.Exit(cli.Execute(ctx, root, os.Args[1:]))
}
