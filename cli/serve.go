package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaos-io/rembg-api/server"
	"github.com/chaos-io/rembg-api/util/log"
	"github.com/chaos-io/rembg-api/workspace"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Example: `  rembg-api serve
  rembg-api serve --addr 127.0.0.1:8080 --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr()
			}

			workspaces := newWorkspaces(cfg)
			svc, err := newService(cfg, workspaces)
			if err != nil {
				return err
			}

			janitor, err := workspace.NewJanitor(workspaces, cfg.Workspace.SweepSchedule, cfg.Workspace.MaxAge)
			if err != nil {
				return err
			}
			janitor.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				janitor.Stop(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.WithFields(log.Fields{
				"engine":    cfg.Remover.Engine,
				"work_dir":  workspaces.Root(),
				"version":   Version,
				"max_bytes": cfg.Limits.MaxUploadBytes,
			}).Info("background removal service configured")

			return server.New(svc, server.Options{
				Addr:           addr,
				Mode:           cfg.Server.Mode,
				ReadTimeout:    cfg.Server.ReadTimeout,
				WriteTimeout:   cfg.Server.WriteTimeout,
				CORSOrigins:    cfg.Server.CORSOrigins,
				MaxUploadBytes: cfg.Limits.MaxUploadBytes,
				Version:        Version,
			}).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address host:port, overrides server.address and server.port")
	return cmd
}
