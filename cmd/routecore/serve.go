package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the decision API over HTTP",
		Long: `Starts the HTTP API. When a registry file is configured it is watched
	and republished atomically whenever it changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			rt, err := buildRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("routing memory did not drain", slog.Any("error", err))
				}
			}()

			if path := rt.cfg.RegistryPath; path != "" {
				w := registry.NewWatcher(rt.registry, path,
					registry.WithWatchLogger(logger),
					registry.WithReloadHook(func(snap *registry.Snapshot, err error) {
						rt.metrics.RegistryReload(err == nil)
						if err == nil && rt.weaviate != nil {
							rt.indexWeaviate(context.Background(), snap, false)
						}
					}),
				)
				go func() {
					if err := w.Run(ctx); err != nil {
						logger.Error("registry watcher stopped", slog.Any("error", err))
					}
				}()
			}

			if addr == "" {
				addr = rt.cfg.Engine.Server.Addr
			}
			srv := server.New(rt.engine,
				server.WithMemory(rt.memory),
				server.WithGatherer(rt.gatherer),
				server.WithLogger(logger),
			)
			logger.Info("routecore serving",
				slog.String("registry_version", rt.registry.Current().Version()),
				slog.Bool("persistent_memory", rt.cfg.Engine.Memory.DBPath != ""),
			)
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from engine config)")
	return cmd
}
