package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load loader) *cobra.Command {
	var exercise bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the port until SIGINT or SIGTERM",
		Long: `serve creates the port and its memory namespaces, exposes Prometheus
metrics and waits for a signal. On shutdown the port is taken offline,
failing every live controller, within port.offline_timeout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := load()
			if err != nil {
				return err
			}
			cfg, logger := env.cfg, env.logger
			defer logger.Close()

			var reg *prometheus.Registry
			if cfg.Metrics.Enabled {
				reg = prometheus.NewRegistry()
			}
			port, err := buildPort(env, reg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)

			if reg != nil {
				mux := http.NewServeMux()
				mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
				srv := &http.Server{
					Addr:              cfg.Metrics.Listen,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					logger.Info("metrics listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			if exercise {
				g.Go(func() error {
					if err := runSession(gctx, port, logger); err != nil && gctx.Err() == nil {
						logger.Warn("loopback session failed", "error", err)
					}
					return nil
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				logger.Info("taking port offline", "timeout", cfg.Port.OfflineTimeout)
				offlineCtx, cancel := context.WithTimeout(context.Background(), cfg.Port.OfflineTimeout)
				defer cancel()
				if err := port.Offline(offlineCtx); err != nil {
					logger.Error("port offline incomplete", "error", err)
					return err
				}
				snap := port.MetricsSnapshot()
				logger.Info("port offline",
					"controllers_created", snap.ControllersCreated,
					"admin_commands", snap.AdminCommands,
					"uptime", time.Duration(snap.UptimeNs))
				return nil
			})

			logger.Info("port online",
				"subnqn", cfg.Port.SubNQN,
				"namespaces", len(cfg.Namespaces),
				"max_controllers", cfg.Port.MaxControllers)
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&exercise, "exercise", false, "run one loopback host session after startup")
	return cmd
}
