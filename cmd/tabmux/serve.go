package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabmux"
	"pkt.systems/tabmux/dispatch"
	"pkt.systems/tabmux/internal/appconfig"
	"pkt.systems/tabmux/mcpapi"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tabmux broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Listen.Addr = addr
			}

			server, err := tabmux.New(toServerConfig(cfg), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("broker listening", "addr", cfg.Listen.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address override")
	return cmd
}

func toServerConfig(cfg appconfig.Config) tabmux.ServerConfig {
	return tabmux.ServerConfig{
		API: mcpapi.Config{
			Addr:          cfg.Listen.Addr,
			IdleTimeout:   time.Duration(cfg.Session.IdleTimeoutMinutes) * time.Minute,
			SweepInterval: time.Duration(cfg.Session.SweepIntervalSeconds) * time.Second,
		},
		Dispatch: dispatch.Config{
			DefaultTimeout: time.Duration(cfg.Dispatch.CommandTimeoutSeconds) * time.Second,
			DeniedHosts:    cfg.Dispatch.DeniedHosts,
			StartPage:      cfg.Dispatch.StartPage,
			LaunchWait:     time.Duration(cfg.Dispatch.LaunchWaitSeconds) * time.Second,
		},
	}
}
