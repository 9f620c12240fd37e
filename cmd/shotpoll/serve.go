package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/legamerdc/shotpoll/internal/capture"
	"github.com/legamerdc/shotpoll/internal/logging"
	"github.com/legamerdc/shotpoll/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	def := server.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the event loop until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			policy, err := server.ParseAppendPolicy(v.GetString("append"))
			if err != nil {
				return err
			}
			lo := logging.DefaultOptions()
			lo.Level = v.GetString("log-level")
			lo.JSON = v.GetBool("log-json")
			lo.File = v.GetString("log-file")
			log, err := logging.New(lo)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := server.Config{
				ListenNetwork: v.GetString("network"),
				ListenAddress: v.GetString("addr"),
				Backlog:       v.GetInt("backlog"),
				MaxEvents:     v.GetInt("max-events"),
				ScratchSize:   v.GetInt("scratch"),
				Append:        policy,
				MaxRequest:    v.GetInt("max-request"),
				IdleTimeout:   v.GetDuration("idle-timeout"),
			}
			if path := v.GetString("capture"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("open capture: %w", err)
				}
				w := capture.NewWriter(f)
				defer func() {
					if err := w.Close(); err != nil {
						log.Warn("close capture", zap.Error(err))
					}
				}()
				cfg.Recorder = w
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	fs := cmd.Flags()
	fs.String("config", "", "optional config file (yaml/toml/json) with the same keys as the flags")
	fs.String("network", def.ListenNetwork, "listen network: tcp, tcp4 or tcp6")
	fs.String("addr", def.ListenAddress, "listen address")
	fs.Int("backlog", def.Backlog, "listen backlog")
	fs.Int("max-events", def.MaxEvents, "max readiness events per wait")
	fs.Int("scratch", def.ScratchSize, "read scratch buffer size")
	fs.String("append", def.Append.String(), "append policy: scratch (whole buffer) or read (bytes read)")
	fs.Int("max-request", def.MaxRequest, "largest accepted content-length")
	fs.Duration("idle-timeout", def.IdleTimeout, "evict connections idle for this long (0 disables)")
	fs.String("capture", "", "write completed requests to this file (zstd records)")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-json", false, "log as JSON")
	fs.String("log-file", "", "log to a rotated file instead of stderr")
	return cmd
}

func serve(ctx context.Context, cfg server.Config, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("signal received, stopping")
			_ = srv.Stop()
		case <-done:
		}
	}()
	return srv.Serve()
}
