package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigdra50/unity-relay/pkg/config"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/relay"
)

func newServeCmd() *cobra.Command {
	var (
		configPath    string
		host          string
		port          int
		queueEnabled  bool
		queueCapacity int
		metricsAddr   string
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay broker",
		Long: "Listens for editor registrations and client requests on one TCP port " +
			"and routes commands between them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("queue") {
				cfg.Server.QueueEnabled = queueEnabled
			}
			if cmd.Flags().Changed("queue-capacity") {
				cfg.Server.QueueCapacity = queueCapacity
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			log := logging.NewLogger(os.Stderr, level)

			srv := relay.NewServer(cfg, log)
			if err := srv.Listen(); err != nil {
				return fmt.Errorf("start relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relay config file")
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "host to bind to")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "port to listen on")
	cmd.Flags().BoolVar(&queueEnabled, "queue", false, "enable per-instance command queueing")
	cmd.Flags().IntVar(&queueCapacity, "queue-capacity", config.DefaultQueueCapacity, "per-instance queue capacity")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address (disabled if empty)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}
