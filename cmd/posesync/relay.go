package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/normanking/posesync/internal/relay"
	"github.com/spf13/cobra"
)

func (a *app) relayCmd() *cobra.Command {
	var addr string
	var queue int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that connects sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := relay.Config{Addr: a.cfg.Relay.Addr, ClientQueue: a.cfg.Relay.ClientQueue}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("client-queue") {
				cfg.ClientQueue = queue
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := relay.NewServer(cfg, nil, a.syslog.Zerolog())
			if err := srv.ListenAndServe(ctx); err != nil {
				a.syslog.Error("relay", "Relay failed", err, map[string]interface{}{"addr": cfg.Addr})
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5000", "listen address")
	cmd.Flags().IntVar(&queue, "client-queue", 64, "messages buffered per client before dropping")
	return cmd
}
