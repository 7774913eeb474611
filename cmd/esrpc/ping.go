package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func pingCmd(configPath *string) *cobra.Command {
	var (
		addr     string
		service  string
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trips to a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			c, err := dialFromConfig(cmd.Context(), cfg, log, service, addr)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				id := uuid.New()
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				rtt, err := c.Ping(ctx, id[:])
				cancel()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pong seq=%d id=%s time=%s\n", i+1, id, rtt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (overrides client.addr)")
	cmd.Flags().StringVar(&service, "service", "", "discover the server through the configured registry")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "wait between pings")
	return cmd
}
