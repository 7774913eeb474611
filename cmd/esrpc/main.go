// Command esrpc runs an event-stream RPC server and talks to one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "esrpc",
		Short: "Event-stream RPC server and client",
		Long: `esrpc speaks the event-stream RPC protocol: CRC-checked binary frames
carrying typed headers, multiplexed as streams over one connection.

  esrpc serve                  run a server with the built-in operations
  esrpc invoke Echo '{"msg":"hi"}'
  esrpc ping --count 3`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML or YAML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		invokeCmd(&configPath),
		pingCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
