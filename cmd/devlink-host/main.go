// Command devlink-host accepts device connections, keeps the device
// registry and serves the REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devlink-host",
		Short: "Secure link host for remote devices",
		Long: `devlink-host listens for remote devices, negotiates a per-connection
AES session key over RSA and delivers text payloads with confirmation
and retransmission. Connected devices are asked for their name and
health and exposed through a REST API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
