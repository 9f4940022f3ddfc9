package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var (
	version = "dev"
	debug   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gatewayd",
	Short:   "Data gateway facade: broker-agnostic request ingestion and handler dispatch",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (overrides LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd, reloadCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Trigger a config reload on a running gateway (POST /api/v1/reload)",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return triggerReload(addr)
	},
}

func init() {
	reloadCmd.Flags().String("addr", "http://localhost:8080", "base URL of the running gateway")
}

func reportGOMAXPROCS() {
	// automaxprocs (imported for its init side effect above) sets GOMAXPROCS
	// from the container's CPU quota before this runs.
	_ = runtime.GOMAXPROCS(0)
}
