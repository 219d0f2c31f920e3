// Command lockerctl is the locker fleet control plane: the HTTP/WebSocket
// server, schema migrations, offline zone-layout validation, and local
// development fixtures, unified under one cobra-based entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "lockerctl"
	serviceVersion = "0.1.0"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lockerctl",
		Short: "Locker fleet control plane",
		Long:  "lockerctl runs and administers the electromechanical locker fleet control plane: locker ownership, command dispatch, kiosk liveness, zone/hardware reconciliation, and the audit log.",
		Version: serviceVersion,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to environment variables and built-in defaults)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newZonesCommand())
	root.AddCommand(newSeedCommand())

	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
