//go:build linux

// Syncml-btd runs the Bluetooth RFCOMM transport of the SyncML server.
//
// It advertises the SyncML client and server SDP records through BlueZ,
// listens on RFCOMM channels 25 and 26 and hands each accepted peer to a
// sync engine. The built-in engine only logs what the peer sends.
//
// Usage:
//
//	syncml-btd serve [--config path]
//	syncml-btd records [--record-dir dir]
//
// Prerequisites: bluetoothd running and access to the system bus. Binding
// RFCOMM channels usually needs CAP_NET_ADMIN or root.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncml-btd",
	Short: "SyncML Bluetooth transport daemon",
	Long: `Serves SyncML over Bluetooth RFCOMM.

The daemon registers the SyncML client and server SDP profiles with BlueZ,
keeps one listening socket per role and accepts one peer session at a time.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default /etc/syncml-bt/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "syncml-btd %s (commit: %s)\n", version, commit)
	},
}
