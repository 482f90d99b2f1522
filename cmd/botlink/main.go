// Command botlink keeps framed TCP and WebSocket sessions to game and chat
// servers alive, routes inbound messages by opcode, and exposes the
// sessions over a REST API, MQTT and an interactive console.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/energizer-project/botlink/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  _           _   _ _       _
 | |__   ___ | |_| (_)_ __ | | __
 | '_ \ / _ \| __| | | '_ \| |/ /
 | |_) | (_) | |_| | | | | |   <
 |_.__/ \___/ \__|_|_|_| |_|_|\_\  %s
`

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   "botlink",
		Short: "Persistent framed connections with opcode routing",
		Long: `botlink maintains long-lived binary sessions to remote servers.

Each session frames the byte stream with a length header, routes every
message to the handler registered for its opcode and reconnects with
backoff when the connection drops.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "configuration directory")

	run := runCmd(&configDir)
	rootCmd.RunE = run.RunE
	rootCmd.Flags().AddFlagSet(run.Flags())

	rootCmd.AddCommand(
		run,
		validateCmd(&configDir),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Printf(banner, version)
	fmt.Println()
}
