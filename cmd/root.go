package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/posix4e/bar123-sub002/internal/ui"
	"github.com/posix4e/bar123-sub002/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "histsync",
	Short:   "Peer-to-peer browser history sync over WebRTC",
	Long: `histsync keeps browsing history in sync across devices without a
central server. Devices sharing a room secret find each other through a
relay server, a rendezvous record store or a manual pairing code, then
exchange history directly over an encrypted WebRTC data channel and
merge it with last-write-wins semantics.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
