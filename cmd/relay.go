package cmd

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/posix4e/bar123-sub002/internal/relay"
)

var flagRelayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay signaling server",
	Long: `Run the websocket relay that rooms use for discovery and signaling.
The relay only forwards opaque authenticated envelopes between peers in
the same room; it never sees room secrets, peer names or history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay()
	},
}

func runRelay() error {
	hub := relay.NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.ServeWS(hub))
	mux.HandleFunc("/health", relay.HealthHandler)

	slog.Info("relay listening", "addr", flagRelayAddr)
	return http.ListenAndServe(flagRelayAddr, mux)
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringVarP(&flagRelayAddr, "addr", "a", ":8080", "Listen address")
}
