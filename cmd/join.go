package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/posix4e/bar123-sub002/internal/config"
	"github.com/posix4e/bar123-sub002/internal/discovery"
	"github.com/posix4e/bar123-sub002/internal/ui"
)

var (
	flagDomain     string
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
	flagSecret     string
	flagRoom       string
	flagRedis      string
	flagRedisPass  string
	flagDeviceName string
	flagMethod     string
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a sync room and keep history in sync with its peers",
	Long: `Join the room derived from the shared secret, discover peers and
sync history with each of them.

Discovery tries the relay server first, then the rendezvous record
store, then falls back to manual pairing. A specific method can be
forced with --method (relay, rendezvous, rendezvous-legacy, manual).

Examples:
  histsync join --secret "kitchen table"
  histsync join --secret "kitchen table" --method rendezvous --redis localhost:6379
  histsync join --secret "kitchen table" --domain sync.example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context())
	},
}

func joinRoom(parent context.Context) error {
	cfg, err := LoadConfig(config.Options{
		Domain:        flagDomain,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
		Secret:        flagSecret,
		RedisAddr:     flagRedis,
		RedisPassword: flagRedisPass,
		DeviceName:    flagDeviceName,
	})
	if err != nil {
		return err
	}

	method := discovery.Method(flagMethod)
	switch method {
	case discovery.MethodRelay, discovery.MethodRendezvous,
		discovery.MethodRendezvousLegacy, discovery.MethodManual:
	default:
		return fmt.Errorf("unknown discovery method %q", flagMethod)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopSpinner := ui.RunConnectionSpinner("Joining room...")
	session, err := NewSession(ctx, cfg, flagRoom)
	stopSpinner()
	if err != nil {
		return err
	}

	ui.RenderRoomInfo(ui.RoomInfo{
		RoomID:   session.RoomID,
		Method:   flagMethod,
		DeviceID: session.Self.ID,
	})

	session.UI.Start()
	defer session.UI.Stop()

	return session.Run(ctx, method)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagSecret, "secret", "k", "", "Shared room secret")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "Explicit room id (default: derived from the secret)")
	joinCmd.Flags().StringVarP(&flagMethod, "method", "m", string(discovery.MethodRelay), "Discovery method to start with")
	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom relay domain")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis address for the rendezvous record store")
	joinCmd.Flags().StringVar(&flagRedisPass, "redis-pass", "", "Redis password")
	joinCmd.Flags().StringVar(&flagDeviceName, "name", "", "Device name shown to peers")
}
