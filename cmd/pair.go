package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	pion "github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/posix4e/bar123-sub002/internal/config"
	"github.com/posix4e/bar123-sub002/internal/discovery"
	"github.com/posix4e/bar123-sub002/internal/history"
	"github.com/posix4e/bar123-sub002/internal/negotiate"
	"github.com/posix4e/bar123-sub002/internal/ui"

	"github.com/google/uuid"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair two devices by exchanging codes manually",
	Long: `Pair two devices without any rendezvous infrastructure: one side
creates an offer code, the other accepts it and produces a response
code, and the first side completes the connection. Codes expire after
five minutes and can be used only once.`,
}

var pairCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an offer code and wait for the response code",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pairCreate(cmd.Context())
	},
}

var pairAcceptCmd = &cobra.Command{
	Use:   "accept [offer-code]",
	Short: "Accept an offer code and print the response code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pairAccept(cmd.Context(), args[0])
	},
}

func newManualStrategy(ctx context.Context, cfg *config.Config) (*discovery.ManualStrategy, *history.Syncer, error) {
	self := discovery.PeerInfo{
		ID:          uuid.NewString(),
		DisplayName: cfg.DeviceName,
		DeviceType:  "cli",
	}

	syncer := history.NewSyncer(history.NewMemoryStore(), self.ID, nil)
	syncer.SetOnApplied(func(_ string, applied int) {
		ui.PrintSuccessf("Merged %d history entries", applied)
	})

	strategy := discovery.NewManualStrategy(discovery.ManualConfig{
		Self:       self,
		ICEServers: iceServers(cfg),
	})
	strategy.SetChannelHandler(func(peer discovery.PeerInfo, dc *pion.DataChannel) {
		ui.PrintSuccessf("Connected to %s", displayName(peer))
		if err := syncer.Attach(ctx, peer.ID, negotiate.WrapChannel(dc)); err != nil {
			ui.PrintErrorf("sync with %s failed: %v", displayName(peer), err)
		}
	})

	if err := strategy.Start(ctx); err != nil {
		return nil, nil, err
	}
	return strategy, syncer, nil
}

func pairCreate(parent context.Context) error {
	cfg, err := config.Load(config.Options{
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		DeviceName: flagDeviceName,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, _, err := newManualStrategy(ctx, cfg)
	if err != nil {
		return err
	}
	defer strategy.Stop()

	stopSpinner := ui.RunConnectionSpinner("Gathering connection candidates...")
	offer, err := strategy.CreateOffer(ctx)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println(ui.PairingCodeView("Offer Code", offer))

	response, err := promptCode("Paste the response code: ")
	if err != nil {
		return err
	}

	stopSpinner = ui.RunWaitingSpinner("Completing connection...")
	err = strategy.ProcessResponse(ctx, response)
	stopSpinner()
	if err != nil {
		return err
	}

	ui.PrintSuccess("Paired. Syncing until interrupted...")
	<-ctx.Done()
	return nil
}

func pairAccept(parent context.Context, offer string) error {
	cfg, err := config.Load(config.Options{
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		DeviceName: flagDeviceName,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, _, err := newManualStrategy(ctx, cfg)
	if err != nil {
		return err
	}
	defer strategy.Stop()

	stopSpinner := ui.RunConnectionSpinner("Building response...")
	response, err := strategy.ProcessOffer(ctx, strings.TrimSpace(offer))
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println(ui.PairingCodeView("Response Code", response))
	ui.PrintInfo("Waiting for the other device to complete the connection...")

	<-ctx.Done()
	return nil
}

func promptCode(prompt string) (string, error) {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	// Pairing codes carry a full SDP and can exceed bufio's default line
	// buffer.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no code entered")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.AddCommand(pairCreateCmd)
	pairCmd.AddCommand(pairAcceptCmd)

	pairCmd.PersistentFlags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	pairCmd.PersistentFlags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	pairCmd.PersistentFlags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	pairCmd.PersistentFlags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	pairCmd.PersistentFlags().StringVar(&flagDeviceName, "name", "", "Device name shown to peers")
}
