package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/roffe/gsusb"
	"github.com/roffe/gsusb/usb"
)

var rootCmd = &cobra.Command{
	Use:          "gsusbctl",
	Short:        "swiss army tool for gs_usb CAN adapters",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	rootCmd.ExecuteContext(ctx)
}

const (
	flagBitrate    = "bitrate"
	flagChannel    = "channel"
	flagDebug      = "debug"
	flagListenOnly = "listen-only"
	flagLoopback   = "loopback"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.Uint32P(flagBitrate, "b", 500000, "CAN bitrate in bit/s")
	pf.IntP(flagChannel, "c", 0, "channel index")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Bool(flagListenOnly, false, "listen only, never transmit")
	pf.Bool(flagLoopback, false, "hardware loopback mode")
}

func initClient(cmd *cobra.Command) (*gsusb.Client, int, error) {
	bitrate, err := cmd.Flags().GetUint32(flagBitrate)
	if err != nil {
		return nil, 0, err
	}
	channel, err := cmd.Flags().GetInt(flagChannel)
	if err != nil {
		return nil, 0, err
	}
	debug, err := cmd.Flags().GetBool(flagDebug)
	if err != nil {
		return nil, 0, err
	}
	listenOnly, err := cmd.Flags().GetBool(flagListenOnly)
	if err != nil {
		return nil, 0, err
	}
	loopback, err := cmd.Flags().GetBool(flagLoopback)
	if err != nil {
		return nil, 0, err
	}

	dev, err := usb.New(cmd.Context(), usb.OptDebug(debug))
	if err != nil {
		return nil, 0, err
	}
	c, err := gsusb.New(dev, gsusb.OptDebug(debug))
	if err != nil {
		dev.Close()
		return nil, 0, err
	}
	if err := c.SetMonitor(channel, listenOnly); err != nil {
		c.Close()
		return nil, 0, err
	}
	if err := c.SetLoopback(channel, loopback); err != nil {
		c.Close()
		return nil, 0, err
	}
	if err := c.SetBitrate(channel, bitrate); err != nil {
		c.Close()
		return nil, 0, err
	}
	return c, channel, nil
}
