package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roffe/gsusb"
)

func init() {
	sendCmd.Flags().Bool("rtr", false, "send a remote transmission request")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [data]",
	Short: "send a single frame, id and data in hex",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		frame, err := parseFrame(args)
		if err != nil {
			return err
		}
		if rtr, _ := cmd.Flags().GetBool("rtr"); rtr {
			frame.RTR = true
		}

		c, channel, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		frame.Channel = uint8(channel)

		if err := c.Start(nil); err != nil {
			return err
		}
		if err := c.Send(frame); err != nil {
			return err
		}
		// give the device a moment to get the frame onto the bus
		time.Sleep(20 * time.Millisecond)
		return c.Stop()
	},
}

func parseFrame(args []string) (gsusb.Frame, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
	if err != nil {
		return gsusb.Frame{}, fmt.Errorf("invalid identifier %q: %w", args[0], err)
	}
	var data []byte
	if len(args) == 2 {
		data, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return gsusb.Frame{}, fmt.Errorf("invalid data %q: %w", args[1], err)
		}
		if len(data) > 8 {
			return gsusb.Frame{}, fmt.Errorf("at most 8 data bytes, got %d", len(data))
		}
	}
	return gsusb.NewFrame(uint32(id), data), nil
}
