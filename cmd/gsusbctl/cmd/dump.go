package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roffe/gsusb"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print received frames until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Start(func(f gsusb.Frame) {
			fmt.Printf("%12.6f %s\n", f.Timestamp.Seconds(), f.ColorString())
		}); err != nil {
			return err
		}

		<-cmd.Context().Done()
		return c.Stop()
	},
}
