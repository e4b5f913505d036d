package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print device info",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		log.Printf("channels:         %d", c.Channels())
		log.Printf("can clock:        %d Hz", c.CANClock())
		log.Printf("firmware version: %d", c.FirmwareVersion())
		log.Printf("hardware version: %d", c.HardwareVersion())
		return nil
	},
}
